package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"meshaid-network/core"
	"meshaid-network/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshaid",
		Short: "Decentralized disaster-response mesh node",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(identityCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var (
		listenPort int
		name       string
		bootstrap  []string
		enableBLE  bool
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the mesh node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			}

			cfg := loadCoreConfig()
			if cmd.Flags().Changed("listen-port") {
				cfg.ListenPort = listenPort
			}
			if name != "" {
				cfg.DisplayName = name
			}
			if len(bootstrap) > 0 {
				cfg.BootstrapPeers = append(cfg.BootstrapPeers, bootstrap...)
			}
			if cmd.Flags().Changed("ble") {
				cfg.EnableBLE = enableBLE
			}

			node, err := core.InitNode(cfg, nil)
			if err != nil {
				return err
			}
			if err := node.Start(); err != nil {
				return fmt.Errorf("start node: %w", err)
			}

			stats := node.GetStats()
			logrus.Infof("node id: %s", stats.NodeID)
			logrus.Infof("display name: %s", stats.DisplayName)
			logrus.Infof("p2p port: %d", cfg.ListenPort)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logrus.Info("shutting down...")
			return core.ShutdownNode()
		},
	}
	cmd.Flags().IntVar(&listenPort, "listen-port", 4001, "TCP listen port")
	cmd.Flags().StringVarP(&name, "name", "n", "", "node display name (auto-generated if unset)")
	cmd.Flags().StringArrayVarP(&bootstrap, "bootstrap", "b", nil, "bootstrap peer endpoint host[:port][/peer_id], repeatable")
	cmd.Flags().BoolVar(&enableBLE, "ble", false, "enable the BLE transport plane")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// loadCoreConfig merges file config over defaults; a missing config file
// is not an error for a node started purely from flags.
func loadCoreConfig() core.Config {
	fileCfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Debugf("no config file loaded: %v", err)
		def := config.Default()
		fileCfg = &def
	}
	if lvl, err := logrus.ParseLevel(fileCfg.Logging.Level); err == nil {
		logrus.SetLevel(lvl)
	}
	return fileCfg.Core()
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage node configuration"}
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join("config", "default.yaml")
			if len(args) > 0 {
				path = args[0]
			}
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.AddCommand(initCmd)
	return cmd
}

func identityCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Generate and print a fresh node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := core.GenerateIdentity(name)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(id, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	return cmd
}
