package config

// Package config provides a reusable loader for meshaid configuration
// files and environment variables.

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"meshaid-network/core"
	"meshaid-network/pkg/utils"
)

// Config mirrors the structure of the YAML files under cmd/config. Every
// tunable of the gossip plane appears here with its documented default.
type Config struct {
	Network struct {
		ListenPort         int      `mapstructure:"listen_port" yaml:"listen_port" json:"listen_port"`
		UDPDiscoveryPort   int      `mapstructure:"udp_discovery_port" yaml:"udp_discovery_port" json:"udp_discovery_port"`
		DiscoveryIntervalS int      `mapstructure:"discovery_interval_s" yaml:"discovery_interval_s" json:"discovery_interval_s"`
		HeartbeatIntervalS int      `mapstructure:"heartbeat_interval_s" yaml:"heartbeat_interval_s" json:"heartbeat_interval_s"`
		CleanupIntervalS   int      `mapstructure:"cleanup_interval_s" yaml:"cleanup_interval_s" json:"cleanup_interval_s"`
		PeerStaleS         int      `mapstructure:"peer_stale_s" yaml:"peer_stale_s" json:"peer_stale_s"`
		DialTimeoutS       int      `mapstructure:"dial_timeout_s" yaml:"dial_timeout_s" json:"dial_timeout_s"`
		MaxFrameBytes      int      `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes" json:"max_frame_bytes"`
		BootstrapPeers     []string `mapstructure:"bootstrap_peers" yaml:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" yaml:"network" json:"network"`

	BLE struct {
		Enabled       bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
		MaxFrameBytes int  `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes" json:"max_frame_bytes"`
	} `mapstructure:"ble" yaml:"ble" json:"ble"`

	Store struct {
		Capacity        int `mapstructure:"capacity" yaml:"capacity" json:"capacity"`
		SeenSetCapacity int `mapstructure:"seen_set_capacity" yaml:"seen_set_capacity" json:"seen_set_capacity"`
	} `mapstructure:"store" yaml:"store" json:"store"`

	Node struct {
		DisplayName string `mapstructure:"display_name" yaml:"display_name" json:"display_name"`
	} `mapstructure:"node" yaml:"node" json:"node"`

	Logging struct {
		Level string `mapstructure:"level" yaml:"level" json:"level"`
	} `mapstructure:"logging" yaml:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns the documented defaults.
func Default() Config {
	var c Config
	def := core.DefaultConfig()
	c.Network.ListenPort = def.ListenPort
	c.Network.UDPDiscoveryPort = def.UDPDiscoveryPort
	c.Network.DiscoveryIntervalS = int(def.DiscoveryInterval / time.Second)
	c.Network.HeartbeatIntervalS = int(def.HeartbeatInterval / time.Second)
	c.Network.CleanupIntervalS = int(def.CleanupInterval / time.Second)
	c.Network.PeerStaleS = int(def.PeerStaleAfter / time.Second)
	c.Network.DialTimeoutS = int(def.DialTimeout / time.Second)
	c.Network.MaxFrameBytes = def.MaxFrameBytes
	c.Network.BootstrapPeers = []string{}
	c.BLE.MaxFrameBytes = def.BLEMaxFrameBytes
	c.Store.Capacity = def.StoreCapacity
	c.Store.SeenSetCapacity = def.SeenSetCapacity
	c.Logging.Level = "info"
	return c
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	AppConfig = Default()
	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHAID_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESHAID_ENV", ""))
}

// Core translates the file representation into the core runtime config.
func (c *Config) Core() core.Config {
	return core.Config{
		ListenPort:        c.Network.ListenPort,
		UDPDiscoveryPort:  c.Network.UDPDiscoveryPort,
		DiscoveryInterval: time.Duration(c.Network.DiscoveryIntervalS) * time.Second,
		HeartbeatInterval: time.Duration(c.Network.HeartbeatIntervalS) * time.Second,
		CleanupInterval:   time.Duration(c.Network.CleanupIntervalS) * time.Second,
		PeerStaleAfter:    time.Duration(c.Network.PeerStaleS) * time.Second,
		DialTimeout:       time.Duration(c.Network.DialTimeoutS) * time.Second,
		MaxFrameBytes:     c.Network.MaxFrameBytes,
		BLEMaxFrameBytes:  c.BLE.MaxFrameBytes,
		StoreCapacity:     c.Store.Capacity,
		SeenSetCapacity:   c.Store.SeenSetCapacity,
		EnableBLE:         c.BLE.Enabled,
		BootstrapPeers:    c.Network.BootstrapPeers,
		DisplayName:       c.Node.DisplayName,
	}
}
