package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNodeNotInitialized is returned by GetNode before InitNode.
	ErrNodeNotInitialized = errors.New("node not initialized")

	// ErrNodeAlreadyInitialized is returned by InitNode when a process-wide
	// node already exists.
	ErrNodeAlreadyInitialized = errors.New("node already initialized")
)

// Node assembles the gossip plane: identity, message store, peer
// registry, router and transports. It is originator, relay and sink of
// help-request traffic at once.
type Node struct {
	cfg      Config
	identity *Identity
	store    *MessageStore
	registry *PeerRegistry
	router   *PubSubRouter

	ip  *IPTransport
	ble *BLETransport

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	startTime time.Time
}

// NewNode builds a node from config. A nil identity generates a fresh
// one. The default help-request subscription is installed immediately:
// inbound requests are decoded, hop-incremented and retained.
func NewNode(cfg Config, identity *Identity) (*Node, error) {
	cfg = cfg.withDefaults()

	if identity == nil {
		var err error
		identity, err = GenerateIdentity(cfg.DisplayName)
		if err != nil {
			return nil, err
		}
	}

	store := NewMessageStore(cfg.StoreCapacity, cfg.SeenSetCapacity)
	registry := NewPeerRegistry()
	router := NewPubSubRouter(identity, NewSeenSet(cfg.SeenSetCapacity), store, registry)

	n := &Node{
		cfg:      cfg,
		identity: identity,
		store:    store,
		registry: registry,
		router:   router,
	}

	n.ip = NewIPTransport(cfg, identity, router, registry, store)
	router.AttachTransport(n.ip)

	if cfg.EnableBLE {
		if cfg.BLEGateway == nil {
			logrus.Warn("ble enabled but no gateway available, skipping ble plane")
		} else {
			ble, err := NewBLETransport(cfg, identity, router, cfg.BLEGateway)
			if err != nil {
				return nil, err
			}
			n.ble = ble
			router.AttachTransport(ble)
		}
	}

	router.Subscribe(TopicHelpRequests, n.handleHelpRequest)

	logrus.Infof("node initialised: %s (%s)", identity.NodeID, identity.DisplayName)
	return n, nil
}

// handleHelpRequest is the default sink for the help-request topic:
// decode, bump the hop count, retain.
func (n *Node) handleHelpRequest(payload json.RawMessage) {
	req, err := HelpRequestFromPayload(payload)
	if err != nil {
		logrus.Errorf("error processing incoming message: %v", err)
		return
	}
	hopped := req.IncrementHop()
	if n.store.Store(hopped) {
		logrus.Infof("received help request %s (type %s, hops %d)", hopped.ID, hopped.RequestType, hopped.HopCount)
	} else {
		logrus.Debugf("duplicate or expired help request: %s", hopped.ID)
	}
}

// Start brings the transports up and dials the bootstrap peers. An IP
// bind failure is surfaced to the caller; BLE failures degrade the node
// to IP only.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.ip.Start(n.ctx); err != nil {
		n.cancel()
		return err
	}
	if n.ble != nil {
		if err := n.ble.Start(n.ctx); err != nil {
			logrus.Warnf("ble transport failed to start, continuing without it: %v", err)
			n.ble = nil
		}
	}

	for _, endpoint := range n.cfg.BootstrapPeers {
		if err := n.ip.Connect(endpoint); err != nil {
			logrus.Warnf("bootstrap peer %s unreachable: %v", endpoint, err)
		}
	}

	n.started = true
	n.startTime = time.Now()
	logrus.Infof("node started on port %d", n.cfg.ListenPort)
	return nil
}

// Stop tears the node down: transports, sockets and peer writers. It is
// idempotent; in-flight ingests finish against intact state.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	n.started = false

	n.cancel()
	if n.ble != nil {
		if err := n.ble.Stop(); err != nil {
			logrus.Warnf("ble stop: %v", err)
		}
	}
	if err := n.ip.Stop(); err != nil {
		logrus.Warnf("ip stop: %v", err)
	}
	logrus.Info("node stopped")
	return nil
}

// Connect dials one peer endpoint immediately. Bootstrap peers are
// dialled by Start; this is the on-demand path.
func (n *Node) Connect(endpoint string) error {
	return n.ip.Connect(endpoint)
}

// Subscribe registers a handler for a gossip topic.
func (n *Node) Subscribe(topic string, h Handler) {
	n.router.Subscribe(topic, h)
}

// Publish broadcasts a payload on a topic across every transport.
func (n *Node) Publish(topic string, payload json.RawMessage) error {
	return n.router.Publish(topic, payload)
}

// PublishHelpRequest originates a help request: validate, retain locally,
// then gossip it to the mesh.
func (n *Node) PublishHelpRequest(draft HelpRequestDraft) (*HelpRequest, error) {
	req, err := NewHelpRequest(draft, n.identity.NodeID)
	if err != nil {
		return nil, err
	}
	n.store.Store(req)
	payload, err := req.MarshalPayload()
	if err != nil {
		return nil, err
	}
	if err := n.router.Publish(TopicHelpRequests, payload); err != nil {
		return nil, err
	}
	return req, nil
}

// Identity returns the node's identity.
func (n *Node) Identity() *Identity { return n.identity }

// Store exposes the message store for query surfaces.
func (n *Node) Store() *MessageStore { return n.store }

// Registry exposes the peer registry.
func (n *Node) Registry() *PeerRegistry { return n.registry }

// GetStats summarises the running node.
func (n *Node) GetStats() NodeStats {
	n.mu.Lock()
	var uptime float64
	if n.started {
		uptime = time.Since(n.startTime).Seconds()
	}
	bleEnabled := n.ble != nil
	n.mu.Unlock()

	return NodeStats{
		NodeID:           n.identity.NodeID,
		DisplayName:      n.identity.DisplayName,
		UptimeSeconds:    uptime,
		ConnectedPeers:   n.registry.ConnectedCount(),
		KnownPeers:       n.registry.Len(),
		MessagesSent:     n.router.MessagesSent(),
		MessagesReceived: n.router.MessagesReceived(),
		Subscriptions:    n.router.Topics(),
		BLEEnabled:       bleEnabled,
	}
}

// GetPeers lists known peers across transports.
func (n *Node) GetPeers() []PeerInfo {
	peers := n.registry.Peers()
	if n.ble != nil {
		peers = append(peers, n.ble.Peers()...)
	}
	return peers
}

//---------------------------------------------------------------------
// Process-wide handle
//---------------------------------------------------------------------

// A single process-wide node for surfaces that demand one. Initialised
// once; shutdown clears it.
var (
	globalMu   sync.Mutex
	globalNode *Node
)

// InitNode creates and registers the process-wide node.
func InitNode(cfg Config, identity *Identity) (*Node, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalNode != nil {
		return nil, ErrNodeAlreadyInitialized
	}
	n, err := NewNode(cfg, identity)
	if err != nil {
		return nil, err
	}
	globalNode = n
	return n, nil
}

// GetNode returns the process-wide node.
func GetNode() (*Node, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalNode == nil {
		return nil, ErrNodeNotInitialized
	}
	return globalNode, nil
}

// ShutdownNode stops and clears the process-wide node.
func ShutdownNode() error {
	globalMu.Lock()
	n := globalNode
	globalNode = nil
	globalMu.Unlock()
	if n == nil {
		return nil
	}
	return n.Stop()
}
