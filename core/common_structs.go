package core

// common_structs.go – centralised struct definitions referenced across the
// gossip plane. This file declares only data structures and configuration
// defaults; behaviour lives next to the component that owns it.

import (
	"encoding/json"
	"time"
)

//---------------------------------------------------------------------
// Identity
//---------------------------------------------------------------------

// NodeID is the stable pseudonymous identifier of a node, 16 hex chars
// derived from its public key.
type NodeID string

// Identity holds the node's identity for the lifetime of the process.
// The public key is carried opaquely; the core never interprets it.
type Identity struct {
	NodeID      NodeID `json:"node_id"`
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name,omitempty"`
}

//---------------------------------------------------------------------
// Geography
//---------------------------------------------------------------------

// GeoLocation is an immutable coordinate value attached to help requests.
type GeoLocation struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty"`
	AltitudeMeters *float64 `json:"altitude_meters,omitempty"`
}

//---------------------------------------------------------------------
// Help requests
//---------------------------------------------------------------------

// RequestType categorises the kind of help being asked for.
type RequestType string

const (
	RequestMedical   RequestType = "medical"
	RequestRescue    RequestType = "rescue"
	RequestShelter   RequestType = "shelter"
	RequestFoodWater RequestType = "food_water"
	RequestTransport RequestType = "transport"
	RequestInfo      RequestType = "info"
)

// RequestPriority ranks the urgency of a help request.
type RequestPriority string

const (
	PriorityCritical RequestPriority = "critical"
	PriorityHigh     RequestPriority = "high"
	PriorityMedium   RequestPriority = "medium"
	PriorityLow      RequestPriority = "low"
)

// HelpRequest is the application message that propagates through the mesh.
// Received requests are never mutated; a receiving node stores a copy with
// an incremented hop count and forwards the original payload unchanged.
type HelpRequest struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	TTLSeconds  int             `json:"ttl_seconds"`
	Location    GeoLocation     `json:"location"`
	RequestType RequestType     `json:"request_type"`
	Priority    RequestPriority `json:"priority"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	ContactInfo string          `json:"contact_info,omitempty"`
	SenderID    string          `json:"sender_id"`
	HopCount    int             `json:"hop_count"`
	Signature   []byte          `json:"signature,omitempty"`
}

//---------------------------------------------------------------------
// Gossip wire types
//---------------------------------------------------------------------

// Topics used by the gossip plane. TopicPeerDiscovery is reserved and has
// no producer today.
const (
	TopicHelpRequests  = "disaster/help-requests"
	TopicPeerDiscovery = "disaster/peer-discovery"
	TopicHeartbeat     = "disaster/heartbeat"
)

// GossipEnvelope wraps every payload on the wire. MessageID is the only
// identity the dedup and forwarding logic looks at. Envelopes are forwarded
// verbatim, so SenderID is the originating node, not the last hop.
type GossipEnvelope struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"sender_id"`
	MessageID string          `json:"message_id"`
	Timestamp float64         `json:"timestamp"`
}

// HeartbeatPayload is published on TopicHeartbeat every heartbeat interval.
type HeartbeatPayload struct {
	NodeID        NodeID `json:"node_id"`
	Timestamp     string `json:"timestamp"`
	PeersCount    int    `json:"peers_count"`
	MessagesCount int    `json:"messages_count"`
}

// DiscoveryBeacon is the single-datagram JSON announcement sent on the UDP
// discovery port.
type DiscoveryBeacon struct {
	NodeID NodeID `json:"node_id"`
	Port   int    `json:"port"`
	Name   string `json:"name,omitempty"`
}

//---------------------------------------------------------------------
// Peers
//---------------------------------------------------------------------

// PeerInfo describes a known peer. BLE peers carry a multiaddr of the form
// "bluetooth:<MAC>".
type PeerInfo struct {
	NodeID    NodeID    `json:"node_id"`
	Multiaddr string    `json:"multiaddr"`
	LastSeen  time.Time `json:"last_seen"`
	IsActive  bool      `json:"is_active"`
	LatencyMS *float64  `json:"latency_ms,omitempty"`
}

//---------------------------------------------------------------------
// Stats
//---------------------------------------------------------------------

// StoreStats is the MessageStore counter snapshot.
type StoreStats struct {
	TotalStored        int `json:"total_stored"`
	ActiveMessages     int `json:"active_messages"`
	ExpiredMessages    int `json:"expired_messages"`
	TotalReceived      int `json:"total_received"`
	DuplicatesRejected int `json:"duplicates_rejected"`
	SeenIDsCount       int `json:"seen_ids_count"`
}

// NodeStats is the façade-facing summary of the running node.
type NodeStats struct {
	NodeID           NodeID   `json:"node_id"`
	DisplayName      string   `json:"display_name"`
	UptimeSeconds    float64  `json:"uptime_seconds"`
	ConnectedPeers   int      `json:"connected_peers"`
	KnownPeers       int      `json:"known_peers"`
	MessagesSent     int      `json:"messages_sent"`
	MessagesReceived int      `json:"messages_received"`
	Subscriptions    []string `json:"subscriptions"`
	BLEEnabled       bool     `json:"ble_enabled"`
}

//---------------------------------------------------------------------
// Configuration
//---------------------------------------------------------------------

// Config carries every tunable of the gossip plane. Zero values are filled
// in from DefaultConfig by NewNode.
type Config struct {
	ListenPort        int
	UDPDiscoveryPort  int
	DiscoveryInterval time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	PeerStaleAfter    time.Duration
	DialTimeout       time.Duration
	MaxFrameBytes     int
	BLEMaxFrameBytes  int
	StoreCapacity     int
	SeenSetCapacity   int
	EnableBLE         bool
	BootstrapPeers    []string
	DisplayName       string

	// BLEGateway is the platform GATT binding. Set programmatically; when
	// nil and EnableBLE is true the BLE plane is skipped with a warning.
	BLEGateway BLEGateway
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenPort:        4001,
		UDPDiscoveryPort:  5000,
		DiscoveryInterval: 10 * time.Second,
		HeartbeatInterval: 60 * time.Second,
		CleanupInterval:   300 * time.Second,
		PeerStaleAfter:    300 * time.Second,
		DialTimeout:       5 * time.Second,
		MaxFrameBytes:     65535,
		BLEMaxFrameBytes:  512,
		StoreCapacity:     10000,
		SeenSetCapacity:   10000,
	}
}

// withDefaults fills unset fields so a partially specified Config behaves.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ListenPort == 0 {
		c.ListenPort = def.ListenPort
	}
	if c.UDPDiscoveryPort == 0 {
		c.UDPDiscoveryPort = def.UDPDiscoveryPort
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = def.DiscoveryInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.PeerStaleAfter == 0 {
		c.PeerStaleAfter = def.PeerStaleAfter
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.BLEMaxFrameBytes == 0 {
		c.BLEMaxFrameBytes = def.BLEMaxFrameBytes
	}
	if c.StoreCapacity == 0 {
		c.StoreCapacity = def.StoreCapacity
	}
	if c.SeenSetCapacity == 0 {
		c.SeenSetCapacity = def.SeenSetCapacity
	}
	return c
}
