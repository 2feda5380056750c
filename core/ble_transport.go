package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// BLEServiceUUID is the GATT service the mesh advertises and scans for.
const BLEServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"

// bleSeenCacheSize bounds the transport's private echo-suppression cache.
const bleSeenCacheSize = 5000

// BLECapabilities describes what the platform GATT stack can do.
type BLECapabilities struct {
	Peripheral bool
	Central    bool
}

// BLEAdvertisement is what a peripheral announces.
type BLEAdvertisement struct {
	ServiceUUID string
	NodeID      NodeID
	Name        string
}

// BLEPeer is a device currently reachable over BLE.
type BLEPeer struct {
	MAC      string
	Name     string
	LastSeen time.Time
}

// BLEGateway abstracts the platform GATT stack: a peripheral with a WRITE
// characteristic for inbound and READ+NOTIFY for outbound, plus a central
// scanner connecting to peers advertising the same service. The core never
// touches GATT directly; a nil gateway means BLE is unavailable.
type BLEGateway interface {
	Capabilities() BLECapabilities
	// Start begins advertising (when capable) and scanning. Inbound
	// single-write frames are delivered through the callback with the
	// source device's MAC.
	Start(ctx context.Context, adv BLEAdvertisement, inbound func(sourceMAC string, frame []byte)) error
	// Broadcast writes the frame to every connected peripheral and
	// notifies every subscribed central.
	Broadcast(frame []byte) error
	Peers() []BLEPeer
	Stop() error
}

// BLEStats is the transport's counter snapshot.
type BLEStats struct {
	ConnectedPeers   int  `json:"connected_peers"`
	MessagesSent     int  `json:"messages_sent"`
	MessagesReceived int  `json:"messages_received"`
	OversizeSkipped  int  `json:"oversize_skipped"`
	CentralOnly      bool `json:"central_only"`
}

// BLETransport adapts a BLEGateway to the gossip plane. From the router's
// viewpoint its contract is identical to the IP transport. It keeps its
// own bounded seen-cache so an envelope that already travelled BLE is not
// re-emitted onto BLE, independent of the router's dedup.
type BLETransport struct {
	cfg      Config
	identity *Identity
	router   *PubSubRouter
	gateway  BLEGateway
	seen     *lru.Cache[string, struct{}]

	mu               sync.Mutex
	started          bool
	centralOnly      bool
	messagesSent     int
	messagesReceived int
	oversizeSkipped  int
}

// NewBLETransport wires the adapter. The gateway must be non-nil; a node
// without one simply omits the transport from the plane.
func NewBLETransport(cfg Config, identity *Identity, router *PubSubRouter, gateway BLEGateway) (*BLETransport, error) {
	if gateway == nil {
		return nil, errors.New("ble transport requires a gateway")
	}
	cache, err := lru.New[string, struct{}](bleSeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("ble seen cache: %w", err)
	}
	return &BLETransport{
		cfg:      cfg,
		identity: identity,
		router:   router,
		gateway:  gateway,
		seen:     cache,
	}, nil
}

// Name implements Transport.
func (t *BLETransport) Name() string { return "ble" }

// Start brings the gateway up. Without peripheral capability the
// transport runs central-only: it scans and connects but does not
// advertise.
func (t *BLETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	caps := t.gateway.Capabilities()
	if !caps.Peripheral && !caps.Central {
		return errors.New("ble gateway has neither peripheral nor central capability")
	}
	t.centralOnly = !caps.Peripheral
	if t.centralOnly {
		logrus.Info("ble transport running central-only, platform lacks GATT server")
	}
	adv := BLEAdvertisement{
		ServiceUUID: BLEServiceUUID,
		NodeID:      t.identity.NodeID,
		Name:        t.identity.DisplayName,
	}
	if err := t.gateway.Start(ctx, adv, t.onInbound); err != nil {
		return fmt.Errorf("start ble gateway: %w", err)
	}
	t.started = true
	logrus.Infof("ble transport started, service %s", BLEServiceUUID)
	return nil
}

// Stop shuts the gateway down. Idempotent.
func (t *BLETransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false
	return t.gateway.Stop()
}

// onInbound handles one single-write frame from a BLE device. The frame
// is cached first so it is never re-emitted onto BLE, then handed to the
// router, whose own dedup decides local delivery and IP forwarding.
func (t *BLETransport) onInbound(sourceMAC string, frame []byte) {
	env, err := UnmarshalEnvelope(frame)
	if err != nil {
		logrus.Debugf("bad ble frame from %s: %v", sourceMAC, err)
		return
	}
	t.seen.Add(env.MessageID, struct{}{})

	t.mu.Lock()
	t.messagesReceived++
	t.mu.Unlock()

	t.router.Ingest(env, "")
}

// Broadcast emits an envelope over BLE. Envelopes the transport already
// carried are skipped, and anything over the per-write ceiling simply
// does not travel BLE; it still travels IP. A transport that is not
// started emits nothing.
func (t *BLETransport) Broadcast(env *GossipEnvelope, _ NodeID) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil
	}
	if _, echoed := t.seen.Get(env.MessageID); echoed {
		return nil
	}
	frame, err := MarshalEnvelope(env)
	if err != nil {
		return err
	}
	if len(frame) > t.cfg.BLEMaxFrameBytes {
		t.mu.Lock()
		t.oversizeSkipped++
		t.mu.Unlock()
		logrus.Debugf("envelope %s too large for ble (%d bytes), skipped", env.MessageID, len(frame))
		return nil
	}
	t.seen.Add(env.MessageID, struct{}{})
	if err := t.gateway.Broadcast(frame); err != nil {
		return fmt.Errorf("ble broadcast: %w", err)
	}
	t.mu.Lock()
	t.messagesSent++
	t.mu.Unlock()
	return nil
}

// Peers returns the BLE peers as PeerInfo with bluetooth multiaddrs.
func (t *BLETransport) Peers() []PeerInfo {
	blePeers := t.gateway.Peers()
	out := make([]PeerInfo, 0, len(blePeers))
	for _, p := range blePeers {
		name := p.Name
		if name == "" {
			name = p.MAC
		}
		out = append(out, PeerInfo{
			NodeID:    NodeID(name),
			Multiaddr: "bluetooth:" + p.MAC,
			LastSeen:  p.LastSeen,
			IsActive:  true,
		})
	}
	return out
}

// Stats returns the transport counters.
func (t *BLETransport) Stats() BLEStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return BLEStats{
		ConnectedPeers:   len(t.gateway.Peers()),
		MessagesSent:     t.messagesSent,
		MessagesReceived: t.messagesReceived,
		OversizeSkipped:  t.oversizeSkipped,
		CentralOnly:      t.centralOnly,
	}
}
