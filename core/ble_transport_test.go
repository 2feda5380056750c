package core

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubGateway is an in-memory BLEGateway for transport tests.
type stubGateway struct {
	mu      sync.Mutex
	caps    BLECapabilities
	inbound func(sourceMAC string, frame []byte)
	sent    [][]byte
	peers   []BLEPeer
	stopped bool
}

func newStubGateway() *stubGateway {
	return &stubGateway{caps: BLECapabilities{Peripheral: true, Central: true}}
}

func (g *stubGateway) Capabilities() BLECapabilities { return g.caps }

func (g *stubGateway) Start(_ context.Context, _ BLEAdvertisement, inbound func(string, []byte)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inbound = inbound
	return nil
}

func (g *stubGateway) Broadcast(frame []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, append([]byte(nil), frame...))
	return nil
}

func (g *stubGateway) Peers() []BLEPeer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]BLEPeer(nil), g.peers...)
}

func (g *stubGateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	return nil
}

func (g *stubGateway) inject(mac string, frame []byte) {
	g.mu.Lock()
	inbound := g.inbound
	g.mu.Unlock()
	inbound(mac, frame)
}

func (g *stubGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func newBLENode(t *testing.T, gw BLEGateway) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	cfg.UDPDiscoveryPort = 0
	cfg.DiscoveryInterval = time.Hour
	cfg.HeartbeatInterval = time.Hour
	cfg.CleanupInterval = time.Hour
	cfg.EnableBLE = true
	cfg.BLEGateway = gw
	return startNodeOnFreePorts(t, cfg)
}

func TestDuplicateAcrossTransportsDeliversOnce(t *testing.T) {
	gw := newStubGateway()
	b := newBLENode(t, gw)

	var delivered int32
	b.Subscribe(TopicHelpRequests, func(json.RawMessage) { atomic.AddInt32(&delivered, 1) })

	env := envelopeFixture("req-2")
	frame, err := MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// First arrival over IP, the same envelope 100ms later over BLE.
	before := b.Store().Stats().DuplicatesRejected
	b.router.Ingest(env, "peer-ip")
	time.Sleep(100 * time.Millisecond)
	gw.inject("AA:BB:CC:DD:EE:FF", frame)

	if got := atomic.LoadInt32(&delivered); got != 1 {
		t.Fatalf("delivered %d times across transports, want 1", got)
	}
	if got := b.Store().Stats().DuplicatesRejected - before; got != 1 {
		t.Fatalf("duplicates rejected rose by %d, want 1", got)
	}
}

func TestBLEDoesNotReEmitWhatItCarried(t *testing.T) {
	gw := newStubGateway()
	newBLENode(t, gw)

	env := envelopeFixture("req-ble-echo")
	frame, _ := MarshalEnvelope(env)
	gw.inject("AA:BB:CC:DD:EE:FF", frame)

	// Ingest forwarded the envelope to IP peers; the BLE plane must not
	// echo it back onto BLE.
	if gw.sentCount() != 0 {
		t.Fatalf("ble re-emitted an envelope it carried")
	}
}

func TestBLEEmitsIPOriginatedOnce(t *testing.T) {
	gw := newStubGateway()
	b := newBLENode(t, gw)

	env := envelopeFixture("req-from-ip")
	b.router.Ingest(env, "peer-ip")
	if gw.sentCount() != 1 {
		t.Fatalf("ble emitted %d frames, want 1", gw.sentCount())
	}
	// A later BLE arrival of the same envelope stays off the bus.
	frame, _ := MarshalEnvelope(env)
	gw.inject("AA:BB:CC:DD:EE:FF", frame)
	if gw.sentCount() != 1 {
		t.Fatalf("duplicate arrival re-emitted on ble")
	}
}

func TestBLESkipsOversizeEnvelopes(t *testing.T) {
	gw := newStubGateway()
	b := newBLENode(t, gw)

	env := envelopeFixture("req-too-big")
	env.Payload = json.RawMessage(`"` + strings.Repeat("x", 600) + `"`)
	b.router.Ingest(env, "peer-ip")

	if gw.sentCount() != 0 {
		t.Fatalf("oversize envelope travelled ble")
	}
	if b.ble.Stats().OversizeSkipped != 1 {
		t.Fatalf("oversize skip not counted")
	}
}

func TestBLECentralOnlyMode(t *testing.T) {
	gw := newStubGateway()
	gw.caps = BLECapabilities{Peripheral: false, Central: true}
	b := newBLENode(t, gw)

	if !b.ble.Stats().CentralOnly {
		t.Fatalf("transport not in central-only mode")
	}
}

func TestBLEUnavailableGatewaySkipsPlane(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	cfg.UDPDiscoveryPort = 0
	cfg.DiscoveryInterval = time.Hour
	cfg.HeartbeatInterval = time.Hour
	cfg.CleanupInterval = time.Hour
	cfg.EnableBLE = true // no gateway supplied
	n := startNodeOnFreePorts(t, cfg)

	if n.ble != nil {
		t.Fatalf("ble plane present without a gateway")
	}
	if n.GetStats().BLEEnabled {
		t.Fatalf("stats report ble enabled")
	}
}

func TestBLEPeersSurfaceAsBluetoothMultiaddrs(t *testing.T) {
	gw := newStubGateway()
	gw.peers = []BLEPeer{{MAC: "AA:BB:CC:DD:EE:FF", Name: "field-kit", LastSeen: time.Now()}}
	b := newBLENode(t, gw)

	peers := b.ble.Peers()
	if len(peers) != 1 || peers[0].Multiaddr != "bluetooth:AA:BB:CC:DD:EE:FF" {
		t.Fatalf("unexpected ble peers: %+v", peers)
	}
}

func TestBLEStopStopsGateway(t *testing.T) {
	gw := newStubGateway()
	b := newBLENode(t, gw)
	if err := b.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if !gw.stopped {
		t.Fatalf("gateway not stopped with node")
	}
}
