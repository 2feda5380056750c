package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"meshaid-network/internal/testutil"
)

// startNodeOnFreePorts starts a node, grabbing ephemeral ports for any
// port left at zero, and registers its teardown.
func startNodeOnFreePorts(t *testing.T, cfg Config) *Node {
	t.Helper()
	if cfg.ListenPort == 0 {
		cfg.ListenPort = testutil.FreePort(t)
	}
	if cfg.UDPDiscoveryPort == 0 {
		cfg.UDPDiscoveryPort = testutil.FreeUDPPort(t)
	}
	n, err := NewNode(cfg, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

// newMeshNode builds a started node on ephemeral ports with the periodic
// loops effectively disabled unless a test tunes them.
func newMeshNode(t *testing.T, mutate func(*Config)) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	cfg.UDPDiscoveryPort = 0
	cfg.DiscoveryInterval = time.Hour
	cfg.HeartbeatInterval = time.Hour
	cfg.CleanupInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	return startNodeOnFreePorts(t, cfg)
}

func endpointFor(n *Node) string {
	return fmt.Sprintf("127.0.0.1:%d/%s", n.cfg.ListenPort, n.identity.NodeID)
}

func TestTriangleGossipReachesAll(t *testing.T) {
	c := newMeshNode(t, nil)
	b := newMeshNode(t, func(cfg *Config) { cfg.BootstrapPeers = []string{endpointFor(c)} })
	a := newMeshNode(t, func(cfg *Config) { cfg.BootstrapPeers = []string{endpointFor(b)} })

	var aGot, bGot, cGot int32
	a.Subscribe(TopicHelpRequests, func(json.RawMessage) { atomic.AddInt32(&aGot, 1) })
	b.Subscribe(TopicHelpRequests, func(json.RawMessage) { atomic.AddInt32(&bGot, 1) })
	c.Subscribe(TopicHelpRequests, func(json.RawMessage) { atomic.AddInt32(&cGot, 1) })

	req, err := a.PublishHelpRequest(HelpRequestDraft{
		Location:    GeoLocation{Latitude: 41.0082, Longitude: 28.9784},
		RequestType: RequestMedical,
		Priority:    PriorityHigh,
		Title:       "test help request",
		Description: "ten chars..",
		TTLSeconds:  3600,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	testutil.WaitUntil(t, 2*time.Second, "B and C deliver exactly once", func() bool {
		return atomic.LoadInt32(&bGot) == 1 && atomic.LoadInt32(&cGot) == 1
	})
	// Give late duplicates a moment to surface, then assert counts.
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&bGot); got != 1 {
		t.Fatalf("B delivered %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&cGot); got != 1 {
		t.Fatalf("C delivered %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&aGot); got != 0 {
		t.Fatalf("A delivered its own request %d times", got)
	}

	// B and C retained the request with one extra hop.
	for _, n := range []*Node{b, c} {
		stored, ok := n.Store().Get(req.ID)
		if !ok {
			t.Fatalf("request not retained on %s", n.identity.NodeID)
		}
		if stored.HopCount != 1 {
			t.Fatalf("hop count %d on %s, want 1", stored.HopCount, n.identity.NodeID)
		}
	}
	// A retained its own copy with zero hops.
	if stored, ok := a.Store().Get(req.ID); !ok || stored.HopCount != 0 {
		t.Fatalf("originator copy wrong: %+v", stored)
	}
}

func TestPeerRemovedWhenConnectionDies(t *testing.T) {
	b := newMeshNode(t, nil)
	a := newMeshNode(t, func(cfg *Config) { cfg.BootstrapPeers = []string{endpointFor(b)} })

	testutil.WaitUntil(t, 2*time.Second, "A registers B", func() bool {
		return a.Registry().Len() == 1
	})

	_ = b.Stop()

	testutil.WaitUntil(t, 2*time.Second, "A drops B", func() bool {
		return a.Registry().Len() == 0
	})
	// Publishing with no peers left still succeeds.
	if err := a.Publish(TopicHelpRequests, json.RawMessage(`{"id":"req-alone"}`)); err != nil {
		t.Fatalf("publish after peer loss: %v", err)
	}
}

func TestDiscoveryBeaconTriggersDial(t *testing.T) {
	b := newMeshNode(t, nil)
	a := newMeshNode(t, nil)

	// Hand-deliver B's beacon to A's discovery socket.
	beacon, _ := json.Marshal(DiscoveryBeacon{NodeID: b.identity.NodeID, Port: b.cfg.ListenPort, Name: "b"})
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", a.cfg.UDPDiscoveryPort))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(beacon); err != nil {
		t.Fatalf("send beacon: %v", err)
	}

	testutil.WaitUntil(t, 2*time.Second, "A dials B from beacon", func() bool {
		return a.Registry().Has(b.identity.NodeID)
	})
}

func TestDiscoveryIgnoresOwnBeacon(t *testing.T) {
	a := newMeshNode(t, nil)

	beacon, _ := json.Marshal(DiscoveryBeacon{NodeID: a.identity.NodeID, Port: a.cfg.ListenPort})
	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", a.cfg.UDPDiscoveryPort))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(beacon); err != nil {
		t.Fatalf("send beacon: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if a.Registry().Len() != 0 {
		t.Fatalf("node dialled itself from its own beacon")
	}
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	a := newMeshNode(t, nil)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", a.cfg.ListenPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(a.cfg.MaxFrameBytes+1))
	if _, err := conn.Write(prefix[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected connection closed, got %v", err)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	a := newMeshNode(t, nil)
	var got int32
	a.Subscribe(TopicHelpRequests, func(json.RawMessage) { atomic.AddInt32(&got, 1) })

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", a.cfg.ListenPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	junk := []byte("definitely not an envelope")
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(junk)))
	if _, err := conn.Write(append(prefix[:], junk...)); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	frame, err := EncodeFrame(envelopeFixture("req-after-bad"), a.cfg.MaxFrameBytes)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	testutil.WaitUntil(t, 2*time.Second, "valid frame after junk delivered", func() bool {
		return atomic.LoadInt32(&got) == 1
	})
}

func TestFirstEnvelopeAdoptsConnection(t *testing.T) {
	a := newMeshNode(t, nil)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", a.cfg.ListenPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	env := envelopeFixture("req-adopt")
	env.SenderID = "feedfacecafebeef"
	frame, _ := EncodeFrame(env, a.cfg.MaxFrameBytes)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	testutil.WaitUntil(t, 2*time.Second, "connection adopted under sender id", func() bool {
		return a.Registry().Has("feedfacecafebeef")
	})
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in     string
		addr   string
		peerID NodeID
	}{
		{"10.0.0.5", "10.0.0.5:4001", "10.0.0.5:4001"},
		{"10.0.0.5:4002", "10.0.0.5:4002", "10.0.0.5:4002"},
		{"10.0.0.5:4002/abcdef0123456789", "10.0.0.5:4002", "abcdef0123456789"},
		{"10.0.0.5/abcdef0123456789", "10.0.0.5:4001", "abcdef0123456789"},
	}
	for _, tc := range cases {
		addr, peerID, err := parseEndpoint(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if addr != tc.addr || peerID != tc.peerID {
			t.Fatalf("%s parsed to (%s, %s), want (%s, %s)", tc.in, addr, peerID, tc.addr, tc.peerID)
		}
	}
	if _, _, err := parseEndpoint(""); err == nil {
		t.Fatalf("empty endpoint accepted")
	}
}

func TestDialFailureReturnsError(t *testing.T) {
	a := newMeshNode(t, nil)
	deadPort := testutil.FreePort(t)
	if err := a.Connect(fmt.Sprintf("127.0.0.1:%d/deadbeefdeadbeef", deadPort)); err == nil {
		t.Fatalf("dial to closed port succeeded")
	}
	if a.Registry().Has("deadbeefdeadbeef") {
		t.Fatalf("failed dial left a registry entry")
	}
}

func TestHeartbeatPublishedToPeers(t *testing.T) {
	b := newMeshNode(t, nil)
	a := newMeshNode(t, func(cfg *Config) {
		cfg.BootstrapPeers = []string{endpointFor(b)}
		cfg.HeartbeatInterval = 50 * time.Millisecond
	})

	var hb int32
	b.Subscribe(TopicHeartbeat, func(payload json.RawMessage) {
		var beat HeartbeatPayload
		if err := json.Unmarshal(payload, &beat); err != nil {
			t.Errorf("bad heartbeat payload: %v", err)
			return
		}
		if beat.NodeID == a.identity.NodeID {
			atomic.AddInt32(&hb, 1)
		}
	})

	testutil.WaitUntil(t, 2*time.Second, "heartbeat arrives at B", func() bool {
		return atomic.LoadInt32(&hb) >= 1
	})
}

func TestCleanupLoopSweepsExpired(t *testing.T) {
	a := newMeshNode(t, func(cfg *Config) { cfg.CleanupInterval = 50 * time.Millisecond })

	msg := storedRequest("req-sweep", 0, 60)
	if !a.Store().Store(msg) {
		t.Fatalf("store rejected")
	}
	msg.Timestamp = time.Now().UTC().Add(-61 * time.Second)

	testutil.WaitUntil(t, 2*time.Second, "expired message swept", func() bool {
		_, ok := a.Store().Get("req-sweep")
		return !ok
	})
	if !a.Store().HasSeen("req-sweep") {
		t.Fatalf("sweep touched dedup memory")
	}
}
