package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// badFrameCloseThreshold is how many successive malformed frames a
// connection may send before it is closed.
const badFrameCloseThreshold = 8

// writeTimeout bounds back-pressure on a single peer write. A peer whose
// buffer does not drain in time is treated as disconnected.
const writeTimeout = 10 * time.Second

//---------------------------------------------------------------------
// Outbound writer
//---------------------------------------------------------------------

// connWriter serialises whole-frame writes to one TCP peer so the 4-byte
// length prefix is never interleaved with another frame's bytes.
type connWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func newConnWriter(conn net.Conn) *connWriter {
	return &connWriter{conn: conn}
}

func (w *connWriter) Write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return net.ErrClosed
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := w.conn.Write(frame)
	return err
}

func (w *connWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close()
}

func (w *connWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

//---------------------------------------------------------------------
// Endpoint grammar
//---------------------------------------------------------------------

// parseEndpoint splits "host[:port][/peer_id]". The port defaults to 4001;
// a missing peer id is substituted with the literal endpoint until a frame
// reveals the real one.
func parseEndpoint(endpoint string) (addr string, peerID NodeID, err error) {
	hostPort := endpoint
	if i := strings.Index(endpoint, "/"); i >= 0 {
		hostPort = endpoint[:i]
		peerID = NodeID(endpoint[i+1:])
	}
	if hostPort == "" {
		return "", "", fmt.Errorf("empty endpoint %q", endpoint)
	}
	host := hostPort
	port := DefaultConfig().ListenPort
	if h, p, splitErr := net.SplitHostPort(hostPort); splitErr == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return "", "", fmt.Errorf("endpoint %q: bad port: %w", endpoint, convErr)
		}
		host, port = h, n
	}
	addr = net.JoinHostPort(host, strconv.Itoa(port))
	if peerID == "" {
		peerID = NodeID(addr)
	}
	return addr, peerID, nil
}

//---------------------------------------------------------------------
// IPTransport
//---------------------------------------------------------------------

// IPTransport is the primary plane: a TCP server and dialer for framed
// gossip, a UDP broadcast discovery agent, and the node's periodic
// heartbeat and cleanup tasks. All five loops share the node context.
type IPTransport struct {
	cfg      Config
	identity *Identity
	router   *PubSubRouter
	registry *PeerRegistry
	store    *MessageStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	udpConn  *net.UDPConn
	started  bool
}

// NewIPTransport wires the transport. Start binds the sockets.
func NewIPTransport(cfg Config, identity *Identity, router *PubSubRouter, registry *PeerRegistry, store *MessageStore) *IPTransport {
	return &IPTransport{
		cfg:      cfg,
		identity: identity,
		router:   router,
		registry: registry,
		store:    store,
	}
}

// Name implements Transport.
func (t *IPTransport) Name() string { return "ip" }

// Start binds the TCP listener and UDP discovery socket and launches the
// background loops. A TCP bind failure is fatal to the transport and is
// surfaced to the caller; a UDP failure only disables discovery.
func (t *IPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", t.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("bind tcp %d: %w", t.cfg.ListenPort, err)
	}
	t.listener = listener

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.started = true

	t.wg.Add(1)
	go t.acceptLoop(listener)

	if udp, err := listenBroadcastUDP(t.ctx, t.cfg.UDPDiscoveryPort); err != nil {
		logrus.Warnf("udp discovery disabled: %v", err)
	} else {
		t.udpConn = udp
		t.wg.Add(2)
		go t.discoveryListenLoop(udp)
		go t.discoveryBeaconLoop(udp)
	}

	t.wg.Add(2)
	go t.heartbeatLoop()
	go t.cleanupLoop()

	logrus.Infof("ip transport listening on tcp %d, discovery udp %d", t.cfg.ListenPort, t.cfg.UDPDiscoveryPort)
	return nil
}

// Stop closes the sockets and waits for every loop to return. Idempotent.
func (t *IPTransport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	t.cancel()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.udpConn != nil {
		_ = t.udpConn.Close()
	}
	t.mu.Unlock()

	// Unblock readers stuck in conn reads before waiting on them.
	t.registry.CloseAll()

	t.wg.Wait()
	logrus.Info("ip transport stopped")
	return nil
}

// Broadcast writes the framed envelope to every registered peer except
// exclude. A write failure removes the peer.
func (t *IPTransport) Broadcast(env *GossipEnvelope, exclude NodeID) error {
	frame, err := EncodeFrame(env, t.cfg.MaxFrameBytes)
	if err != nil {
		return err
	}
	for _, peer := range t.registry.Snapshot() {
		if peer.ID == exclude {
			continue
		}
		if err := peer.Writer.Write(frame); err != nil {
			logrus.Warnf("write to peer %s failed, dropping: %v", peer.ID, err)
			t.registry.Remove(peer.ID)
		}
	}
	return nil
}

//---------------------------------------------------------------------
// TCP server
//---------------------------------------------------------------------

func (t *IPTransport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.Warnf("accept error: %v", err)
			continue
		}
		endpoint := conn.RemoteAddr().String()
		writer := newConnWriter(conn)
		t.registry.Add(NodeID(endpoint), PeerInfo{Multiaddr: endpoint}, writer)
		t.wg.Add(1)
		go t.readLoop(conn, writer, NodeID(endpoint))
	}
}

// readLoop decodes frames off one connection and hands them to the
// router. The first envelope's sender adopts the connection under its
// real node id.
func (t *IPTransport) readLoop(conn net.Conn, writer *connWriter, peerID NodeID) {
	defer t.wg.Done()
	defer func() {
		_ = writer.Close()
		// After a duplicate-dropping rekey the id belongs to another
		// connection; only remove the entry this connection still owns.
		for _, p := range t.registry.Snapshot() {
			if p.ID == peerID && p.Writer == PeerWriter(writer) {
				t.registry.Remove(peerID)
				break
			}
		}
	}()

	badFrames := 0
	identified := false
	for {
		if t.ctx.Err() != nil {
			return
		}
		env, err := ReadFrame(conn, t.cfg.MaxFrameBytes)
		if err != nil {
			switch {
			case errors.Is(err, ErrMalformedFrame):
				badFrames++
				logrus.Debugf("malformed frame from %s: %v", peerID, err)
				if badFrames >= badFrameCloseThreshold {
					logrus.Warnf("closing %s after %d bad frames", peerID, badFrames)
					return
				}
				continue
			case errors.Is(err, ErrFrameTooLarge):
				logrus.Warnf("oversize frame from %s, closing: %v", peerID, err)
				return
			default:
				if t.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					logrus.Debugf("peer %s read ended: %v", peerID, err)
				}
				return
			}
		}
		badFrames = 0

		if !identified {
			identified = true
			if env.SenderID != "" && NodeID(env.SenderID) != peerID {
				t.registry.Rekey(peerID, NodeID(env.SenderID))
				peerID = NodeID(env.SenderID)
			}
		}
		t.registry.Touch(peerID)
		t.router.Ingest(env, peerID)
	}
}

//---------------------------------------------------------------------
// TCP dialer
//---------------------------------------------------------------------

// Connect dials a peer endpoint of the form "host[:port][/peer_id]",
// registers its writer and starts reading. Failures are logged and
// returned; this layer never retries.
func (t *IPTransport) Connect(endpoint string) error {
	addr, peerID, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if peerID == t.identity.NodeID {
		return nil
	}
	if t.registry.Has(peerID) {
		return nil
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(t.ctx, "tcp", addr)
	if err != nil {
		logrus.Warnf("dial %s failed: %v", endpoint, err)
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	writer := newConnWriter(conn)
	t.registry.Add(peerID, PeerInfo{Multiaddr: addr}, writer)
	t.wg.Add(1)
	go t.readLoop(conn, writer, peerID)
	logrus.Infof("connected to peer %s (%s)", peerID, addr)
	return nil
}

//---------------------------------------------------------------------
// UDP discovery
//---------------------------------------------------------------------

// listenBroadcastUDP binds the discovery port with SO_REUSEADDR and
// SO_BROADCAST so several nodes can share one machine and beacons can go
// to the limited-broadcast address.
func listenBroadcastUDP(ctx context.Context, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				if soErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); soErr != nil {
					return
				}
				soErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind udp %d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}

func (t *IPTransport) discoveryListenLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.Debugf("udp read error: %v", err)
			continue
		}
		var beacon DiscoveryBeacon
		if err := json.Unmarshal(buf[:n], &beacon); err != nil {
			logrus.Debugf("bad discovery beacon from %s: %v", src, err)
			continue
		}
		if beacon.NodeID == "" || beacon.NodeID == t.identity.NodeID {
			continue
		}
		if t.registry.Has(beacon.NodeID) {
			t.registry.Touch(beacon.NodeID)
			continue
		}
		endpoint := fmt.Sprintf("%s:%d/%s", src.IP.String(), beacon.Port, beacon.NodeID)
		logrus.Infof("discovered peer %s at %s:%d", beacon.NodeID, src.IP, beacon.Port)
		go func() { _ = t.Connect(endpoint) }()
	}
}

func (t *IPTransport) discoveryBeaconLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	beacon, err := json.Marshal(DiscoveryBeacon{
		NodeID: t.identity.NodeID,
		Port:   t.cfg.ListenPort,
		Name:   t.identity.DisplayName,
	})
	if err != nil {
		logrus.Errorf("marshal discovery beacon: %v", err)
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: t.cfg.UDPDiscoveryPort}

	ticker := time.NewTicker(t.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if _, err := conn.WriteToUDP(beacon, dst); err != nil {
				logrus.Debugf("beacon send failed: %v", err)
			}
		}
	}
}

//---------------------------------------------------------------------
// Periodic maintenance
//---------------------------------------------------------------------

func (t *IPTransport) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if t.registry.Len() == 0 {
				continue
			}
			hb := HeartbeatPayload{
				NodeID:        t.identity.NodeID,
				Timestamp:     time.Now().UTC().Format(time.RFC3339),
				PeersCount:    t.registry.ConnectedCount(),
				MessagesCount: t.store.Stats().TotalStored,
			}
			payload, err := json.Marshal(hb)
			if err != nil {
				logrus.Errorf("marshal heartbeat: %v", err)
				continue
			}
			if err := t.router.Publish(TopicHeartbeat, payload); err != nil {
				logrus.Warnf("heartbeat publish failed: %v", err)
			}
		}
	}
}

func (t *IPTransport) cleanupLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if n := t.store.CleanupExpired(); n > 0 {
				logrus.Infof("cleanup removed %d expired messages", n)
			}
			cutoff := time.Now().UTC().Add(-t.cfg.PeerStaleAfter)
			t.registry.PruneOlderThan(cutoff)
		}
	}
}
