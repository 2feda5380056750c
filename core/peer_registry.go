package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerWriter is the outbound framed-byte sink for a single peer. Write
// must deliver one whole frame; implementations serialise writes so frames
// are never interleaved on the wire.
type PeerWriter interface {
	Write(frame []byte) error
	Close() error
	Closed() bool
}

type peerEntry struct {
	info   PeerInfo
	writer PeerWriter
}

// PeerHandle is one element of a broadcast snapshot.
type PeerHandle struct {
	ID     NodeID
	Writer PeerWriter
}

// PeerRegistry maps peer ids to their info and outbound writer. A peer is
// present exactly while an outbound direction to it exists. Until a peer's
// true node id is learned it is keyed by its endpoint string.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[NodeID]*peerEntry
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[NodeID]*peerEntry)}
}

// Add inserts a peer. An existing entry under the same id has its writer
// closed and is replaced.
func (pr *PeerRegistry) Add(id NodeID, info PeerInfo, w PeerWriter) {
	pr.mu.Lock()
	old, existed := pr.peers[id]
	info.NodeID = id
	info.IsActive = true
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now().UTC()
	}
	pr.peers[id] = &peerEntry{info: info, writer: w}
	pr.mu.Unlock()
	if existed && old.writer != w {
		_ = old.writer.Close()
	}
	logrus.Infof("peer added: %s (%s)", id, info.Multiaddr)
}

// Remove drops a peer and closes its writer best-effort. Reports whether
// the peer was present.
func (pr *PeerRegistry) Remove(id NodeID) bool {
	pr.mu.Lock()
	entry, ok := pr.peers[id]
	delete(pr.peers, id)
	pr.mu.Unlock()
	if !ok {
		return false
	}
	_ = entry.writer.Close()
	logrus.Infof("peer removed: %s", id)
	return true
}

// Has reports whether a peer id is registered.
func (pr *PeerRegistry) Has(id NodeID) bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	_, ok := pr.peers[id]
	return ok
}

// Snapshot returns a consistent list of peers and writers for broadcast.
func (pr *PeerRegistry) Snapshot() []PeerHandle {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]PeerHandle, 0, len(pr.peers))
	for id, entry := range pr.peers {
		out = append(out, PeerHandle{ID: id, Writer: entry.writer})
	}
	return out
}

// Touch refreshes a peer's last-activity timestamp.
func (pr *PeerRegistry) Touch(id NodeID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if entry, ok := pr.peers[id]; ok {
		entry.info.LastSeen = time.Now().UTC()
		entry.info.IsActive = true
	}
}

// Rekey atomically moves a peer entry from a placeholder key to its true
// node id, learned from its first envelope or a discovery beacon. If an
// entry already exists under the new id the placeholder is dropped and its
// writer closed.
func (pr *PeerRegistry) Rekey(oldID, newID NodeID) {
	if oldID == newID {
		return
	}
	pr.mu.Lock()
	entry, ok := pr.peers[oldID]
	if !ok {
		pr.mu.Unlock()
		return
	}
	delete(pr.peers, oldID)
	if _, dup := pr.peers[newID]; dup {
		pr.mu.Unlock()
		_ = entry.writer.Close()
		logrus.Debugf("dropped duplicate connection to %s (was %s)", newID, oldID)
		return
	}
	entry.info.NodeID = newID
	pr.peers[newID] = entry
	pr.mu.Unlock()
	logrus.Infof("peer %s identified as %s", oldID, newID)
}

// PruneOlderThan removes peers whose last activity precedes cutoff and
// whose writer is no longer open. Returns the removed ids.
func (pr *PeerRegistry) PruneOlderThan(cutoff time.Time) []NodeID {
	pr.mu.Lock()
	removed := make([]NodeID, 0)
	stale := make([]*peerEntry, 0)
	for id, entry := range pr.peers {
		if entry.info.LastSeen.Before(cutoff) && entry.writer.Closed() {
			removed = append(removed, id)
			stale = append(stale, entry)
			delete(pr.peers, id)
		}
	}
	pr.mu.Unlock()
	for _, entry := range stale {
		_ = entry.writer.Close()
	}
	for _, id := range removed {
		logrus.Infof("pruned stale peer: %s", id)
	}
	return removed
}

// Len returns the number of registered peers.
func (pr *PeerRegistry) Len() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.peers)
}

// ConnectedCount returns peers with an open writer.
func (pr *PeerRegistry) ConnectedCount() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	n := 0
	for _, entry := range pr.peers {
		if !entry.writer.Closed() {
			n++
		}
	}
	return n
}

// Peers returns a snapshot of peer descriptions.
func (pr *PeerRegistry) Peers() []PeerInfo {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]PeerInfo, 0, len(pr.peers))
	for _, entry := range pr.peers {
		info := entry.info
		info.IsActive = !entry.writer.Closed()
		out = append(out, info)
	}
	return out
}

// CloseAll closes every writer and empties the registry. Used on shutdown.
func (pr *PeerRegistry) CloseAll() {
	pr.mu.Lock()
	entries := make([]*peerEntry, 0, len(pr.peers))
	for _, entry := range pr.peers {
		entries = append(entries, entry)
	}
	pr.peers = make(map[NodeID]*peerEntry)
	pr.mu.Unlock()
	for _, entry := range entries {
		_ = entry.writer.Close()
	}
}
