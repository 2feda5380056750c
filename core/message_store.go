package core

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// SeenSet
//---------------------------------------------------------------------

// SeenSet is a cap-bounded set of message ids remembered in insertion
// order. It outlives retained messages so TTL-evicted ids stay
// deduplicated. On overflow the newest half is retained.
type SeenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

// NewSeenSet creates a set bounded to capacity entries.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultConfig().SeenSetCapacity
	}
	return &SeenSet{
		ids: make(map[string]struct{}),
		cap: capacity,
	}
}

// Add inserts id and reports whether it was newly added. The check and the
// insert are a single critical section, so concurrent duplicate arrivals
// resolve deterministically.
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		keep := len(s.order) / 2
		drop := s.order[:len(s.order)-keep]
		for _, old := range drop {
			delete(s.ids, old)
		}
		s.order = append([]string(nil), s.order[len(s.order)-keep:]...)
	}
	return true
}

// Has reports membership.
func (s *SeenSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the current number of remembered ids.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Clear empties the set.
func (s *SeenSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]struct{})
	s.order = nil
}

//---------------------------------------------------------------------
// MessageStore
//---------------------------------------------------------------------

// retainedRecord pairs a message with its store time. Eviction orders by
// the message timestamp, not by the store time.
type retainedRecord struct {
	msg      *HelpRequest
	storedAt time.Time
}

// MessageStore is the bounded, TTL-aware retention set plus its own
// dedup memory and counters. A single mutex covers all of them so every
// public operation is atomic.
type MessageStore struct {
	mu          sync.Mutex
	messages    map[string]*retainedRecord
	seen        *SeenSet
	maxMessages int

	totalReceived      int
	duplicatesRejected int
}

// NewMessageStore creates a store bounded to maxMessages retained entries
// and seenCapacity dedup ids.
func NewMessageStore(maxMessages, seenCapacity int) *MessageStore {
	if maxMessages <= 0 {
		maxMessages = DefaultConfig().StoreCapacity
	}
	logrus.Infof("message store initialised, capacity %d", maxMessages)
	return &MessageStore{
		messages:    make(map[string]*retainedRecord),
		seen:        NewSeenSet(seenCapacity),
		maxMessages: maxMessages,
	}
}

// Store retains a message. Duplicates and already-expired messages are
// rejected as a normal result, not an error. When the retained set is at
// capacity the oldest tenth is evicted first.
func (ms *MessageStore) Store(msg *HelpRequest) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.seen.Has(msg.ID) {
		ms.duplicatesRejected++
		logrus.Debugf("duplicate message rejected: %s", msg.ID)
		return false
	}
	if msg.IsExpired() {
		logrus.Debugf("expired message rejected: %s", msg.ID)
		return false
	}
	if len(ms.messages) >= ms.maxMessages {
		ms.evictOldest()
	}
	ms.messages[msg.ID] = &retainedRecord{msg: msg, storedAt: time.Now()}
	ms.seen.Add(msg.ID)
	ms.totalReceived++
	logrus.Debugf("stored message %s (type %s)", msg.ID, msg.RequestType)
	return true
}

// evictOldest removes the oldest tenth of retained messages by timestamp,
// at least one. Caller holds the lock. The seen set is untouched.
func (ms *MessageStore) evictOldest() {
	if len(ms.messages) == 0 {
		return
	}
	msgs := make([]*HelpRequest, 0, len(ms.messages))
	for _, rec := range ms.messages {
		msgs = append(msgs, rec.msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	evict := len(msgs) / 10
	if evict < 1 {
		evict = 1
	}
	for _, m := range msgs[:evict] {
		delete(ms.messages, m.ID)
	}
	logrus.Infof("evicted %d oldest messages at capacity", evict)
}

// HasSeen reports whether a message id was ever stored within dedup
// memory, including ids whose messages have since expired.
func (ms *MessageStore) HasSeen(id string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.seen.Has(id)
}

// RecordDuplicate bumps the duplicate counter for rejections decided
// outside the store, such as the router's envelope dedup.
func (ms *MessageStore) RecordDuplicate() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.duplicatesRejected++
}

// Get returns a retained message by id.
func (ms *MessageStore) Get(id string) (*HelpRequest, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.messages[id]
	if !ok {
		return nil, false
	}
	return rec.msg, true
}

// GetAll returns a snapshot of retained messages sorted newest first.
func (ms *MessageStore) GetAll(includeExpired bool) []*HelpRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*HelpRequest, 0, len(ms.messages))
	for _, rec := range ms.messages {
		if !includeExpired && rec.msg.IsExpired() {
			continue
		}
		out = append(out, rec.msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// GetByType returns non-expired messages of the given type.
func (ms *MessageStore) GetByType(t RequestType) []*HelpRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*HelpRequest, 0)
	for _, rec := range ms.messages {
		if rec.msg.RequestType == t && !rec.msg.IsExpired() {
			out = append(out, rec.msg)
		}
	}
	return out
}

// GetNearby returns non-expired messages within radiusKm of center,
// sorted by distance ascending. Matches are copied out under the lock so
// callers never hold it.
func (ms *MessageStore) GetNearby(center GeoLocation, radiusKm float64) []*HelpRequest {
	type hit struct {
		dist float64
		msg  *HelpRequest
	}
	ms.mu.Lock()
	hits := make([]hit, 0)
	for _, rec := range ms.messages {
		if rec.msg.IsExpired() {
			continue
		}
		d := Haversine(center, rec.msg.Location)
		if d <= radiusKm {
			hits = append(hits, hit{dist: d, msg: rec.msg})
		}
	}
	ms.mu.Unlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	out := make([]*HelpRequest, len(hits))
	for i, h := range hits {
		out[i] = h.msg
	}
	return out
}

// CleanupExpired drops all retained messages past their TTL and returns
// the count. Dedup memory is untouched.
func (ms *MessageStore) CleanupExpired() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	expired := make([]string, 0)
	for id, rec := range ms.messages {
		if rec.msg.IsExpired() {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(ms.messages, id)
	}
	if len(expired) > 0 {
		logrus.Infof("cleaned up %d expired messages", len(expired))
	}
	return len(expired)
}

// Stats returns the counter snapshot.
func (ms *MessageStore) Stats() StoreStats {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	active := 0
	for _, rec := range ms.messages {
		if !rec.msg.IsExpired() {
			active++
		}
	}
	return StoreStats{
		TotalStored:        len(ms.messages),
		ActiveMessages:     active,
		ExpiredMessages:    len(ms.messages) - active,
		TotalReceived:      ms.totalReceived,
		DuplicatesRejected: ms.duplicatesRejected,
		SeenIDsCount:       ms.seen.Len(),
	}
}

// Clear wipes retained messages and dedup memory. Test hook.
func (ms *MessageStore) Clear() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.messages = make(map[string]*retainedRecord)
	ms.seen.Clear()
}
