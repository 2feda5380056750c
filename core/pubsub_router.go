package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// slowHandlerWarn is how long a subscriber may run before the router
// complains. Handlers are synchronous and must not block unbounded.
const slowHandlerWarn = 100 * time.Millisecond

// Handler is a pure sink for payloads delivered on a subscribed topic.
type Handler func(payload json.RawMessage)

// PubSubRouter is the sole entry point for messages in both directions.
// It owns the dedup decision, local delivery fan-out, and the
// forward-flood to other peers.
type PubSubRouter struct {
	identity *Identity
	seen     *SeenSet
	store    *MessageStore
	registry *PeerRegistry

	mu         sync.RWMutex
	subs       map[string][]Handler
	transports []Transport

	statsMu          sync.Mutex
	messagesSent     int
	messagesReceived int
}

// NewPubSubRouter wires the router to its collaborators. Transports are
// attached afterwards via AttachTransport as the node assembles them.
func NewPubSubRouter(identity *Identity, seen *SeenSet, store *MessageStore, registry *PeerRegistry) *PubSubRouter {
	return &PubSubRouter{
		identity: identity,
		seen:     seen,
		store:    store,
		registry: registry,
		subs:     make(map[string][]Handler),
	}
}

// AttachTransport registers a transport for outbound broadcasts.
func (r *PubSubRouter) AttachTransport(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, t)
}

// Subscribe registers a handler for a topic. Handler panics are contained
// and never abort delivery to other handlers.
func (r *PubSubRouter) Subscribe(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[topic] = append(r.subs[topic], h)
	logrus.Infof("subscribed to topic: %s", topic)
}

// Topics returns the currently subscribed topic names.
func (r *PubSubRouter) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for t := range r.subs {
		out = append(out, t)
	}
	return out
}

// Publish wraps a local payload in an envelope and broadcasts it across
// every transport. The message id is the payload's "id" field when
// present, otherwise synthesised from the node id and the clock. The id
// is marked seen before broadcast so the node's own envelopes never
// re-enter its handlers.
func (r *PubSubRouter) Publish(topic string, payload json.RawMessage) error {
	env := &GossipEnvelope{
		Topic:     topic,
		Payload:   payload,
		SenderID:  string(r.identity.NodeID),
		MessageID: r.messageID(payload),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	r.seen.Add(env.MessageID)

	r.statsMu.Lock()
	r.messagesSent++
	r.statsMu.Unlock()

	r.broadcast(env, "")
	logrus.Infof("published message to %s: %s", topic, env.MessageID)
	return nil
}

func (r *PubSubRouter) messageID(payload json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.ID != "" {
		return probe.ID
	}
	return fmt.Sprintf("%s-%d", r.identity.NodeID, time.Now().UnixNano())
}

// Ingest handles an envelope arriving from any transport. The seen-set
// insert strictly precedes every observable side effect: of two duplicate
// arrivals racing on different transports, exactly one delivers.
// sourcePeer is empty for transports that cannot attribute a source.
func (r *PubSubRouter) Ingest(env *GossipEnvelope, sourcePeer NodeID) {
	if !r.seen.Add(env.MessageID) {
		r.store.RecordDuplicate()
		logrus.Debugf("duplicate envelope ignored: %s", env.MessageID)
		return
	}

	r.statsMu.Lock()
	r.messagesReceived++
	r.statsMu.Unlock()

	if sourcePeer != "" {
		r.registry.Touch(sourcePeer)
	}

	r.deliver(env)
	r.broadcast(env, sourcePeer)
}

// deliver fans the payload out to every handler on the envelope's topic.
func (r *PubSubRouter) deliver(env *GossipEnvelope) {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.subs[env.Topic]...)
	r.mu.RUnlock()

	for _, h := range handlers {
		start := time.Now()
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logrus.Errorf("handler error on %s: %v", env.Topic, rec)
				}
			}()
			h(env.Payload)
		}()
		if d := time.Since(start); d > slowHandlerWarn {
			logrus.Warnf("slow handler on %s took %s", env.Topic, d)
		}
	}
}

// broadcast forwards an envelope verbatim across every transport,
// excluding the peer it arrived from. Loop-breaking relies entirely on
// seen-set membership across the mesh.
func (r *PubSubRouter) broadcast(env *GossipEnvelope, exclude NodeID) {
	r.mu.RLock()
	transports := append([]Transport(nil), r.transports...)
	r.mu.RUnlock()

	for _, t := range transports {
		if err := t.Broadcast(env, exclude); err != nil {
			logrus.Warnf("broadcast on %s failed: %v", t.Name(), err)
		}
	}
}

// MessagesSent returns the count of locally published envelopes.
func (r *PubSubRouter) MessagesSent() int {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.messagesSent
}

// MessagesReceived returns the count of distinct ingested envelopes.
func (r *PubSubRouter) MessagesReceived() int {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.messagesReceived
}
