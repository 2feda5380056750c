package core

import "context"

// Transport is one concrete plane (IP, BLE) the router broadcasts across.
// Inbound frames are delivered by the transport calling the router's
// Ingest. Broadcast sends to every reachable peer on that plane except
// exclude, which names the peer an envelope arrived from.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Broadcast(env *GossipEnvelope, exclude NodeID) error
}
