package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateIdentity creates a fresh pseudonymous identity. The node id is the
// 16-char hex prefix of the SHA-256 of the public key; the key itself is 32
// random bytes hex-encoded and carried opaquely.
func GenerateIdentity(displayName string) (*Identity, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("identity entropy: %w", err)
	}
	pub := hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(pub))
	id := hex.EncodeToString(sum[:])[:16]
	if displayName == "" {
		displayName = "Node-" + id[:6]
	}
	return &Identity{
		NodeID:      NodeID(id),
		PublicKey:   pub,
		DisplayName: displayName,
	}, nil
}
