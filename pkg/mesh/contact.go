package mesh

import (
	"encoding/hex"
	"fmt"
	"time"
)

// PublicKeySize is the size of a node public key in bytes
const PublicKeySize = 32

// Contact is a peer node seen on the mesh.
type Contact struct {
	// NodeID is the lower-case hex encoding of PublicKey
	NodeID    string    `json:"nodeId"`
	Name      string    `json:"name"`
	PublicKey []byte    `json:"publicKey"`
	LastSeen  time.Time `json:"lastSeen"`

	// Signal quality of the last frame heard from this node
	RSSI int     `json:"rssi"`
	SNR  float64 `json:"snr"`
}

// NodeIDFromKey returns the node id for a public key
func NodeIDFromKey(pub []byte) string {
	return hex.EncodeToString(pub)
}

// ParseNodeID decodes a hex node id back into a public key.
func ParseNodeID(nodeID string) ([]byte, error) {
	pub, err := hex.DecodeString(nodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}
	if len(pub) != PublicKeySize {
		return nil, fmt.Errorf("invalid node id: expected %d bytes, got %d", PublicKeySize, len(pub))
	}
	return pub, nil
}

// DisplayName returns the advertised name, falling back to a short node id
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.NodeID) > 16 {
		return c.NodeID[:16]
	}
	return c.NodeID
}
