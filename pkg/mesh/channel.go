package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChannelKind distinguishes derived public channels from pre-shared private ones
type ChannelKind string

const (
	ChannelPublic  ChannelKind = "public"
	ChannelPrivate ChannelKind = "private"
)

// ParseChannelKind converts a stored or user supplied kind string
func ParseChannelKind(s string) (ChannelKind, error) {
	switch ChannelKind(s) {
	case ChannelPublic, ChannelPrivate:
		return ChannelKind(s), nil
	default:
		return "", fmt.Errorf("unknown channel kind %q", s)
	}
}

// Channel is a named group-messaging context.
// Key holds the raw symmetric key material (16 bytes for public channels,
// 16 or 32 bytes for private ones).
type Channel struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Kind ChannelKind `json:"kind"`
	Key  []byte      `json:"-"`
}

// ChannelID returns the stable identifier for a channel of the given kind and key.
// The same kind and key always yield the same id, on every node.
func ChannelID(kind ChannelKind, key []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(key)
	return string(kind) + "-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Clone returns a copy that does not share key storage
func (c Channel) Clone() Channel {
	out := c
	if c.Key != nil {
		out.Key = append([]byte(nil), c.Key...)
	}
	return out
}

// IsPrivate reports whether the channel uses a pre-shared key
func (c Channel) IsPrivate() bool {
	return c.Kind == ChannelPrivate
}
