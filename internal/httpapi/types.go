package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/telemetry"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionResponse describes the local node and its lifecycle state
type SessionResponse struct {
	Node   session.NodeInfo `json:"node"`
	Health session.Health   `json:"health"`
}

// AddChannelRequest joins a channel. Key is hex and only used for private channels.
type AddChannelRequest struct {
	Name string           `json:"name"`
	Kind mesh.ChannelKind `json:"kind"`
	Key  string           `json:"key,omitempty"`
}

// ChannelsResponse lists joined channels in join order
type ChannelsResponse struct {
	Channels []mesh.Channel `json:"channels"`
}

// ContactsResponse lists known contacts, most recently seen first
type ContactsResponse struct {
	Contacts []mesh.Contact `json:"contacts"`
}

// AddContactRequest saves a contact under a name. PublicKey is the hex node id.
type AddContactRequest struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name"`
}

// HistoryResponse is one page of a conversation, oldest first
type HistoryResponse struct {
	Target   mesh.Target    `json:"target"`
	Messages []mesh.Message `json:"messages"`
}

// ChannelMessageRequest sends text to a joined channel
type ChannelMessageRequest struct {
	ChannelID string `json:"channelId"`
	Text      string `json:"text"`
}

// DirectMessageRequest sends text to one peer. Peer is a node id, a contact
// name or a hex public key.
type DirectMessageRequest struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

// MessageResponse carries a message in its terminal status
type MessageResponse struct {
	Message mesh.Message `json:"message"`
}

// AdminStatsResponse represents system statistics
type AdminStatsResponse struct {
	State         session.State      `json:"state"`
	Counters      telemetry.Snapshot `json:"counters"`
	BusDropped    uint64             `json:"busDropped"`
	StreamClients int                `json:"streamClients"`
	Uptime        string             `json:"uptime"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
