package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the MeshCore HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// ClientID is the identifier for this client. "admin" is granted admin rights.
	ClientID string

	// Token skips Authenticate when a token is already known
	Token string

	// Timeout for HTTP requests. Event streams are not bound by it.
	Timeout time.Duration

	// MaxRetries for idempotent requests that fail at the transport level
	MaxRetries int

	// RetryDelay between attempts
	RetryDelay time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionResponse describes the remote node and its lifecycle state
type SessionResponse struct {
	Node   session.NodeInfo `json:"node"`
	Health session.Health   `json:"health"`
}

// AddChannelRequest joins a channel; Key is hex and private channels only
type AddChannelRequest struct {
	Name string           `json:"name"`
	Kind mesh.ChannelKind `json:"kind"`
	Key  string           `json:"key,omitempty"`
}

// AddContactRequest names the node holding PublicKey
type AddContactRequest struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name"`
}

// ChannelsResponse lists joined channels
type ChannelsResponse struct {
	Channels []mesh.Channel `json:"channels"`
}

// ContactsResponse lists known contacts
type ContactsResponse struct {
	Contacts []mesh.Contact `json:"contacts"`
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

// DirectMessageRequest sends text to one peer
type DirectMessageRequest struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

// MessageResponse carries a message in its terminal status
type MessageResponse struct {
	Message mesh.Message `json:"message"`
}

// Counters mirrors the server's telemetry snapshot
type Counters struct {
	FramesReceived     uint64 `json:"framesReceived"`
	FramesDropped      uint64 `json:"framesDropped"`
	MessagesReceived   uint64 `json:"messagesReceived"`
	MessagesSent       uint64 `json:"messagesSent"`
	MessagesFailed     uint64 `json:"messagesFailed"`
	AdvertsSent        uint64 `json:"advertsSent"`
	PersistenceRetries uint64 `json:"persistenceRetries"`
}

// AdminStatsResponse represents system statistics
type AdminStatsResponse struct {
	State         session.State `json:"state"`
	Counters      Counters      `json:"counters"`
	BusDropped    uint64        `json:"busDropped"`
	StreamClients int           `json:"streamClients"`
	Uptime        string        `json:"uptime"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ErrNotAuthenticated is returned by calls that need a token before Authenticate
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// APIError is returned for non-2xx responses
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// StatusCode returns the HTTP status of an APIError in err's chain, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
