package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/identity"
	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/internal/radio/mock"
	"github.com/rmacdonaldsmith/meshcore-go/internal/session"
	"github.com/rmacdonaldsmith/meshcore-go/internal/store/memory"
)

// TestSecretKey signs tokens in test servers
const TestSecretKey = "test-secret-key"

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Node   *session.Node
	Radio  *mock.Radio
	Server *Server
	Auth   *JWTAuth
	HTTP   *httptest.Server
}

// TestOption adjusts the server configuration of a test setup
type TestOption func(*Config)

// WithNoAuth runs the test server in development mode
func WithNoAuth() TestOption {
	return func(c *Config) { c.NoAuth = true }
}

// WithKeepAlive sets the SSE ping interval
func WithKeepAlive(d time.Duration) TestOption {
	return func(c *Config) { c.KeepAlive = d }
}

// NewTestServerSetup creates a running node on a mock radio with an HTTP
// server in front of it. Everything is torn down by t.Cleanup.
func NewTestServerSetup(t *testing.T, opts ...TestOption) *TestServerSetup {
	t.Helper()

	id, err := identity.NewStore(filepath.Join(t.TempDir(), "identity.key")).LoadOrCreate()
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	radio := mock.New(mock.Config{Seed: 1, Logger: logging.Discard()})
	st := memory.New()
	config := session.NewConfig(id, radio, st).
		WithNodeName("test-node").
		WithSendTimeout(time.Second).
		WithLogger(logging.Discard())

	node, err := session.NewNode(context.Background(), config)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}

	serverConfig := Config{
		Addr:      "127.0.0.1:0",
		SecretKey: TestSecretKey,
		Recorder:  node.Recorder(),
		Logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(&serverConfig)
	}

	server, err := NewServer(node, serverConfig)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	setup := &TestServerSetup{
		Node:   node,
		Radio:  radio,
		Server: server,
		Auth:   server.Auth(),
		HTTP:   httptest.NewServer(server.Handler()),
	}
	t.Cleanup(setup.Close)
	return setup
}

// Close cleans up test resources
func (setup *TestServerSetup) Close() {
	setup.HTTP.Close()
	_ = setup.Node.Close()
}

// URL returns the absolute URL of an API path such as "/health"
func (setup *TestServerSetup) URL(path string) string {
	return setup.HTTP.URL + APIPrefix + path
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(clientID, isAdmin)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// SSEEvent is one parsed server-sent event
type SSEEvent struct {
	Event string
	Data  string
}

// SSEReader parses an event stream line by line, skipping comments
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps a streaming response body
func NewSSEReader(resp *http.Response) *SSEReader {
	return &SSEReader{scanner: bufio.NewScanner(resp.Body)}
}

// Next blocks until a full event has been read. ok is false at end of stream.
func (r *SSEReader) Next() (ev SSEEvent, ok bool) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if ev.Event != "" || ev.Data != "" {
				return ev, true
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return ev, false
}
