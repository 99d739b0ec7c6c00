package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/httpapi"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Run("valid_config", func(t *testing.T) {
		client, err := NewClient(Config{
			ServerURL: "http://localhost:8080",
			ClientID:  "test-client",
		})
		require.NoError(t, err)
		assert.Equal(t, "test-client", client.config.ClientID)
		assert.Equal(t, 30*time.Second, client.config.Timeout)
		assert.Equal(t, 3, client.config.MaxRetries)
		assert.False(t, client.IsAuthenticated())
	})

	t.Run("token_only", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "http://localhost:8080", Token: "abc"})
		require.NoError(t, err)
		assert.True(t, client.IsAuthenticated())
		assert.Equal(t, "abc", client.GetToken())
	})

	t.Run("missing_server_url", func(t *testing.T) {
		client, err := NewClient(Config{ClientID: "test-client"})
		assert.Nil(t, client)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ServerURL is required")
	})

	t.Run("missing_client_id", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "http://localhost:8080"})
		assert.Nil(t, client)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ClientID is required")
	})

	t.Run("invalid_server_url", func(t *testing.T) {
		for _, raw := range []string{"://invalid-url", "ftp://example.com"} {
			client, err := NewClient(Config{ServerURL: raw, ClientID: "test-client"})
			assert.Nil(t, client)
			assert.Error(t, err, raw)
		}
	})
}

func TestClient_RequiresToken(t *testing.T) {
	client, err := NewClient(Config{ServerURL: "http://localhost:1", ClientID: "test-client"})
	require.NoError(t, err)

	_, err = client.Channels(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = client.SendChannelMessage(context.Background(), "public-1", "hi")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestClient_APIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "Not Found", Message: "unknown channel: public-x", Code: 404})
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL, Token: "t"})
	require.NoError(t, err)

	_, err = client.SendChannelMessage(context.Background(), "public-x", "hi")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "unknown channel: public-x")
}

func TestClient_RetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// Drop the connection to force a transport error
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		_ = json.NewEncoder(w).Encode(ChannelsResponse{Channels: []mesh.Channel{{ID: "public-1", Name: "Public"}}})
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL, Token: "t", RetryDelay: time.Millisecond})
	require.NoError(t, err)

	chs, err := client.Channels(context.Background())
	require.NoError(t, err)
	require.Len(t, chs, 1)
	assert.Equal(t, int32(3), calls.Load())

	// POSTs are not retried
	calls.Store(0)
	_, err = client.SendChannelMessage(context.Background(), "public-1", "hi")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_HealthWhenDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(session.Health{State: session.StateDegraded, LastError: "no radio"})
	}))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: server.URL, ClientID: "test-client"})
	require.NoError(t, err)

	health, err := client.GetHealth(context.Background())
	assert.True(t, IsUnavailable(err))
	require.NotNil(t, health)
	assert.Equal(t, session.StateDegraded, health.State)
	assert.Equal(t, "no radio", health.LastError)
}

// newLiveClient starts a real API server on a mock radio and returns an
// authenticated client for it
func newLiveClient(t *testing.T, clientID string) (*Client, *httpapi.TestServerSetup) {
	t.Helper()
	setup := httpapi.NewTestServerSetup(t)
	client, err := NewClient(Config{ServerURL: setup.HTTP.URL, ClientID: clientID})
	require.NoError(t, err)
	require.NoError(t, client.Authenticate(context.Background()))
	return client, setup
}

func TestClient_AgainstServer(t *testing.T) {
	client, setup := newLiveClient(t, "web-ui")
	ctx := context.Background()

	health, err := client.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, health.State)

	sess, err := client.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, setup.Node.Identity().NodeID, sess.Node.NodeID)

	ch, err := client.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	assert.Equal(t, mesh.ChannelPublic, ch.Kind)

	_, err = client.AddPublicChannel(ctx, "Public")
	assert.Equal(t, http.StatusConflict, StatusCode(err))

	priv, err := client.AddPrivateChannel(ctx, "ops", strings.Repeat("ab", 16))
	require.NoError(t, err)

	chs, err := client.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, chs, 2)
	assert.Equal(t, ch.ID, chs[0].ID)

	msg, err := client.SendChannelMessage(ctx, ch.ID, "hello mesh")
	require.NoError(t, err)
	assert.Equal(t, mesh.StatusSent, msg.Status)

	_, err = client.SendChannelMessage(ctx, ch.ID, "")
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))

	history, err := client.History(ctx, mesh.ChannelTarget(ch.ID), time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)

	history, err = client.History(ctx, mesh.ChannelTarget(ch.ID), msg.Timestamp, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = client.History(ctx, mesh.Target{}, time.Time{}, 0)
	assert.ErrorIs(t, err, mesh.ErrInvalidTarget)

	peer := strings.Repeat("cd", mesh.PublicKeySize)
	dm, err := client.SendDirectMessage(ctx, peer, "psst")
	require.NoError(t, err)
	assert.Equal(t, peer, dm.PeerID)

	_, err = client.SendAdvert(ctx)
	require.NoError(t, err)

	contacts, err := client.Contacts(ctx)
	require.NoError(t, err)
	assert.Empty(t, contacts)

	saved, err := client.AddContact(ctx, peer, "carol")
	require.NoError(t, err)
	assert.Equal(t, peer, saved.NodeID)
	assert.Equal(t, "carol", saved.Name)

	renamed, err := client.AddContact(ctx, peer, "carol-base")
	require.NoError(t, err)
	assert.Equal(t, "carol-base", renamed.Name)

	contacts, err = client.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "carol-base", contacts[0].Name)

	_, err = client.AddContact(ctx, "not-a-key", "dave")
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))

	require.NoError(t, client.RemoveChannel(ctx, priv.ID))
	assert.True(t, IsNotFound(client.RemoveChannel(ctx, priv.ID)))

	_, err = client.Retry(ctx)
	assert.Equal(t, http.StatusConflict, StatusCode(err))

	// Regular clients cannot read admin stats
	_, err = client.AdminGetStats(ctx)
	assert.Equal(t, http.StatusForbidden, StatusCode(err))
}

func TestClient_AdminStats(t *testing.T) {
	admin, setup := newLiveClient(t, "admin")
	ctx := context.Background()

	ch, err := setup.Node.AddPublicChannel(ctx, "Public")
	require.NoError(t, err)
	_, err = setup.Node.SendChannelMessage(ctx, ch.ID, "count me")
	require.NoError(t, err)

	stats, err := admin.AdminGetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, stats.State)
	assert.Equal(t, uint64(1), stats.Counters.MessagesSent)
}
