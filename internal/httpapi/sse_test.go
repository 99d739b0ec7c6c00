package httpapi

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
)

// openStream connects to the event stream and returns once the server has
// subscribed. The stream is closed when the test ends.
func openStream(t *testing.T, setup *TestServerSetup, token, query string) *http.Response {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, setup.URL("/events/stream"+query), nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("Failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return resp
}

// nextSSE reads one event or fails after a timeout
func nextSSE(t *testing.T, reader *SSEReader) SSEEvent {
	t.Helper()
	got := make(chan SSEEvent, 1)
	go func() {
		if ev, ok := reader.Next(); ok {
			got <- ev
		}
		close(got)
	}()
	select {
	case ev, ok := <-got:
		if !ok {
			t.Fatal("Stream ended before an event arrived")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for stream event")
	}
	return SSEEvent{}
}

func TestStreamEvents(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "test-sse-client", false)

	t.Run("requires_auth", func(t *testing.T) {
		resp := openStream(t, setup, "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("rejects_unknown_kind", func(t *testing.T) {
		resp := openStream(t, setup, token, "?kinds=message_received,gossip")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("delivers_envelopes", func(t *testing.T) {
		resp := openStream(t, setup, token, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
			t.Errorf("Expected text/event-stream, got %q", ct)
		}

		ch, err := setup.Node.AddPublicChannel(context.Background(), "Public")
		if err != nil {
			t.Fatalf("Failed to join channel: %v", err)
		}

		ev := nextSSE(t, NewSSEReader(resp))
		if ev.Event != string(events.KindChannelChanged) {
			t.Fatalf("Expected channel_changed, got %q", ev.Event)
		}
		decoded, err := events.Unmarshal([]byte(ev.Data))
		if err != nil {
			t.Fatalf("Failed to decode envelope: %v", err)
		}
		changed, ok := decoded.(events.ChannelChanged)
		if !ok || changed.Channel.ID != ch.ID || changed.Change != events.ChannelAdded {
			t.Errorf("Unexpected event %+v", decoded)
		}
	})

	t.Run("filters_by_kind", func(t *testing.T) {
		resp := openStream(t, setup, token, "?kinds=channel_changed")
		reader := NewSSEReader(resp)

		chs := setup.Node.Channels()
		if len(chs) == 0 {
			t.Fatal("Expected a joined channel")
		}
		if _, err := setup.Node.SendChannelMessage(context.Background(), chs[0].ID, "not streamed"); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
		if err := setup.Node.RemoveChannel(context.Background(), chs[0].ID); err != nil {
			t.Fatalf("Failed to remove channel: %v", err)
		}

		ev := nextSSE(t, reader)
		if ev.Event != string(events.KindChannelChanged) {
			t.Errorf("Expected only channel events, got %q", ev.Event)
		}
	})
}

func TestStreamKeepAlive(t *testing.T) {
	setup := NewTestServerSetup(t, WithKeepAlive(20*time.Millisecond))
	token := setup.GenerateTestToken(t, "test-sse-client", false)
	resp := openStream(t, setup, token, "")

	pinged := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), ": ping") {
				close(pinged)
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a keepalive ping")
	}
}

func TestStreamEndsWhenSessionCloses(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "test-sse-client", false)
	resp := openStream(t, setup, token, "")

	if got := setup.Server.handlers.StreamClients(); got != 1 {
		t.Errorf("Expected 1 stream client, got %d", got)
	}

	_ = setup.Node.Close()

	done := make(chan struct{})
	go func() {
		reader := NewSSEReader(resp)
		for {
			if _, ok := reader.Next(); !ok {
				close(done)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the stream to end after the session closed")
	}

	deadline := time.Now().Add(time.Second)
	for setup.Server.handlers.StreamClients() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := setup.Server.handlers.StreamClients(); got != 0 {
		t.Errorf("Expected stream client count back to 0, got %d", got)
	}
}

func TestStreamEndsOnServerStop(t *testing.T) {
	setup := NewTestServerSetup(t, WithNoAuth())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- setup.Server.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + APIPrefix + "/events/stream")
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := setup.Server.Stop(ctx); err != nil {
		t.Fatalf("Expected Stop to finish while a stream was open, got %v", err)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Expected Serve to return nil after Stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Serve to return after Stop")
	}
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds("")
	if err != nil || len(kinds) != 0 {
		t.Errorf("Expected no kinds for empty filter, got %v, %v", kinds, err)
	}
	kinds, err = parseKinds("message_received, contact_upserted,")
	if err != nil {
		t.Fatalf("Expected valid filter, got %v", err)
	}
	if len(kinds) != 2 || kinds[1] != events.KindContactUpserted {
		t.Errorf("Unexpected kinds %v", kinds)
	}
	if _, err := parseKinds("nope"); err == nil {
		t.Error("Expected unknown kind to fail")
	}
}
