package httpapi

import (
	"net/http"
	"testing"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
)

// relayLast hands the most recent frame from one mock radio to another
func relayLast(t *testing.T, from, to *TestServerSetup) {
	t.Helper()
	log := from.Radio.TxLog()
	if len(log) == 0 {
		t.Fatal("Nothing transmitted")
	}
	if err := to.Radio.Inject(transport.Frame{Data: log[len(log)-1], RSSI: -70, SNR: 9}); err != nil {
		t.Fatalf("Failed to inject frame: %v", err)
	}
}

// TestEndToEndChannelMessageOverHTTP drives two nodes through their HTTP APIs:
// alice posts on Public, bob sees it on his event stream and in history.
func TestEndToEndChannelMessageOverHTTP(t *testing.T) {
	alice := NewTestServerSetup(t)
	bob := NewTestServerSetup(t)
	aliceToken := alice.GenerateTestToken(t, "alice-ui", false)
	bobToken := bob.GenerateTestToken(t, "bob-ui", false)

	var aliceCh, bobCh mesh.Channel
	status, body := doRequest(t, http.MethodPost, alice.URL("/channels"), aliceToken, AddChannelRequest{Name: "Public"})
	expectStatus(t, status, http.StatusCreated, body)
	decode(t, body, &aliceCh)
	status, body = doRequest(t, http.MethodPost, bob.URL("/channels"), bobToken, AddChannelRequest{Name: "Public"})
	expectStatus(t, status, http.StatusCreated, body)
	decode(t, body, &bobCh)
	if aliceCh.ID != bobCh.ID {
		t.Fatalf("Expected both nodes to derive the same channel id, got %s and %s", aliceCh.ID, bobCh.ID)
	}

	stream := NewSSEReader(openStream(t, bob, bobToken, "?kinds=message_received"))

	status, body = doRequest(t, http.MethodPost, alice.URL("/messages/channel"), aliceToken,
		ChannelMessageRequest{ChannelID: aliceCh.ID, Text: "hello bob"})
	expectStatus(t, status, http.StatusCreated, body)
	relayLast(t, alice, bob)

	ev := nextSSE(t, stream)
	decoded, err := events.Unmarshal([]byte(ev.Data))
	if err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	received, ok := decoded.(events.MessageReceived)
	if !ok {
		t.Fatalf("Expected MessageReceived, got %T", decoded)
	}
	aliceID := alice.Node.Identity().NodeID
	if received.Message.Content != "hello bob" || received.Message.SenderID != aliceID {
		t.Errorf("Unexpected message %+v", received.Message)
	}
	if received.Message.ChannelID != bobCh.ID || received.Message.Direction != mesh.DirectionReceived {
		t.Errorf("Expected inbound channel message, got %+v", received.Message)
	}
	if received.Contact == nil || received.Contact.NodeID != aliceID {
		t.Errorf("Expected first message to introduce alice as a contact, got %+v", received.Contact)
	}

	status, body = doRequest(t, http.MethodGet, bob.URL("/history?channel="+bobCh.ID), bobToken, nil)
	expectStatus(t, status, http.StatusOK, body)
	var page HistoryResponse
	decode(t, body, &page)
	if len(page.Messages) != 1 || page.Messages[0].ID != received.Message.ID {
		t.Errorf("Expected the streamed message in history, got %+v", page.Messages)
	}

	// Bob answers alice directly using the contact learned from her message
	status, body = doRequest(t, http.MethodPost, bob.URL("/messages/direct"), bobToken,
		DirectMessageRequest{Peer: aliceID, Text: "hi alice"})
	expectStatus(t, status, http.StatusCreated, body)

	aliceStream := NewSSEReader(openStream(t, alice, aliceToken, "?kinds=message_received"))
	relayLast(t, bob, alice)
	ev = nextSSE(t, aliceStream)
	decoded, err = events.Unmarshal([]byte(ev.Data))
	if err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if reply, ok := decoded.(events.MessageReceived); !ok || reply.Message.Content != "hi alice" || reply.Message.PeerID != bob.Node.Identity().NodeID {
		t.Errorf("Expected bob's direct reply, got %+v", decoded)
	}

}
