package events

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON form of an event used by the SSE stream and the Redis
// fan-out.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes an event inside an Envelope
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: e.Kind(), Data: data})
}

// Unmarshal decodes an Envelope back into its concrete event
func Unmarshal(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	return env.Decode()
}

// Decode returns the concrete event carried by the envelope
func (env Envelope) Decode() (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Kind {
	case KindMessageReceived:
		var e MessageReceived
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindMessageStatusChanged:
		var e MessageStatusChanged
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindContactUpserted:
		var e ContactUpserted
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindChannelChanged:
		var e ChannelChanged
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindTransportStatusChanged:
		var e TransportStatusChanged
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case KindPersistenceStatusChanged:
		var e PersistenceStatusChanged
		err = json.Unmarshal(env.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", env.Kind, err)
	}
	return ev, nil
}
