// Package telemetry counts session activity and exports it to OpenTelemetry.
package telemetry

import "sync/atomic"

// Recorder holds monotonically increasing session counters.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	framesReceived     atomic.Uint64
	framesDropped      atomic.Uint64
	messagesReceived   atomic.Uint64
	messagesSent       atomic.Uint64
	messagesFailed     atomic.Uint64
	advertsSent        atomic.Uint64
	persistenceRetries atomic.Uint64
}

// NewRecorder creates a zeroed recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	FramesReceived     uint64 `json:"framesReceived"`
	FramesDropped      uint64 `json:"framesDropped"`
	MessagesReceived   uint64 `json:"messagesReceived"`
	MessagesSent       uint64 `json:"messagesSent"`
	MessagesFailed     uint64 `json:"messagesFailed"`
	AdvertsSent        uint64 `json:"advertsSent"`
	PersistenceRetries uint64 `json:"persistenceRetries"`
}

func (r *Recorder) FrameReceived() {
	if r != nil {
		r.framesReceived.Add(1)
	}
}

func (r *Recorder) FrameDropped() {
	if r != nil {
		r.framesDropped.Add(1)
	}
}

func (r *Recorder) MessageReceived() {
	if r != nil {
		r.messagesReceived.Add(1)
	}
}

func (r *Recorder) MessageSent() {
	if r != nil {
		r.messagesSent.Add(1)
	}
}

func (r *Recorder) MessageFailed() {
	if r != nil {
		r.messagesFailed.Add(1)
	}
}

func (r *Recorder) AdvertSent() {
	if r != nil {
		r.advertsSent.Add(1)
	}
}

func (r *Recorder) PersistenceRetry() {
	if r != nil {
		r.persistenceRetries.Add(1)
	}
}

// Snapshot returns the current counter values
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		FramesReceived:     r.framesReceived.Load(),
		FramesDropped:      r.framesDropped.Load(),
		MessagesReceived:   r.messagesReceived.Load(),
		MessagesSent:       r.messagesSent.Load(),
		MessagesFailed:     r.messagesFailed.Load(),
		AdvertsSent:        r.advertsSent.Load(),
		PersistenceRetries: r.persistenceRetries.Load(),
	}
}
