package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter    = errors.New("nil meter")
	ErrNilRecorder = errors.New("nil recorder")
)

// DropCounter reports events lost to subscriber overflow. *eventbus.Bus satisfies it.
type DropCounter interface {
	Dropped() uint64
}

type counterDef struct {
	name  string
	help  string
	value func(Snapshot) uint64
}

var counterDefs = []counterDef{
	{"meshcore_frames_received_total", "Raw frames heard by the radio.", func(s Snapshot) uint64 { return s.FramesReceived }},
	{"meshcore_frames_dropped_total", "Frames dropped as undecodable, foreign or malformed.", func(s Snapshot) uint64 { return s.FramesDropped }},
	{"meshcore_messages_received_total", "Decoded inbound text messages.", func(s Snapshot) uint64 { return s.MessagesReceived }},
	{"meshcore_messages_sent_total", "Outbound messages accepted by the radio.", func(s Snapshot) uint64 { return s.MessagesSent }},
	{"meshcore_messages_failed_total", "Outbound messages that failed or timed out.", func(s Snapshot) uint64 { return s.MessagesFailed }},
	{"meshcore_adverts_sent_total", "Self adverts transmitted.", func(s Snapshot) uint64 { return s.AdvertsSent }},
	{"meshcore_persistence_retries_total", "Store writes retried after a persistence error.", func(s Snapshot) uint64 { return s.PersistenceRetries }},
}

type observedCounter struct {
	def        counterDef
	instrument metric.Int64ObservableCounter
}

// OTelExporter publishes Recorder counters as observable OpenTelemetry counters
type OTelExporter struct {
	recorder     *Recorder
	bus          DropCounter
	registration metric.Registration
	counters     []observedCounter
	busDropped   metric.Int64ObservableCounter
}

// NewOTelExporter registers one callback observing every counter. bus may be nil.
func NewOTelExporter(meter metric.Meter, recorder *Recorder, bus DropCounter) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if recorder == nil {
		return nil, ErrNilRecorder
	}

	exporter := &OTelExporter{
		recorder: recorder,
		bus:      bus,
		counters: make([]observedCounter, 0, len(counterDefs)),
	}
	observables := make([]metric.Observable, 0, len(counterDefs)+1)

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{def: def, instrument: ins})
		observables = append(observables, ins)
	}

	busDropped, err := meter.Int64ObservableCounter(
		"meshcore_bus_dropped_total",
		metric.WithDescription("Events discarded because a subscriber queue was full."),
	)
	if err != nil {
		return nil, fmt.Errorf("create bus dropped counter: %w", err)
	}
	exporter.busDropped = busDropped
	observables = append(observables, busDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.recorder.Snapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(c.def.value(snapshot)))
		}
		var dropped uint64
		if exporter.bus != nil {
			dropped = exporter.bus.Dropped()
		}
		observer.ObserveInt64(exporter.busDropped, int64(dropped))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

// Close unregisters the callback
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
