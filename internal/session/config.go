package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/eventbus"
	"github.com/rmacdonaldsmith/meshcore-go/internal/identity"
	"github.com/rmacdonaldsmith/meshcore-go/internal/packet"
	"github.com/rmacdonaldsmith/meshcore-go/internal/telemetry"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/store"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/sirupsen/logrus"
)

// DefaultNodeName is advertised when no name is configured
const DefaultNodeName = "meshcore-tui"

// DefaultSendTimeout bounds a single transmit
const DefaultSendTimeout = 10 * time.Second

var (
	// ErrNilIdentity is returned when no identity is configured
	ErrNilIdentity = errors.New("identity cannot be nil")
	// ErrNilTransport is returned when no transport is configured
	ErrNilTransport = errors.New("transport cannot be nil")
	// ErrNilStore is returned when no store is configured
	ErrNilStore = errors.New("store cannot be nil")
	// ErrInvalidNodeName is returned for node names that do not fit in an advert
	ErrInvalidNodeName = errors.New("invalid node name")
)

// HistoryPolicy decides what happens to a channel's messages when it is removed
type HistoryPolicy string

const (
	// HistoryRetain keeps messages; re-joining the channel shows them again
	HistoryRetain HistoryPolicy = "retain"
	// HistoryPurge deletes the channel's messages on removal
	HistoryPurge HistoryPolicy = "purge"
)

// ParseHistoryPolicy validates a policy name. Empty means retain.
func ParseHistoryPolicy(s string) (HistoryPolicy, error) {
	switch HistoryPolicy(strings.ToLower(s)) {
	case "", HistoryRetain:
		return HistoryRetain, nil
	case HistoryPurge:
		return HistoryPurge, nil
	default:
		return "", fmt.Errorf("unknown history policy %q", s)
	}
}

// Config holds the collaborators and settings of a Node
type Config struct {
	Identity  *identity.Identity
	Transport transport.Transport
	Store     store.Store

	// NodeName is advertised to peers and used as sender name
	NodeName string

	// SendTimeout bounds each transmit
	SendTimeout time.Duration

	// BusBuffer is the queue length given to each subscription
	BusBuffer int

	HistoryPolicy HistoryPolicy

	// Optional; created when nil
	Bus      *eventbus.Bus
	Recorder *telemetry.Recorder
	Logger   logrus.FieldLogger
}

// NewConfig creates a Node configuration with safe defaults
func NewConfig(id *identity.Identity, t transport.Transport, st store.Store) *Config {
	return &Config{
		Identity:      id,
		Transport:     t,
		Store:         st,
		NodeName:      DefaultNodeName,
		SendTimeout:   DefaultSendTimeout,
		BusBuffer:     eventbus.DefaultBuffer,
		HistoryPolicy: HistoryRetain,
	}
}

// WithNodeName sets the advertised node name
func (c *Config) WithNodeName(name string) *Config {
	c.NodeName = name
	return c
}

// WithSendTimeout sets the transmit timeout
func (c *Config) WithSendTimeout(d time.Duration) *Config {
	c.SendTimeout = d
	return c
}

// WithBusBuffer sets the per-subscription queue length
func (c *Config) WithBusBuffer(n int) *Config {
	c.BusBuffer = n
	return c
}

// WithHistoryPolicy sets the channel removal policy
func (c *Config) WithHistoryPolicy(p HistoryPolicy) *Config {
	c.HistoryPolicy = p
	return c
}

// WithBus sets the event bus
func (c *Config) WithBus(bus *eventbus.Bus) *Config {
	c.Bus = bus
	return c
}

// WithRecorder sets the telemetry recorder
func (c *Config) WithRecorder(r *telemetry.Recorder) *Config {
	c.Recorder = r
	return c
}

// WithLogger sets the logger
func (c *Config) WithLogger(logger logrus.FieldLogger) *Config {
	c.Logger = logger
	return c
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Identity == nil {
		return ErrNilIdentity
	}
	if c.Transport == nil {
		return ErrNilTransport
	}
	if c.Store == nil {
		return ErrNilStore
	}
	if len(c.NodeName) > packet.MaxNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidNodeName, packet.MaxNameLen)
	}
	if _, err := ParseHistoryPolicy(string(c.HistoryPolicy)); err != nil {
		return err
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if strings.TrimSpace(c.NodeName) == "" {
		c.NodeName = DefaultNodeName
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.BusBuffer <= 0 {
		c.BusBuffer = eventbus.DefaultBuffer
	}
	if c.HistoryPolicy == "" {
		c.HistoryPolicy = HistoryRetain
	}
	if c.Bus == nil {
		c.Bus = eventbus.New()
	}
	if c.Recorder == nil {
		c.Recorder = telemetry.NewRecorder()
	}
}
