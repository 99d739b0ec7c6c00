// Package notify fans session events out to Redis.
//
// Every event is PUBLISHed as JSON on <prefix>:events:<kind>. Received
// messages and messages that reached sent are also kept on the capped list
// <prefix>:recent, newest first, so late joiners can catch up.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNilClient is returned when no Redis client is given
	ErrNilClient = errors.New("redis client cannot be nil")
)

// Config holds configuration for the publisher
type Config struct {
	// Prefix namespaces every key and channel
	Prefix string
	// RecentLimit caps the recent message list
	RecentLimit int
	// Timeout bounds the Redis round trip of one event
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Prefix == "" {
		c.Prefix = "meshcore"
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
}

// Publisher mirrors bus events into Redis
type Publisher struct {
	client redis.UniversalClient
	config Config
	logger logrus.FieldLogger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a publisher on client. The client is not closed by
// the publisher.
func NewPublisher(client redis.UniversalClient, config Config) (*Publisher, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	config.SetDefaults()
	return &Publisher{
		client: client,
		config: config,
		logger: logging.Component(config.Logger, "notify").WithField("prefix", config.Prefix),
	}, nil
}

// EventChannel returns the pub/sub channel of kind
func (p *Publisher) EventChannel(kind events.Kind) string {
	return fmt.Sprintf("%s:events:%s", p.config.Prefix, kind)
}

// RecentKey returns the key of the recent message list
func (p *Publisher) RecentKey() string {
	return p.config.Prefix + ":recent"
}

// Run forwards events from sub until ctx is done or the subscription
// closes. Redis failures are logged and counted; they never stop the loop.
func (p *Publisher) Run(ctx context.Context, sub events.Subscription) {
	p.logger.Info("Redis fan-out started")
	defer p.logger.Info("Redis fan-out stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.logger.WithError(err).WithField("kind", ev.Kind()).Warn("Failed to publish event")
			}
		}
	}
}

// Publish writes one event to Redis in a single pipeline
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	payload, err := events.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		return err
	}
	recent, err := recentEntry(ev)
	if err != nil {
		p.failed.Add(1)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, p.EventChannel(ev.Kind()), payload)
		if recent != nil {
			pipe.LPush(ctx, p.RecentKey(), recent)
			pipe.LTrim(ctx, p.RecentKey(), 0, int64(p.config.RecentLimit-1))
		}
		return nil
	})
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to publish %s to redis: %w", ev.Kind(), err)
	}
	p.published.Add(1)
	return nil
}

// recentEntry returns the JSON message to keep for ev, or nil when the event
// does not carry a finished message
func recentEntry(ev events.Event) ([]byte, error) {
	var msg mesh.Message
	switch e := ev.(type) {
	case events.MessageReceived:
		msg = e.Message
	case events.MessageStatusChanged:
		if e.Message.Status != mesh.StatusSent {
			return nil, nil
		}
		msg = e.Message
	default:
		return nil, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recent message: %w", err)
	}
	return data, nil
}

// Recent returns up to n messages from the recent list, newest first
func (p *Publisher) Recent(ctx context.Context, n int) ([]mesh.Message, error) {
	if n <= 0 || n > p.config.RecentLimit {
		n = p.config.RecentLimit
	}
	raw, err := p.client.LRange(ctx, p.RecentKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent messages: %w", err)
	}
	out := make([]mesh.Message, 0, len(raw))
	for _, r := range raw {
		var m mesh.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			p.logger.WithError(err).Debug("Skipping unreadable recent entry")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Stats returns how many events were published and how many failed
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}
