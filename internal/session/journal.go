package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/store/memory"
	"github.com/rmacdonaldsmith/meshcore-go/internal/telemetry"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/store"
	"github.com/sirupsen/logrus"
)

// journal applies the persistence failure policy in front of the durable
// store: a write that fails with store.ErrPersistence is retried once, and a
// second failure switches the journal to memory-only mode for the rest of the
// process lifetime. The switch is reported once through onDegrade.
type journal struct {
	durable  store.Store
	memory   *memory.Store
	recorder *telemetry.Recorder
	logger   logrus.FieldLogger

	degraded  atomic.Bool
	once      sync.Once
	onDegrade func(err error)
}

func newJournal(durable store.Store, recorder *telemetry.Recorder, logger logrus.FieldLogger, onDegrade func(error)) *journal {
	return &journal{
		durable:   durable,
		memory:    memory.New(),
		recorder:  recorder,
		logger:    logger,
		onDegrade: onDegrade,
	}
}

// Degraded reports whether writes go to memory only
func (j *journal) Degraded() bool {
	return j.degraded.Load()
}

func (j *journal) degrade(err error) {
	j.once.Do(func() {
		j.degraded.Store(true)
		j.logger.WithError(err).Error("Persistence failed twice, continuing in memory-only mode")
		if j.onDegrade != nil {
			j.onDegrade(err)
		}
	})
}

// write runs fn against the durable store with one retry, then against the
// memory store once degraded. Any failure of the store itself counts,
// including store.ErrClosed and untyped driver errors; only the caller's
// own mistakes and cancellations are returned without retrying.
func (j *journal) write(op string, fn func(store.Store) error) error {
	if j.degraded.Load() {
		return fn(j.memory)
	}

	err := fn(j.durable)
	if !storeFailure(err) {
		return err
	}
	j.recorder.PersistenceRetry()
	j.logger.WithError(err).WithField("op", op).Warn("Persistence error, retrying once")

	err = fn(j.durable)
	if !storeFailure(err) {
		return err
	}
	j.degrade(err)
	return fn(j.memory)
}

// storeFailure reports whether err is the store's fault rather than the caller's
func storeFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, mesh.ErrNotFound),
		errors.Is(err, mesh.ErrInvalidTarget),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (j *journal) AppendMessage(ctx context.Context, msg mesh.Message) error {
	return j.write("append message", func(s store.Store) error {
		return s.AppendMessage(ctx, msg)
	})
}

// UpdateStatus persists msg's current status. In memory-only mode a message
// that was written durably before the switch is not known to the memory
// store, so it is appended whole.
func (j *journal) UpdateStatus(ctx context.Context, msg mesh.Message) error {
	return j.write("update message status", func(s store.Store) error {
		err := s.UpdateMessageStatus(ctx, msg.ID, msg.Status, msg.FailureReason)
		if errors.Is(err, mesh.ErrNotFound) && s == store.Store(j.memory) {
			return s.AppendMessage(ctx, msg)
		}
		return err
	})
}

func (j *journal) UpsertContact(ctx context.Context, c mesh.Contact) error {
	return j.write("upsert contact", func(s store.Store) error {
		return s.UpsertContact(ctx, c)
	})
}

func (j *journal) RecordInbound(ctx context.Context, msg mesh.Message, c *mesh.Contact) error {
	return j.write("record inbound", func(s store.Store) error {
		return s.RecordInbound(ctx, msg, c)
	})
}

// UpsertChannel and RemoveChannel make the journal the registry's mirror
func (j *journal) UpsertChannel(ctx context.Context, ch mesh.Channel) error {
	return j.write("upsert channel", func(s store.Store) error {
		return s.UpsertChannel(ctx, ch)
	})
}

func (j *journal) RemoveChannel(ctx context.Context, id string) error {
	return j.write("remove channel", func(s store.Store) error {
		return s.RemoveChannel(ctx, id)
	})
}

// PurgeHistory clears a conversation everywhere it may be held
func (j *journal) PurgeHistory(ctx context.Context, target mesh.Target) error {
	if err := j.memory.PurgeHistory(ctx, target); err != nil {
		return err
	}
	if j.degraded.Load() {
		if err := j.durable.PurgeHistory(ctx, target); err != nil {
			j.logger.WithError(err).Debug("Durable purge skipped while degraded")
		}
		return nil
	}
	return j.write("purge history", func(s store.Store) error {
		return s.PurgeHistory(ctx, target)
	})
}

// History reads from the durable store. In memory-only mode the durable read
// is best effort and merged with what was written since the switch.
func (j *journal) History(ctx context.Context, target mesh.Target, before time.Time, limit int) ([]mesh.Message, error) {
	if !j.degraded.Load() {
		return j.durable.History(ctx, target, before, limit)
	}
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}

	recent, err := j.memory.History(ctx, target, before, limit)
	if err != nil {
		return nil, err
	}
	older, err := j.durable.History(ctx, target, before, limit)
	if err != nil {
		j.logger.WithError(err).Debug("Durable history unavailable while degraded")
		return recent, nil
	}

	byID := make(map[string]int, len(older)+len(recent))
	merged := make([]mesh.Message, 0, len(older)+len(recent))
	for _, m := range older {
		byID[m.ID] = len(merged)
		merged = append(merged, m)
	}
	for _, m := range recent {
		if i, ok := byID[m.ID]; ok {
			merged[i] = m
			continue
		}
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Timestamp.Before(merged[b].Timestamp)
	})
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

func (j *journal) ListContacts(ctx context.Context) ([]mesh.Contact, error) {
	return j.durable.ListContacts(ctx)
}

func (j *journal) ListChannels(ctx context.Context) ([]mesh.Channel, error) {
	return j.durable.ListChannels(ctx)
}
