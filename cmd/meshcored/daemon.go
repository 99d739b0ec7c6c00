package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rmacdonaldsmith/meshcore-go/internal/channels"
	"github.com/rmacdonaldsmith/meshcore-go/internal/config"
	"github.com/rmacdonaldsmith/meshcore-go/internal/discovery"
	"github.com/rmacdonaldsmith/meshcore-go/internal/httpapi"
	"github.com/rmacdonaldsmith/meshcore-go/internal/identity"
	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/internal/notify"
	"github.com/rmacdonaldsmith/meshcore-go/internal/radio/grpcbridge"
	"github.com/rmacdonaldsmith/meshcore-go/internal/radio/mock"
	"github.com/rmacdonaldsmith/meshcore-go/internal/session"
	"github.com/rmacdonaldsmith/meshcore-go/internal/store/memory"
	"github.com/rmacdonaldsmith/meshcore-go/internal/store/sqlstore"
	"github.com/rmacdonaldsmith/meshcore-go/internal/telemetry"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	sessionapi "github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/store"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/sirupsen/logrus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// daemonOptions carry settings that do not live in config.yaml
type daemonOptions struct {
	// Listen overrides the configured HTTP port, e.g. "127.0.0.1:0"
	Listen string
	// Ephemeral keeps messages in memory instead of the configured database
	Ephemeral bool
	// MetricsInterval is the gap between metric summaries in the log; zero disables them
	MetricsInterval time.Duration
}

// daemon owns every long-lived component of a running meshcored
type daemon struct {
	cfg    *config.File
	opts   daemonOptions
	logger *logrus.Logger

	store    store.Store
	radio    transport.Transport
	node     *session.Node
	api      *httpapi.Server
	listener net.Listener

	redis    *redis.Client
	notifier *notify.Publisher

	reader   *sdkmetric.ManualReader
	meters   *sdkmetric.MeterProvider
	exporter *telemetry.OTelExporter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error
}

// newDaemon wires the components described by cfg. Nothing is started.
func newDaemon(ctx context.Context, cfg *config.File, opts daemonOptions, logger *logrus.Logger) (_ *daemon, err error) {
	d := &daemon{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		errs:   make(chan error, 1),
	}
	defer func() {
		if err != nil {
			_ = d.release()
		}
	}()

	logger.Printf("🔑 Loading identity from %s", cfg.IdentityFile)
	id, err := identity.NewStore(cfg.IdentityFile).LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	if d.store, err = d.openStore(ctx); err != nil {
		return nil, err
	}
	if d.radio, err = d.openRadio(); err != nil {
		return nil, err
	}

	policy, err := session.ParseHistoryPolicy(cfg.Session.HistoryPolicy)
	if err != nil {
		return nil, err
	}
	sessionConfig := session.NewConfig(id, d.radio, d.store).
		WithNodeName(cfg.Node.Name).
		WithSendTimeout(cfg.Session.SendTimeout).
		WithBusBuffer(cfg.Session.BusBuffer).
		WithHistoryPolicy(policy).
		WithLogger(logger)

	logger.Printf("🔧 Creating session...")
	if d.node, err = session.NewNode(ctx, sessionConfig); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := d.restoreChannels(ctx); err != nil {
		return nil, err
	}
	if _, err := discovery.Seed(ctx, discovery.NewStaticDiscovery(contactEntries(cfg.Contacts)), d.node, logger); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		d.notifier, err = notify.NewPublisher(d.redis, notify.Config{
			Prefix:      cfg.Redis.Prefix,
			RecentLimit: cfg.Redis.RecentLimit,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
	}

	d.reader = sdkmetric.NewManualReader()
	d.meters = sdkmetric.NewMeterProvider(sdkmetric.WithReader(d.reader))
	d.exporter, err = telemetry.NewOTelExporter(d.meters.Meter("meshcored"), d.node.Recorder(), d.node.Bus())
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	d.api, err = httpapi.NewServer(d.node, httpapi.Config{
		Addr:      opts.Listen,
		Port:      cfg.HTTP.Port,
		SecretKey: cfg.HTTP.Secret,
		NoAuth:    cfg.HTTP.NoAuth,
		Recorder:  d.node.Recorder(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create http api: %w", err)
	}
	return d, nil
}

func (d *daemon) openStore(ctx context.Context) (store.Store, error) {
	if d.opts.Ephemeral {
		d.logger.Printf("💾 Using in-memory message store")
		return memory.New(), nil
	}
	d.logger.Printf("💾 Opening %s message store", d.cfg.Database.Driver)
	st, err := sqlstore.Open(ctx, sqlstore.NewConfig(d.cfg.Database.Driver, d.cfg.Database.DSN).WithLogger(d.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	return st, nil
}

func (d *daemon) openRadio() (transport.Transport, error) {
	if d.cfg.IsMock() {
		d.logger.Printf("📻 Using mock radio (fake traffic: %t)", d.cfg.Transport.FakeTraffic)
		return mock.New(mock.Config{
			FakeTraffic:     d.cfg.Transport.FakeTraffic,
			TrafficInterval: d.cfg.Transport.TrafficInterval,
			Logger:          d.logger,
		}), nil
	}
	d.logger.Printf("📻 Using radio daemon at %s", d.cfg.Transport.Address)
	client, err := grpcbridge.NewClient(grpcbridge.Config{
		Address: d.cfg.Transport.Address,
		Params:  d.cfg.RadioParams(),
		Logger:  d.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create radio client: %w", err)
	}
	return client, nil
}

// restoreChannels joins the channels listed in the config. Channels the
// store already knows are kept as they are.
func (d *daemon) restoreChannels(ctx context.Context) error {
	for _, ch := range d.cfg.Channels {
		var err error
		if ch.Private {
			key, kerr := meshcrypto.ParseChannelKey(ch.Secret)
			if kerr != nil {
				return fmt.Errorf("channel %s: %w", ch.Name, kerr)
			}
			_, err = d.node.AddPrivateChannel(ctx, ch.Name, key)
		} else {
			_, err = d.node.AddPublicChannel(ctx, ch.Name)
		}
		switch {
		case err == nil:
			d.logger.WithField("channel", ch.Name).Debug("Joined configured channel")
		case errors.Is(err, channels.ErrDuplicateChannel):
		default:
			return fmt.Errorf("failed to join channel %s: %w", ch.Name, err)
		}
	}
	return nil
}

func contactEntries(contacts []config.Contact) []discovery.Entry {
	entries := make([]discovery.Entry, 0, len(contacts))
	for _, c := range contacts {
		entries = append(entries, discovery.Entry{Name: c.Name, PublicKey: c.PublicKey})
	}
	return entries
}

// listenAddr returns the address the HTTP API binds to
func (d *daemon) listenAddr() string {
	if d.opts.Listen != "" {
		return d.opts.Listen
	}
	return fmt.Sprintf(":%d", d.cfg.HTTP.Port)
}

// Start brings the radio up and starts serving. A radio that fails to come
// up leaves the session Degraded; the API still serves so the operator can
// retry.
func (d *daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if d.notifier != nil {
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.logger.Printf("⚠️  Redis at %s is not reachable yet: %v", d.cfg.Redis.Addr, err)
		}
		sub := d.node.Subscribe()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.notifier.Run(runCtx, sub)
			sub.Close()
		}()
		d.logger.Printf("📣 Forwarding events to Redis at %s", d.cfg.Redis.Addr)
	}

	transitions := d.node.Subscribe(events.KindTransportStatusChanged, events.KindPersistenceStatusChanged)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer transitions.Close()
		d.logTransitions(runCtx, transitions)
	}()

	if d.opts.MetricsInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.logMetrics(runCtx, d.opts.MetricsInterval)
		}()
	}

	d.logger.Printf("▶️  Starting session...")
	if err := d.node.Start(ctx); err != nil {
		if !errors.Is(err, sessionapi.ErrTransportUnavailable) {
			return fmt.Errorf("failed to start session: %w", err)
		}
		d.logger.Printf("⚠️  Radio unavailable, session is degraded: %v", err)
		d.logger.Printf("💡 POST %s/session/retry once the radio is back", httpapi.APIPrefix)
	}

	ln, err := net.Listen("tcp", d.listenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.listenAddr(), err)
	}
	d.listener = ln
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.api.Serve(ln); err != nil {
			d.errs <- fmt.Errorf("http api stopped: %w", err)
		}
	}()
	d.logger.Printf("🌐 HTTP API: http://%s%s", ln.Addr(), httpapi.APIPrefix)
	return nil
}

// Addr returns the bound HTTP address after Start
func (d *daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Errors reports fatal failures of background components
func (d *daemon) Errors() <-chan error {
	return d.errs
}

// logTransitions writes the session's lifecycle changes as status lines
func (d *daemon) logTransitions(ctx context.Context, sub events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.TransportStatusChanged:
				if e.Error != "" {
					d.logger.Printf("📻 Session %s: %s", e.State, e.Error)
				} else {
					d.logger.Printf("📻 Session %s", e.State)
				}
			case events.PersistenceStatusChanged:
				if e.Degraded {
					d.logger.Printf("⚠️  Message store degraded: %s", e.Error)
				} else {
					d.logger.Printf("💾 Message store recovered")
				}
			}
		}
	}
}

// logMetrics periodically collects the OpenTelemetry counters and logs them
func (d *daemon) logMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counters, err := d.collectMetrics(ctx)
			if err != nil {
				d.logger.WithError(err).Warn("Failed to collect metrics")
				continue
			}
			fields := make(logrus.Fields, len(counters))
			for name, v := range counters {
				fields[strings.TrimSuffix(strings.TrimPrefix(name, "meshcore_"), "_total")] = v
			}
			d.logger.WithFields(fields).Info("📊 Metrics")
		}
	}
}

// collectMetrics reads every counter registered by the telemetry exporter
func (d *daemon) collectMetrics(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := d.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				continue
			}
			out[m.Name] = sum.DataPoints[0].Value
		}
	}
	return out, nil
}

// Shutdown stops serving, stops the radio and releases every resource
func (d *daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.listener != nil {
		d.logger.Printf("🛑 Stopping HTTP API...")
		if err := d.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop http api: %w", err))
		}
	}
	d.logger.Printf("🛑 Stopping session...")
	if err := d.node.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if err := d.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes whatever newDaemon managed to create
func (d *daemon) release() error {
	var errs []error
	if d.exporter != nil {
		if err := d.exporter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.meters != nil {
		if err := d.meters.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if d.node != nil {
		if err := d.node.Close(); err != nil {
			errs = append(errs, err)
		}
	} else if d.radio != nil {
		_ = d.radio.Stop(context.Background())
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close message store: %w", err))
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
