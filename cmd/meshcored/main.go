package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/config"
	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/spf13/cobra"
)

const (
	// Application info
	appName    = "MeshCore"
	appVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

var (
	// Global flags
	configPath string

	// Run flags
	listenAddr      string
	httpPort        int
	httpSecret      string
	noAuth          bool
	nodeName        string
	mockRadio       bool
	fakeTraffic     bool
	radioAddress    string
	redisAddr       string
	ephemeral       bool
	logLevel        string
	logFormat       string
	metricsInterval time.Duration
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshcored",
		Short: "MeshCore node daemon",
		Long: `meshcored runs a MeshCore node: it owns the radio, keeps the message store
and serves the HTTP API with a live event stream.

Settings are read from config.yaml; flags override the file.`,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}

	defaultPath, err := config.DefaultPath()
	if err != nil {
		defaultPath = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultPath, "Path to config.yaml")

	flags := rootCmd.Flags()
	flags.StringVar(&listenAddr, "listen", "", "HTTP listen address, overrides --http-port (e.g. 127.0.0.1:8080)")
	flags.IntVar(&httpPort, "http-port", config.DefaultHTTPPort, "HTTP API port")
	flags.StringVar(&httpSecret, "secret", "", "JWT signing secret (or MESHCORE_HTTP_SECRET)")
	flags.BoolVar(&noAuth, "no-auth", false, "Disable authentication for development")
	flags.StringVar(&nodeName, "name", "", "Advertised node name")
	flags.BoolVar(&mockRadio, "mock", false, "Use the mock radio regardless of the config")
	flags.BoolVar(&fakeTraffic, "fake-traffic", false, "Let the mock radio generate synthetic adverts")
	flags.StringVar(&radioAddress, "radio", "", "gRPC address of the radio daemon")
	flags.StringVar(&redisAddr, "redis", "", "Redis address for event fan-out")
	flags.BoolVar(&ephemeral, "ephemeral", false, "Keep messages in memory only")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	flags.DurationVar(&metricsInterval, "metrics-interval", time.Minute, "Interval between metric summaries in the log, 0 to disable")

	rootCmd.AddCommand(newInitConfigCommand())
	rootCmd.AddCommand(newPresetsCommand())
	return rootCmd
}

// loadConfig reads the config file and applies the flags the user set
func loadConfig(cmd *cobra.Command) (*config.File, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("http-port") {
		cfg.HTTP.Port = httpPort
	}
	if flags.Changed("secret") {
		cfg.HTTP.Secret = httpSecret
	} else if cfg.HTTP.Secret == "" {
		cfg.HTTP.Secret = os.Getenv("MESHCORE_HTTP_SECRET")
	}
	if flags.Changed("no-auth") {
		cfg.HTTP.NoAuth = noAuth
	}
	if flags.Changed("name") {
		cfg.Node.Name = nodeName
	}
	if flags.Changed("radio") {
		cfg.Transport.Kind = config.TransportGRPC
		cfg.Transport.Address = radioAddress
	}
	if mockRadio {
		cfg.Transport.Kind = config.TransportMock
	}
	if flags.Changed("fake-traffic") {
		cfg.Transport.FakeTraffic = fakeTraffic
	}
	if flags.Changed("redis") {
		cfg.Redis.Addr = redisAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logConfig, err := cfg.LoggingConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logConfig)
	if err != nil {
		return err
	}

	logger.Printf("🚀 Starting %s v%s", appName, appVersion)
	logger.Printf("📋 Node: %s", cfg.Node.Name)
	logger.Printf("📄 Config: %s", configPath)
	if cfg.HTTP.NoAuth {
		logger.Printf("⚠️  Authentication disabled (--no-auth)")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	d, err := newDaemon(ctx, cfg, daemonOptions{
		Listen:          listenAddr,
		Ephemeral:       ephemeral,
		MetricsInterval: metricsInterval,
	}, logger)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = d.Shutdown(shutdownCtx)
		return err
	}

	info := d.node.Identity()
	logger.Printf("🆔 Node ID: %s", info.NodeID)
	logger.Printf("✅ %s node %s started successfully!", appName, info.Name)
	logger.Printf("💡 Use Ctrl+C to shutdown gracefully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Printf("🛑 Received signal %v, shutting down gracefully...", sig)
	case runErr = <-d.Errors():
		logger.Printf("❌ %v", runErr)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Printf("⚠️  Error during graceful stop: %v", err)
	}
	logger.Printf("👋 %s node %s stopped", appName, info.Name)
	return runErr
}
