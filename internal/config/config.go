// Package config loads the meshcore YAML configuration file.
//
// The file is read once at startup. Every section has defaults, so a missing
// file yields a working mock-radio setup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/internal/session"
	"github.com/rmacdonaldsmith/meshcore-go/internal/store/sqlstore"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportMock = "mock"
	TransportGRPC = "grpc"
)

// Defaults applied by SetDefaults
const (
	DefaultDirName         = "meshcore"
	DefaultTrafficInterval = 15 * time.Second
	DefaultHTTPPort        = 8080
	DefaultRedisPrefix     = "meshcore"
	DefaultRecentLimit     = 100
)

var (
	// ErrInvalidTransport is returned for an unknown transport kind or a
	// gRPC transport without an address
	ErrInvalidTransport = errors.New("invalid transport configuration")
	// ErrInvalidChannel is returned for a configured channel that cannot be joined
	ErrInvalidChannel = errors.New("invalid channel configuration")
	// ErrInvalidContact is returned for a configured contact with a bad key
	ErrInvalidContact = errors.New("invalid contact configuration")
	// ErrMissingSecret is returned when the HTTP API needs a JWT secret
	ErrMissingSecret = errors.New("http secret is required unless no_auth is set")
)

// Node describes the local node
type Node struct {
	Name string `yaml:"name"`
}

// Channel is a channel joined at startup. Secret is the hex key of a
// private channel and ignored for public ones.
type Channel struct {
	Name    string `yaml:"name"`
	Secret  string `yaml:"secret,omitempty"`
	Private bool   `yaml:"private,omitempty"`
}

// Contact is a statically known peer
type Contact struct {
	Name      string `yaml:"name"`
	PublicKey string `yaml:"public_key"`
}

// Database selects the durable store
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Transport selects the radio
type Transport struct {
	Kind            string        `yaml:"kind"`
	Address         string        `yaml:"address,omitempty"`
	FakeTraffic     bool          `yaml:"fake_traffic,omitempty"`
	TrafficInterval time.Duration `yaml:"traffic_interval,omitempty"`
}

// Session tunes the session orchestrator
type Session struct {
	SendTimeout   time.Duration `yaml:"send_timeout"`
	BusBuffer     int           `yaml:"bus_buffer"`
	HistoryPolicy string        `yaml:"history_policy"`
}

// HTTP configures the API server. Port 0 disables it.
type HTTP struct {
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret,omitempty"`
	NoAuth bool   `yaml:"no_auth,omitempty"`
}

// Redis configures event fan-out. An empty Addr disables it.
type Redis struct {
	Addr        string `yaml:"addr,omitempty"`
	Prefix      string `yaml:"prefix"`
	RecentLimit int    `yaml:"recent_limit"`
}

// Log configures the process logger
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// File is the whole configuration file
type File struct {
	Node           Node      `yaml:"node"`
	HardwarePreset string    `yaml:"hardware_preset,omitempty"`
	SX1262         *SX1262   `yaml:"sx1262,omitempty"`
	RegionPreset   string    `yaml:"region_preset,omitempty"`
	Radio          *Radio    `yaml:"radio,omitempty"`
	Channels       []Channel `yaml:"channels,omitempty"`
	Contacts       []Contact `yaml:"contacts,omitempty"`
	IdentityFile   string    `yaml:"identity_file"`
	Database       Database  `yaml:"database"`
	Transport      Transport `yaml:"transport"`
	Session        Session   `yaml:"session"`
	HTTP           HTTP      `yaml:"http"`
	Redis          Redis     `yaml:"redis"`
	Log            Log       `yaml:"log"`
}

// DefaultDir returns ~/.config/meshcore
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", DefaultDirName), nil
}

// DefaultPath returns the default config.yaml location
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// New returns a configuration with every default applied, keeping its
// files under dir
func New(dir string) *File {
	f := &File{}
	f.SetDefaults(dir)
	return f
}

// Load reads path and applies defaults. A missing file is not an error.
// File locations default to the directory holding path. The result is not
// validated so callers can apply flag overrides first.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return New(filepath.Dir(path)), nil
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	f.SetDefaults(filepath.Dir(path))
	return f, nil
}

// Parse decodes a YAML document. Unknown keys are rejected. No defaults are
// applied.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return f, nil
}

// Save writes the configuration to path, creating its directory. The file
// may hold channel secrets and is written owner-only.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
// File locations default to dir.
func (f *File) SetDefaults(dir string) {
	if strings.TrimSpace(f.Node.Name) == "" {
		f.Node.Name = session.DefaultNodeName
	}
	if f.IdentityFile == "" {
		f.IdentityFile = filepath.Join(dir, "identity.key")
	}
	if f.Database.Driver == "" {
		f.Database.Driver = sqlstore.DriverSQLite
	}
	if f.Database.DSN == "" && f.Database.Driver == sqlstore.DriverSQLite {
		f.Database.DSN = filepath.Join(dir, "messages.db")
	}

	if f.HardwarePreset != "" && f.SX1262 == nil {
		if wiring, ok := HardwarePresets[f.HardwarePreset]; ok && wiring != nil {
			w := *wiring
			f.SX1262 = &w
		}
	}
	if f.RegionPreset != "" && f.Radio == nil {
		if r, ok := RegionPresets[f.RegionPreset]; ok {
			f.Radio = &r
		}
	}

	if f.Transport.Kind == "" {
		if f.HardwarePreset == "" || f.HardwarePreset == MockRadioPreset {
			f.Transport.Kind = TransportMock
		} else {
			f.Transport.Kind = TransportGRPC
		}
	}
	if f.Transport.TrafficInterval <= 0 {
		f.Transport.TrafficInterval = DefaultTrafficInterval
	}

	if f.Session.SendTimeout <= 0 {
		f.Session.SendTimeout = session.DefaultSendTimeout
	}
	if f.Session.HistoryPolicy == "" {
		f.Session.HistoryPolicy = string(session.HistoryRetain)
	}

	if f.HTTP.Port == 0 {
		f.HTTP.Port = DefaultHTTPPort
	}
	if f.Redis.Prefix == "" {
		f.Redis.Prefix = DefaultRedisPrefix
	}
	if f.Redis.RecentLimit <= 0 {
		f.Redis.RecentLimit = DefaultRecentLimit
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = string(logging.FormatText)
	}
}

// Validate validates the configuration and returns an error if invalid
func (f *File) Validate() error {
	if f.HardwarePreset != "" {
		if _, ok := HardwarePresets[f.HardwarePreset]; !ok {
			return fmt.Errorf("%w: hardware %q", ErrUnknownPreset, f.HardwarePreset)
		}
	}
	if f.RegionPreset != "" {
		if _, ok := RegionPresets[f.RegionPreset]; !ok {
			return fmt.Errorf("%w: region %q", ErrUnknownPreset, f.RegionPreset)
		}
	}

	switch f.Transport.Kind {
	case TransportMock:
	case TransportGRPC:
		if f.Transport.Address == "" {
			return fmt.Errorf("%w: grpc transport needs an address", ErrInvalidTransport)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransport, f.Transport.Kind)
	}

	if err := sqlstore.NewConfig(f.Database.Driver, f.Database.DSN).Validate(); err != nil {
		return fmt.Errorf("invalid database: %w", err)
	}
	if _, err := session.ParseHistoryPolicy(f.Session.HistoryPolicy); err != nil {
		return err
	}

	for i, ch := range f.Channels {
		if strings.TrimSpace(ch.Name) == "" {
			return fmt.Errorf("%w: channel %d has no name", ErrInvalidChannel, i)
		}
		if ch.Private {
			if _, err := meshcrypto.ParseChannelKey(ch.Secret); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidChannel, ch.Name, err)
			}
		}
	}
	for _, c := range f.Contacts {
		if _, err := mesh.ParseNodeID(strings.ToLower(strings.TrimSpace(c.PublicKey))); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidContact, c.Name, err)
		}
	}

	if f.HTTP.Port < 0 || f.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", f.HTTP.Port)
	}
	if !f.HTTP.NoAuth && f.HTTP.Secret == "" {
		return ErrMissingSecret
	}
	if _, err := f.LoggingConfig(); err != nil {
		return err
	}
	return nil
}

// ApplyHardwarePreset records the preset name and copies its wiring
func (f *File) ApplyHardwarePreset(name string) error {
	wiring, ok := HardwarePresets[name]
	if !ok {
		return fmt.Errorf("%w: hardware %q", ErrUnknownPreset, name)
	}
	f.HardwarePreset = name
	f.SX1262 = nil
	if wiring != nil {
		w := *wiring
		f.SX1262 = &w
	}
	return nil
}

// ApplyRegionPreset records the preset name and copies its modulation
func (f *File) ApplyRegionPreset(name string) error {
	r, ok := RegionPresets[name]
	if !ok {
		return fmt.Errorf("%w: region %q", ErrUnknownPreset, name)
	}
	f.RegionPreset = name
	f.Radio = &r
	return nil
}

// IsMock reports whether the mock transport is selected
func (f *File) IsMock() bool {
	return f.Transport.Kind == TransportMock
}

// RadioParams returns the parameters pushed to a radio daemon
func (f *File) RadioParams() map[string]interface{} {
	var r Radio
	if f.Radio != nil {
		r = *f.Radio
	}
	return Params(r, f.SX1262)
}

// LoggingConfig converts the log section
func (f *File) LoggingConfig() (logging.Config, error) {
	format := logging.Format(strings.ToLower(f.Log.Format))
	switch format {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return logging.Config{}, fmt.Errorf("invalid log format %q", f.Log.Format)
	}
	return logging.Config{Level: f.Log.Level, Format: format}, nil
}
