package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/internal/telemetry"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/sirupsen/logrus"
)

// APIPrefix is the path prefix of every endpoint
const APIPrefix = "/api/v1"

var (
	// ErrNilSession is returned when the server is created without a session
	ErrNilSession = errors.New("session cannot be nil")
	// ErrMissingSecret is returned when auth is enabled without a signing secret
	ErrMissingSecret = errors.New("secret key is required unless auth is disabled")
)

// Server represents the HTTP API server
type Server struct {
	session    session.Session
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	logger     logrus.FieldLogger
}

// Config holds server configuration
type Config struct {
	// Addr overrides Port when set, e.g. "127.0.0.1:0"
	Addr string
	Port      int
	SecretKey string
	// NoAuth disables token checks on everything but admin endpoints
	NoAuth    bool
	TokenTTL  time.Duration
	KeepAlive time.Duration
	Recorder  *telemetry.Recorder
	Logger    logrus.FieldLogger
}

// NewServer creates a new HTTP API server
func NewServer(s session.Session, config Config) (*Server, error) {
	if s == nil {
		return nil, ErrNilSession
	}
	if config.SecretKey == "" && !config.NoAuth {
		return nil, ErrMissingSecret
	}
	logger := logging.Component(config.Logger, "httpapi")

	jwtAuth := NewJWTAuth(config.SecretKey, config.TokenTTL)
	server := &Server{
		session:    s,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(s, jwtAuth, config.Recorder, config.KeepAlive, logger),
		middleware: NewMiddleware(jwtAuth, config.NoAuth, logger),
		logger:     logger,
	}

	addr := config.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", config.Port)
	}
	server.server = &http.Server{
		Addr:              addr,
		Handler:           server.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	server.server.RegisterOnShutdown(server.handlers.closeStreams)
	return server, nil
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Auth returns the token issuer used by the server
func (s *Server) Auth() *JWTAuth {
	return s.jwtAuth
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens and serves until Stop. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	s.logger.WithField("addr", ln.Addr().String()).Info("HTTP API listening")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server. Open event streams are ended so
// the shutdown does not wait on them.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()
	router.Use(s.middleware.Recovery, s.middleware.Logging, s.middleware.CORS, s.middleware.ContentType)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Not found", http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	api := router.PathPrefix(APIPrefix).Subrouter()
	auth := s.middleware.AuthRequired
	h := s.handlers

	// Unauthenticated
	api.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// Session
	api.HandleFunc("/session", auth(h.GetSession)).Methods(http.MethodGet)
	api.HandleFunc("/session/retry", auth(h.Retry)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/session/advert", auth(h.SendAdvert)).Methods(http.MethodPost, http.MethodOptions)

	// Channels and contacts
	api.HandleFunc("/channels", auth(h.ListChannels)).Methods(http.MethodGet)
	api.HandleFunc("/channels", auth(h.AddChannel)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/channels/{id}", auth(h.RemoveChannel)).Methods(http.MethodDelete, http.MethodOptions)
	api.HandleFunc("/contacts", auth(h.ListContacts)).Methods(http.MethodGet)
	api.HandleFunc("/contacts", auth(h.AddContact)).Methods(http.MethodPost, http.MethodOptions)

	// Messages
	api.HandleFunc("/history", auth(h.History)).Methods(http.MethodGet)
	api.HandleFunc("/messages/channel", auth(h.SendChannelMessage)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/messages/direct", auth(h.SendDirectMessage)).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/events/stream", auth(h.StreamEvents)).Methods(http.MethodGet)

	// Admin
	api.HandleFunc("/admin/stats", s.middleware.AdminRequired(h.AdminGetStats)).Methods(http.MethodGet)

	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	return router
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"service": "MeshCore HTTP API",
		"version": "1.0.0",
		"node":    s.session.Identity(),
		"endpoints": map[string]interface{}{
			"auth": map[string]string{
				"login": "POST " + APIPrefix + "/auth/login",
			},
			"session": map[string]string{
				"get":    "GET " + APIPrefix + "/session",
				"retry":  "POST " + APIPrefix + "/session/retry",
				"advert": "POST " + APIPrefix + "/session/advert",
			},
			"channels": map[string]string{
				"list":   "GET " + APIPrefix + "/channels",
				"add":    "POST " + APIPrefix + "/channels",
				"remove": "DELETE " + APIPrefix + "/channels/{id}",
			},
			"messages": map[string]string{
				"history": "GET " + APIPrefix + "/history?channel={id}|peer={nodeId}&before={rfc3339}&limit={n}",
				"channel": "POST " + APIPrefix + "/messages/channel",
				"direct":  "POST " + APIPrefix + "/messages/direct",
				"stream":  "GET " + APIPrefix + "/events/stream?kinds={kind,...}",
			},
			"contacts": "GET " + APIPrefix + "/contacts",
			"admin":    "GET " + APIPrefix + "/admin/stats",
			"health":   "GET " + APIPrefix + "/health",
		},
		"authentication": "Bearer JWT token required for most endpoints",
	}

	writeJSON(w, info, http.StatusOK)
}
