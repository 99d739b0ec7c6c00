package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rmacdonaldsmith/meshcore-go/internal/meshcrypto"
	"github.com/rmacdonaldsmith/meshcore-go/internal/telemetry"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/sirupsen/logrus"
)

const (
	// maxBodyBytes bounds JSON request bodies
	maxBodyBytes = 64 << 10
	// defaultHistoryLimit is the page size when ?limit= is absent
	defaultHistoryLimit = 50
	// maxHistoryLimit caps ?limit=
	maxHistoryLimit = 500
)

// Handlers serves the REST and SSE endpoints on top of a Session
type Handlers struct {
	session   session.Session
	jwtAuth   *JWTAuth
	recorder  *telemetry.Recorder
	logger    logrus.FieldLogger
	keepAlive time.Duration
	started   time.Time

	streamClients atomic.Int64
	closing       chan struct{}
	closeOnce     sync.Once
}

// NewHandlers creates the endpoint handlers
func NewHandlers(s session.Session, jwtAuth *JWTAuth, recorder *telemetry.Recorder, keepAlive time.Duration, logger logrus.FieldLogger) *Handlers {
	return &Handlers{
		session:   s,
		jwtAuth:   jwtAuth,
		recorder:  recorder,
		logger:    logger,
		keepAlive: keepAlive,
		started:   time.Now(),
		closing:   make(chan struct{}),
	}
}

// closeStreams ends every open event stream
func (h *Handlers) closeStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// StreamClients returns the number of open event streams
func (h *Handlers) StreamClients() int {
	return int(h.streamClients.Load())
}

// Auth endpoints

// Login handles POST /api/v1/auth/login.
// There is no credential check: the client id "admin" is granted admin rights.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.ClientID = strings.TrimSpace(req.ClientID)
	if err := validateAuthRequest(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, req.ClientID == "admin")
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate token")
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  req.ClientID,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

func validateAuthRequest(req *AuthRequest) error {
	if req.ClientID == "" {
		return errors.New("clientId is required")
	}
	if len(req.ClientID) < 2 {
		return errors.New("clientId must be at least 2 characters")
	}
	return nil
}

// Session endpoints

// Health handles GET /api/v1/health. Anything but Running is 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.session.Health()
	statusCode := http.StatusOK
	if health.State != session.StateRunning {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, health, statusCode)
}

// GetSession handles GET /api/v1/session
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, SessionResponse{
		Node:   h.session.Identity(),
		Health: h.session.Health(),
	}, http.StatusOK)
}

// Retry handles POST /api/v1/session/retry
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Retry(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	h.logger.WithField("client", GetClientID(r)).Info("Transport retried from API")
	writeJSON(w, h.session.Health(), http.StatusOK)
}

// SendAdvert handles POST /api/v1/session/advert
func (h *Handlers) SendAdvert(w http.ResponseWriter, r *http.Request) {
	if err := h.session.SendAdvert(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, h.session.Identity(), http.StatusAccepted)
}

// Channel endpoints

// ListChannels handles GET /api/v1/channels
func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ChannelsResponse{Channels: h.session.Channels()}, http.StatusOK)
}

// AddChannel handles POST /api/v1/channels
func (h *Handlers) AddChannel(w http.ResponseWriter, r *http.Request) {
	var req AddChannelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = mesh.ChannelPublic
	}
	if _, err := mesh.ParseChannelKind(string(req.Kind)); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		ch  mesh.Channel
		err error
	)
	switch req.Kind {
	case mesh.ChannelPrivate:
		var key []byte
		if key, err = meshcrypto.ParseChannelKey(req.Key); err != nil {
			writeSessionError(w, err)
			return
		}
		ch, err = h.session.AddPrivateChannel(r.Context(), req.Name, key)
	default:
		if req.Key != "" {
			writeError(w, "public channels derive their key from the name", http.StatusBadRequest)
			return
		}
		ch, err = h.session.AddPublicChannel(r.Context(), req.Name)
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, ch, http.StatusCreated)
}

// RemoveChannel handles DELETE /api/v1/channels/{id}
func (h *Handlers) RemoveChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.session.RemoveChannel(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListContacts handles GET /api/v1/contacts
func (h *Handlers) ListContacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ContactsResponse{Contacts: h.session.Contacts()}, http.StatusOK)
}

// AddContact handles POST /api/v1/contacts. Saving a known public key
// renames the contact.
func (h *Handlers) AddContact(w http.ResponseWriter, r *http.Request) {
	var req AddContactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.session.AddContact(r.Context(), req.PublicKey, req.Name)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, c, http.StatusOK)
}

// History handles GET /api/v1/history?channel=|peer=&before=&limit=
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := mesh.Target{
		ChannelID: q.Get("channel"),
		PeerID:    strings.ToLower(q.Get("peer")),
	}
	if err := target.Validate(); err != nil {
		writeSessionError(w, err)
		return
	}

	var before time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, fmt.Sprintf("before must be RFC 3339: %v", err), http.StatusBadRequest)
			return
		}
		before = t
	}

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := h.session.History(r.Context(), target, before, limit)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if msgs == nil {
		msgs = []mesh.Message{}
	}
	writeJSON(w, HistoryResponse{Target: target, Messages: msgs}, http.StatusOK)
}

// Message endpoints

// SendChannelMessage handles POST /api/v1/messages/channel.
// A transport failure is not an HTTP error: the message comes back failed.
func (h *Handlers) SendChannelMessage(w http.ResponseWriter, r *http.Request) {
	var req ChannelMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.session.SendChannelMessage(r.Context(), req.ChannelID, req.Text)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, MessageResponse{Message: msg}, http.StatusCreated)
}

// SendDirectMessage handles POST /api/v1/messages/direct
func (h *Handlers) SendDirectMessage(w http.ResponseWriter, r *http.Request) {
	var req DirectMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.session.SendDirectMessage(r.Context(), req.Peer, req.Text)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, MessageResponse{Message: msg}, http.StatusCreated)
}

// Admin endpoints

// AdminGetStats handles GET /api/v1/admin/stats
func (h *Handlers) AdminGetStats(w http.ResponseWriter, r *http.Request) {
	health := h.session.Health()
	writeJSON(w, AdminStatsResponse{
		State:         health.State,
		Counters:      h.recorder.Snapshot(),
		BusDropped:    health.BusDropped,
		StreamClients: h.StreamClients(),
		Uptime:        time.Since(h.started).Round(time.Second).String(),
	}, http.StatusOK)
}

