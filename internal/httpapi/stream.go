package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/sirupsen/logrus"
)

// DefaultKeepAlive is the interval between SSE ping comments
const DefaultKeepAlive = 15 * time.Second

// parseKinds reads a comma separated ?kinds= filter. Empty means all kinds.
func parseKinds(raw string) ([]events.Kind, error) {
	var kinds []events.Kind
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := events.ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// StreamEvents handles GET /api/v1/events/stream.
//
// Each session event is written as
//
//	event: <kind>
//	data: <envelope json>
//
// and a ": ping" comment is sent every keepAlive. The stream ends when the
// client goes away, the server shuts down or the session closes.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		writeError(w, fmt.Sprintf("Invalid kinds filter: %v", err), http.StatusBadRequest)
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut long-lived streams
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.WithError(err).Debug("Failed to clear write deadline")
	}

	// Subscribe before the headers go out so no event after the 200 is missed
	sub := h.session.Subscribe(kinds...)
	defer sub.Close()

	h.streamClients.Add(1)
	defer h.streamClients.Add(-1)

	logger := h.logger.WithFields(logrus.Fields{
		"client": GetClientID(r),
		"kinds":  len(kinds),
	})
	logger.Debug("Event stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	_ = rc.Flush()

	keepAlive := h.keepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Event stream closed by client")
			return

		case <-h.closing:
			logger.Debug("Event stream closed by server shutdown")
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case ev, ok := <-sub.Events():
			if !ok {
				logger.Debug("Event stream ended by session")
				return
			}
			data, err := events.Marshal(ev)
			if err != nil {
				logger.WithError(err).Warn("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
