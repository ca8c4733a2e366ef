package sse

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	appctx "github.com/Hasanromadon/tangibly-sub001/internal/context"
	"github.com/Hasanromadon/tangibly-sub001/internal/events"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
)

// Handler streams new security events. Authentication and authorization
// are done by the access pipeline in front of it.
type Handler struct {
	config Config
	conns  *ConnectionManager
	log    *events.Log
	clock  clock.Clock
	logger *slog.Logger
}

// NewHandler creates a new SSE handler.
func NewHandler(config Config, log *events.Log, clk clock.Clock, lg *slog.Logger) *Handler {
	config = config.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		config: config,
		conns:  NewConnectionManager(config.MaxConnectionsPerUser),
		log:    log,
		clock:  clk,
		logger: lg,
	}
}

// Connections exposes the connection manager
func (h *Handler) Connections() *ConnectionManager {
	return h.conns
}

// HandleStream handles GET /api/v1/events/stream
// Query: minSeverity. A Last-Event-ID header replays retained events after
// that sequence number; otherwise only events logged after connecting are
// sent.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		auth.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
		return
	}

	minSeverity := events.SeverityLow
	if s := r.URL.Query().Get("minSeverity"); s != "" {
		sev, err := events.ParseSeverity(s)
		if err != nil {
			auth.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters",
				map[string][]string{"minSeverity": {"must be one of low, medium, high, critical"}})
			return
		}
		minSeverity = sev
	}

	cursor := h.log.Seq()
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if seq, err := strconv.ParseUint(last, 10, 64); err == nil && seq < cursor {
			cursor = seq
		}
	}

	// Streams outlive the server's write timeout
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := newConnection(uuid.NewString(), userID, w, h.clock.Now())
	h.conns.Add(conn)
	defer h.conns.Remove(conn)

	lg := logger.FromContext(r.Context(), h.logger).With(slog.String("stream_id", conn.ID))
	lg.Info("security event stream opened", slog.Uint64("cursor", cursor))

	if err := conn.Send(statusFrame(FrameConnected, "Connected to security event stream", h.clock.Now())); err != nil {
		lg.Warn("security event stream unavailable", slog.String("error", err.Error()))
		return
	}

	poll := time.NewTicker(h.config.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.config.HeartbeatInterval)
	defer heartbeat.Stop()
	timeout := time.NewTimer(h.config.ConnectionTimeout)
	defer timeout.Stop()

	var err error
	cursor, err = h.flush(conn, cursor, minSeverity)
	for err == nil {
		select {
		case <-r.Context().Done():
			lg.Debug("security event stream closed by client")
			return
		case <-conn.Done():
			return
		case <-timeout.C:
			return
		case <-heartbeat.C:
			err = conn.Send(statusFrame(FrameHeartbeat, "", h.clock.Now()))
		case <-poll.C:
			cursor, err = h.flush(conn, cursor, minSeverity)
		}
	}
	lg.Debug("security event stream write failed", slog.String("error", err.Error()))
}

// flush sends the events logged after cursor and returns the new cursor
func (h *Handler) flush(conn *Connection, cursor uint64, min events.Severity) (uint64, error) {
	for _, e := range h.log.After(cursor) {
		cursor = e.Seq
		if !e.Severity.AtLeast(min) {
			continue
		}
		f, err := EventFrame(e)
		if err != nil {
			return cursor, err
		}
		if err := conn.Send(f); err != nil {
			return cursor, err
		}
	}
	return cursor, nil
}
