// Package relay implements the broadcaster WebSocket protocol: admission, authentication,
// scoreboard updates and the close path.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/ledger"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/limits"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/registry"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultAuthTimeout     = 30 * time.Second
	defaultGracePeriod     = 60 * time.Second
	defaultMaxMessageBytes = 10 * 1024
)

var (
	errMissingCredentials = errors.New("relay: credential store required")
	errMissingLedger      = errors.New("relay: ledger required")
	errMissingStreams     = errors.New("relay: stream store required")
	errMissingRegistry    = errors.New("relay: registry required")
	errMissingAdmission   = errors.New("relay: admission control required")
	errMissingUpdates     = errors.New("relay: update limiter required")
)

// CredentialStore reports API key status.
type CredentialStore interface {
	Status(ctx context.Context, apiKey string) (credentials.Status, error)
}

// Ledger records connection lifetimes.
type Ledger interface {
	OpenOrReuse(ctx context.Context, apiKey string) (ledger.Connection, bool, error)
	RecordUpdate(ctx context.Context, connectionID string, update ledger.Update, gameTypeChanged bool) error
	Finalize(ctx context.Context, connectionID string) error
}

// StreamStore persists the last-known scoreboard per key.
type StreamStore interface {
	Upsert(ctx context.Context, apiKey string, state scoreboard.State) error
	MarkInactive(ctx context.Context, apiKey string) error
}

// Publisher forwards stream events to viewers.
type Publisher interface {
	PublishState(apiKey string, state scoreboard.State)
	PublishInactive(apiKey string)
}

// Config holds the protocol timings and bounds.
type Config struct {
	AuthTimeout     time.Duration
	GracePeriod     time.Duration
	MaxMessageBytes int64
}

// Dependencies are the collaborators of the handler.
type Dependencies struct {
	Credentials CredentialStore
	Ledger      Ledger
	Streams     StreamStore
	Registry    *registry.Registry
	Admission   *limits.Admission
	Updates     *limits.UpdateLimiter
	Publisher   Publisher
	Metrics     *metrics.RelayMetrics
	Clock       clockwork.Clock
	Logger      *zap.Logger
	Audit       *zap.Logger
}

// Handler serves broadcaster sockets.
type Handler struct {
	credentials CredentialStore
	ledger      Ledger
	streams     StreamStore
	registry    *registry.Registry
	admission   *limits.Admission
	updates     *limits.UpdateLimiter
	publisher   Publisher
	metrics     *metrics.RelayMetrics
	clock       clockwork.Clock
	logger      *zap.Logger
	audit       *zap.Logger

	authTimeout     time.Duration
	maxMessageBytes int64
	grace           *graceScheduler
	upgrader        websocket.Upgrader
}

// NewHandler validates dependencies and applies defaults.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	switch {
	case deps.Credentials == nil:
		return nil, errMissingCredentials
	case deps.Ledger == nil:
		return nil, errMissingLedger
	case deps.Streams == nil:
		return nil, errMissingStreams
	case deps.Registry == nil:
		return nil, errMissingRegistry
	case deps.Admission == nil:
		return nil, errMissingAdmission
	case deps.Updates == nil:
		return nil, errMissingUpdates
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := deps.Audit
	if audit == nil {
		audit = logger
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}

	handler := &Handler{
		credentials:     deps.Credentials,
		ledger:          deps.Ledger,
		streams:         deps.Streams,
		registry:        deps.Registry,
		admission:       deps.Admission,
		updates:         deps.Updates,
		publisher:       deps.Publisher,
		metrics:         deps.Metrics,
		clock:           clock,
		logger:          logger,
		audit:           audit,
		authTimeout:     authTimeout,
		maxMessageBytes: maxMessageBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	handler.grace = newGraceScheduler(clock, gracePeriod, handler.deactivate)
	return handler, nil
}

// ServeSocket upgrades the request and runs the socket until it closes. clientIP is the
// caller address derived by the transport.
func (h *Handler) ServeSocket(w http.ResponseWriter, r *http.Request, clientIP string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("ip", clientIP), zap.Error(err))
		return
	}

	if ok, reason := h.admission.Acquire(clientIP); !ok {
		h.audit.Warn("connection rejected",
			zap.String("event", "connection_rejected"),
			zap.String("ip", clientIP),
			zap.String("reason", string(reason)),
		)
		if h.metrics != nil {
			h.metrics.RejectedConnections.WithLabelValues(string(reason)).Inc()
		}
		message := websocket.FormatCloseMessage(ClosePolicyViolation, closeReasonForLimit(reason))
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteWait))
		_ = conn.Close()
		return
	}
	if h.metrics != nil {
		h.metrics.ActiveSockets.Inc()
	}

	session := newSocketSession(conn, clientIP)
	session.armAuthTimer(h.clock, h.authTimeout, func() {
		if session.authenticated.Load() {
			return
		}
		h.audit.Warn("authentication timeout",
			zap.String("event", "auth_timeout"),
			zap.String("ip", clientIP),
		)
		h.closeSession(session, ClosePolicyViolation, "Authentication timeout")
	})
	if err := session.send(authFrame(statusPending, "")); err != nil {
		h.logger.Debug("failed to send pending frame", zap.String("ip", clientIP), zap.Error(err))
	}

	h.readLoop(session)
	h.release(session)
}

// Shutdown cancels every pending grace timer and closes the live sockets with 1001.
// Streams stay active; the next start deactivates them.
func (h *Handler) Shutdown() {
	h.grace.Stop()
	for _, apiKey := range h.registry.LiveKeys() {
		if entry, ok := h.registry.Get(apiKey); ok {
			entry.Socket.Close(websocket.CloseGoingAway, "Server shutting down")
		}
	}
}

// PendingDeactivations returns the number of armed grace timers.
func (h *Handler) PendingDeactivations() int {
	return h.grace.Pending()
}

func (h *Handler) readLoop(session *socketSession) {
	for {
		messageType, reader, err := session.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !session.isClosed() {
				h.logger.Debug("socket read failed", zap.String("ip", session.ip), zap.Error(err))
			}
			return
		}
		// Frames are streamed, so at most maxMessageBytes+1 bytes are buffered whatever the frame size.
		payload, err := io.ReadAll(io.LimitReader(reader, h.maxMessageBytes+1))
		if err != nil {
			return
		}
		if int64(len(payload)) > h.maxMessageBytes {
			h.auditOversized(session)
			_ = session.send(errorFrame("Message too large"))
			h.closeSession(session, CloseMessageTooBig, "Message too large")
			return
		}
		if messageType != websocket.TextMessage {
			h.reply(session, errorFrame("Only JSON text frames are accepted"))
			continue
		}
		h.handleMessage(session, payload)
		if session.isClosed() {
			return
		}
	}
}

func (h *Handler) auditOversized(session *socketSession) {
	h.audit.Warn("oversized message",
		zap.String("event", "oversized_message"),
		zap.String("ip", session.ip),
		zap.String("api_key", session.apiKey),
		zap.Int64("limit_bytes", h.maxMessageBytes),
	)
}

func (h *Handler) reply(session *socketSession, message outboundMessage) {
	if err := session.send(message); err != nil && !session.isClosed() {
		h.logger.Debug("failed to write frame",
			zap.String("ip", session.ip),
			zap.String("type", message.Type),
			zap.Error(err),
		)
	}
}

func (h *Handler) closeSession(session *socketSession, code int, reason string) {
	session.Close(code, reason)
	if h.metrics != nil {
		h.metrics.Closes.WithLabelValues(closeLabel(code)).Inc()
	}
}

func closeReasonForLimit(reason limits.LimitReason) string {
	if reason == limits.LimitReasonPerIP {
		return "Too many connections from this address"
	}
	return "Server at capacity"
}

func closeLabel(code int) string {
	switch code {
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseMessageTooBig:
		return "message_too_big"
	case CloseBlocked:
		return "blocked"
	case CloseSuperseded:
		return "superseded"
	case CloseDeleted:
		return "deleted"
	default:
		return "internal_error"
	}
}
