package relay

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/ledger"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/registry"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	updateOutcomeAccepted    = "accepted"
	updateOutcomeRateLimited = "rate_limited"
	updateOutcomeFailed      = "failed"
	updateOutcomeStale       = "stale"
)

func (h *Handler) handleMessage(session *socketSession, payload []byte) {
	var message inboundMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		h.audit.Warn("malformed message",
			zap.String("event", "malformed_message"),
			zap.String("ip", session.ip),
			zap.String("api_key", session.apiKey),
			zap.Error(err),
		)
		h.countMessage("malformed")
		h.reply(session, errorFrame("Invalid message format"))
		return
	}
	h.countMessage(message.Type)

	if !session.authenticated.Load() {
		switch message.Type {
		case messageTypeAuth:
			h.authenticate(session, message.APIKey)
		case messageTypePing:
			h.reply(session, pongFrame())
		default:
			h.reply(session, errorFrame("Authentication required"))
		}
		return
	}

	switch message.Type {
	case messageTypeUpdate:
		h.applyUpdate(session, message.State)
	case messageTypePing:
		h.reply(session, pongFrame())
	case messageTypeAuth:
		h.reply(session, errorFrame("Already authenticated"))
	default:
		h.reply(session, errorFrame("Unknown message type"))
	}
}

func (h *Handler) authenticate(session *socketSession, rawKey string) {
	ctx := context.Background()
	if !credentials.IsBroadcasterKey(rawKey) {
		h.audit.Warn("invalid api key",
			zap.String("event", "invalid_api_key"),
			zap.String("ip", session.ip),
		)
		h.reply(session, authFrame(statusError, "Invalid API key"))
		h.closeSession(session, ClosePolicyViolation, "Invalid API key")
		return
	}
	apiKey := rawKey

	// The key lock covers the status read through the registry claim.
	unlock := h.registry.Lock(apiKey)
	defer unlock()
	if session.isClosed() {
		return
	}

	status, err := h.credentials.Status(ctx, apiKey)
	if err != nil {
		h.logger.Error("api key status lookup failed", zap.String("api_key", apiKey), zap.Error(err))
		h.reply(session, authFrame(statusError, "Authentication failed"))
		h.closeSession(session, CloseInternalError, "Authentication failed")
		return
	}
	if status.IsBlocked {
		h.audit.Warn("blocked api key",
			zap.String("event", "blocked_key_use"),
			zap.String("ip", session.ip),
			zap.String("api_key", apiKey),
		)
		h.reply(session, authFrame(statusBlocked, status.BlockedReason))
		h.closeSession(session, CloseBlocked, "API key blocked")
		return
	}

	if previous, ok := h.registry.Get(apiKey); ok && previous.Socket != registry.Socket(session) {
		h.registry.RemoveIfCurrent(apiKey, previous.Socket)
		previous.Socket.Close(CloseSuperseded, "Superseded")
		if h.metrics != nil {
			h.metrics.Closes.WithLabelValues(closeLabel(CloseSuperseded)).Inc()
		}
		if err := h.ledger.Finalize(ctx, previous.ConnectionID); err != nil {
			h.logger.Error("failed to finalize superseded connection",
				zap.String("api_key", apiKey),
				zap.String("connection_id", previous.ConnectionID),
				zap.Error(err),
			)
		}
		h.logger.Info("socket superseded", zap.String("api_key", apiKey), zap.String("ip", session.ip))
	}

	connection, reused, err := h.ledger.OpenOrReuse(ctx, apiKey)
	if err != nil {
		h.reply(session, authFrame(statusError, "Authentication failed"))
		h.closeSession(session, CloseInternalError, "Authentication failed")
		return
	}

	h.grace.Cancel(apiKey)
	h.registry.Claim(apiKey, registry.Entry{
		Socket:       session,
		ConnectionID: connection.ConnectionID,
		LastUpdate:   h.clock.Now().UTC(),
		Features:     scoreboard.DefaultFeatures(),
	})
	session.apiKey = apiKey
	session.authenticated.Store(true)
	session.stopAuthTimer()
	h.observeLiveKeys()

	h.logger.Info("broadcaster authenticated",
		zap.String("api_key", apiKey),
		zap.String("connection_id", connection.ConnectionID),
		zap.Bool("reused_connection", reused),
		zap.String("ip", session.ip),
	)
	h.reply(session, authFrame(statusSuccess, ""))
}

func (h *Handler) applyUpdate(session *socketSession, raw map[string]any) {
	ctx := context.Background()
	apiKey := session.apiKey
	state := scoreboard.Sanitize(raw, h.clock.Now())

	unlock := h.registry.Lock(apiKey)
	entry, ok := h.registry.Get(apiKey)
	if !ok || entry.Socket != registry.Socket(session) {
		unlock()
		h.countUpdate(updateOutcomeStale)
		h.reply(session, ackFrame(statusError, "Session is no longer active"))
		return
	}
	if !h.updates.Allow(apiKey) {
		unlock()
		h.audit.Warn("update rate limit exceeded",
			zap.String("event", "rate_limit"),
			zap.String("ip", session.ip),
			zap.String("api_key", apiKey),
		)
		h.countUpdate(updateOutcomeRateLimited)
		h.reply(session, ackFrame(statusError, "Rate limit exceeded"))
		return
	}
	gameTypeChanged := state.GameType != entry.CurrentGameType

	streamErr := h.streams.Upsert(ctx, apiKey, state)
	ledgerErr := h.ledger.RecordUpdate(ctx, entry.ConnectionID, ledger.UpdateFromState(state), gameTypeChanged)
	if ledgerErr == nil {
		h.registry.UpdateIfCurrent(apiKey, session, func(current *registry.Entry) {
			current.CurrentGameType = state.GameType
			current.LastUpdate = state.Timestamp
			current.Features = state.Features()
		})
	}
	unlock()

	if streamErr != nil || ledgerErr != nil {
		h.logger.Error("failed to persist update",
			zap.String("api_key", apiKey),
			zap.NamedError("stream_error", streamErr),
			zap.NamedError("ledger_error", ledgerErr),
		)
		h.countUpdate(updateOutcomeFailed)
		h.reply(session, ackFrame(statusError, "Failed to save update"))
		return
	}
	if h.publisher != nil {
		h.publisher.PublishState(apiKey, state)
	}
	h.countUpdate(updateOutcomeAccepted)
	h.reply(session, ackFrame(statusSuccess, ""))
}

// release runs once per admitted socket, whatever closed it.
func (h *Handler) release(session *socketSession) {
	session.releaseOnce.Do(func() {
		session.stopAuthTimer()
		session.Close(websocket.CloseNormalClosure, "")
		h.admission.Release(session.ip)
		if h.metrics != nil {
			h.metrics.ActiveSockets.Dec()
		}
		if !session.authenticated.Load() {
			return
		}

		apiKey := session.apiKey
		unlock := h.registry.Lock(apiKey)
		entry, removed := h.registry.RemoveIfCurrent(apiKey, session)
		if removed {
			if err := h.ledger.Finalize(context.Background(), entry.ConnectionID); err != nil {
				h.logger.Error("failed to finalize connection",
					zap.String("api_key", apiKey),
					zap.String("connection_id", entry.ConnectionID),
					zap.Error(err),
				)
			}
		}
		unlock()
		h.observeLiveKeys()
		h.grace.Schedule(apiKey)
		h.logger.Info("broadcaster disconnected", zap.String("api_key", apiKey), zap.Bool("was_current", removed))
	})
}

// deactivate runs when a key's grace period ends.
func (h *Handler) deactivate(apiKey string) {
	unlock := h.registry.Lock(apiKey)
	defer unlock()
	if h.registry.Has(apiKey) {
		return
	}
	if err := h.streams.MarkInactive(context.Background(), apiKey); err != nil {
		h.logger.Error("failed to deactivate stream", zap.String("api_key", apiKey), zap.Error(err))
		return
	}
	if h.publisher != nil {
		h.publisher.PublishInactive(apiKey)
	}
	h.logger.Info("stream deactivated", zap.String("api_key", apiKey))
}

func (h *Handler) observeLiveKeys() {
	if h.metrics != nil {
		h.metrics.AuthenticatedKeys.Set(float64(h.registry.Count()))
	}
}

func (h *Handler) countMessage(messageType string) {
	if h.metrics == nil {
		return
	}
	switch messageType {
	case messageTypeAuth, messageTypeUpdate, messageTypePing, "malformed":
	default:
		messageType = "unknown"
	}
	h.metrics.Messages.WithLabelValues(messageType).Inc()
}

func (h *Handler) countUpdate(outcome string) {
	if h.metrics != nil {
		h.metrics.Updates.WithLabelValues(outcome).Inc()
	}
}
