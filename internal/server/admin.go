package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/admin"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	loginResultSuccess  = "success"
	loginResultDenied   = "denied"
	loginResultLimited  = "rate_limited"
	loginResultRejected = "invalid_password"
)

type loginRequestPayload struct {
	Password string `json:"password"`
}

type refreshRequestPayload struct {
	RefreshToken string `json:"refreshToken"`
}

type keyActionPayload struct {
	APIKey string `json:"apiKey"`
	Reason string `json:"reason"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	ip := h.clientIP(c)
	if h.whitelist != nil && !h.whitelist.Allowed(c.Request.Context(), ip) {
		h.audit.Warn("admin login denied by whitelist",
			zap.String("event", "access_denied"),
			zap.String("ip", ip),
		)
		h.countLogin(loginResultDenied)
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if !h.loginLimiter.Allow(ip) {
		h.audit.Warn("admin login rate limited",
			zap.String("event", "rate_limit"),
			zap.String("ip", ip),
		)
		h.countLogin(loginResultLimited)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.passwords.Verify(request.Password); err != nil {
		h.audit.Warn("admin login failed",
			zap.String("event", "failed_login"),
			zap.String("ip", ip),
		)
		h.countLogin(loginResultRejected)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	tokens, err := h.tokens.Login(ip, c.Request.UserAgent())
	if err != nil {
		h.logger.Error("failed to issue admin tokens", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	h.countLogin(loginResultSuccess)
	h.logger.Info("admin logged in", zap.String("ip", ip))
	c.JSON(http.StatusOK, tokens)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	var request refreshRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.RefreshToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ip := h.clientIP(c)
	grant, err := h.tokens.Refresh(strings.TrimSpace(request.RefreshToken), ip)
	if err != nil {
		h.logTokenFailure("token refresh failed", ip, err)
		c.JSON(tokenFailureStatus(err), gin.H{"error": "unauthorized", "code": tokenErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	token, err := bearerToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	revoked := h.tokens.Revoke(token)
	c.JSON(http.StatusOK, gin.H{"success": true, "revoked": revoked})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	report, err := h.admin.Stats(c.Request.Context(), c.Query("search"))
	if err != nil {
		h.respondServiceError(c, "failed to build stats", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleKeyAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request keyActionPayload
		if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		ctx := c.Request.Context()
		var (
			result admin.ActionResult
			err    error
		)
		switch action {
		case admin.ActionBlock:
			result, err = h.admin.Block(ctx, request.APIKey, request.Reason)
		case admin.ActionUnblock:
			result, err = h.admin.Unblock(ctx, request.APIKey)
		case admin.ActionClear:
			result, err = h.admin.Clear(ctx, request.APIKey)
		default:
			result, err = h.admin.Delete(ctx, request.APIKey)
		}
		if err != nil {
			h.respondServiceError(c, "admin action failed", err)
			return
		}
		if h.metrics != nil {
			h.metrics.Actions.WithLabelValues(action).Inc()
		}
		h.audit.Info("admin key action",
			zap.String("event", "admin_action"),
			zap.String("action", action),
			zap.String("api_key", result.APIKey),
			zap.String("session_id", c.GetString(adminSessionContextKey)),
			zap.String("ip", h.clientIP(c)),
		)
		c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := bearerToken(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	ip := h.clientIP(c)
	claims, err := h.tokens.Verify(token, ip)
	if err != nil {
		h.logTokenFailure("token validation failed", ip, err)
		c.AbortWithStatusJSON(tokenFailureStatus(err), gin.H{"error": "unauthorized", "code": tokenErrorCode(err)})
		return
	}
	c.Set(adminSessionContextKey, claims.SessionID)
	c.Next()
}

// logTokenFailure logs routine expiry at info level and everything else to the audit trail.
func (h *httpHandler) logTokenFailure(message, ip string, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrSessionExpired):
		h.logger.Info(message, zap.String("ip", ip), zap.Error(err))
	case errors.Is(err, auth.ErrIPMismatch):
		h.audit.Warn(message,
			zap.String("event", "ip_mismatch"),
			zap.String("ip", ip),
			zap.Error(err),
		)
	default:
		h.audit.Warn(message,
			zap.String("event", "invalid_token"),
			zap.String("ip", ip),
			zap.Error(err),
		)
	}
}

func (h *httpHandler) countLogin(result string) {
	if h.metrics != nil {
		h.metrics.LoginAttempts.WithLabelValues(result).Inc()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errInvalidAuthorization
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errInvalidAuthorization
	}
	return token, nil
}

func tokenFailureStatus(err error) int {
	if errors.Is(err, auth.ErrIPMismatch) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func tokenErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, auth.ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, auth.ErrSessionExpired):
		return "SESSION_EXPIRED"
	case errors.Is(err, auth.ErrWrongTokenType):
		return "WRONG_TOKEN_TYPE"
	case errors.Is(err, auth.ErrIPMismatch):
		return "IP_MISMATCH"
	default:
		return "INVALID_TOKEN"
	}
}
