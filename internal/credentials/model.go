package credentials

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxAPIKeyLength = 190

var (
	// ErrInvalidAPIKey indicates that a key is empty or exceeds storage bounds.
	ErrInvalidAPIKey = errors.New("credentials: invalid api key")

	broadcasterKeyPattern = regexp.MustCompile(`(?i)^[a-f0-9]{16,}$`)
)

// APIKey is the persisted status of a broadcaster credential.
type APIKey struct {
	Key           string     `gorm:"column:api_key;primaryKey;size:190;not null"`
	IsBlocked     bool       `gorm:"column:is_blocked;not null;default:false;index"`
	BlockedReason *string    `gorm:"column:blocked_reason;size:500"`
	BlockedAt     *time.Time `gorm:"column:blocked_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (APIKey) TableName() string {
	return "api_keys"
}

// Status is the read model of an API key; unknown keys report the zero Status.
type Status struct {
	APIKey        string     `json:"apiKey"`
	IsBlocked     bool       `json:"isBlocked"`
	BlockedReason string     `json:"blockedReason,omitempty"`
	BlockedAt     *time.Time `json:"blockedAt,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
}

func (record APIKey) status() Status {
	status := Status{
		APIKey:    record.Key,
		IsBlocked: record.IsBlocked,
		BlockedAt: record.BlockedAt,
	}
	if record.BlockedReason != nil {
		status.BlockedReason = *record.BlockedReason
	}
	if !record.CreatedAt.IsZero() {
		createdAt := record.CreatedAt
		status.CreatedAt = &createdAt
	}
	return status
}

// NormalizeKey trims the raw key and checks storage bounds. Any non-empty string is accepted.
func NormalizeKey(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAPIKey)
	}
	if len(trimmed) > maxAPIKeyLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAPIKey, maxAPIKeyLength)
	}
	return trimmed, nil
}

// IsBroadcasterKey reports whether raw has the shape overlays generate: at least 16 hex characters.
func IsBroadcasterKey(raw string) bool {
	return len(raw) <= maxAPIKeyLength && broadcasterKeyPattern.MatchString(raw)
}
