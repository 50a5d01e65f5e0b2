// Package admin implements the key moderation and statistics operations of the admin API.
package admin

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/analytics"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/apperrors"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/ledger"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/registry"
	"go.uber.org/zap"
)

const (
	opServiceNew = "admin.service.new"
	opStats      = "admin.stats"
	opBlock      = "admin.block"
	opUnblock    = "admin.unblock"
	opClear      = "admin.clear"
	opDelete     = "admin.delete"

	// CloseBlocked is sent to a live socket whose key gets blocked.
	CloseBlocked = 4001
	// CloseDeleted is sent to a live socket whose key gets deleted.
	CloseDeleted = 4003

	ActionBlock   = "block"
	ActionUnblock = "unblock"
	ActionClear   = "clear"
	ActionDelete  = "delete"
)

var (
	errMissingCredentials = errors.New("credential store is required")
	errMissingLedger      = errors.New("session ledger is required")
	errMissingRegistry    = errors.New("connection registry is required")
)

// CredentialStore is the part of the credential store the admin API mutates.
type CredentialStore interface {
	Block(ctx context.Context, apiKey, reason string) (credentials.Status, error)
	Unblock(ctx context.Context, apiKey string) (credentials.Status, error)
	ListBlocked(ctx context.Context) (map[string]credentials.Status, error)
}

// Ledger is the part of the session ledger the admin API reads and mutates.
type Ledger interface {
	History(ctx context.Context) (ledger.History, error)
	OpenOrReuse(ctx context.Context, apiKey string) (ledger.Connection, bool, error)
	Finalize(ctx context.Context, connectionID string) error
	Clear(ctx context.Context, apiKey string) error
	Purge(ctx context.Context, apiKey string) error
}

// WindowResetter forgets a key's update rate window.
type WindowResetter interface {
	Reset(key string)
}

// ServiceConfig describes the dependencies of the admin service.
type ServiceConfig struct {
	Credentials CredentialStore
	Ledger      Ledger
	Registry    *registry.Registry
	Updates     WindowResetter
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service joins ledger, registry and credential data for administrators.
type Service struct {
	credentials CredentialStore
	ledger      Ledger
	registry    *registry.Registry
	updates     WindowResetter
	clock       func() time.Time
	logger      *zap.Logger
}

// ActionResult reports the outcome of a key action.
type ActionResult struct {
	APIKey       string              `json:"apiKey"`
	Action       string              `json:"action"`
	Status       *credentials.Status `json:"status,omitempty"`
	ClosedSocket bool                `json:"closedSocket"`
}

// NewService validates dependencies and constructs the admin service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Credentials == nil:
		return nil, apperrors.New(apperrors.KindValidation, opServiceNew, "missing_credentials", errMissingCredentials)
	case cfg.Ledger == nil:
		return nil, apperrors.New(apperrors.KindValidation, opServiceNew, "missing_ledger", errMissingLedger)
	case cfg.Registry == nil:
		return nil, apperrors.New(apperrors.KindValidation, opServiceNew, "missing_registry", errMissingRegistry)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		credentials: cfg.Credentials,
		ledger:      cfg.Ledger,
		registry:    cfg.Registry,
		updates:     cfg.Updates,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Stats builds the analytics report, filtering per-key rows by search.
func (s *Service) Stats(ctx context.Context, search string) (analytics.Report, error) {
	history, err := s.ledger.History(ctx)
	if err != nil {
		return analytics.Report{}, err
	}
	blocked, err := s.credentials.ListBlocked(ctx)
	if err != nil {
		return analytics.Report{}, err
	}
	live := make(map[string]bool)
	for _, apiKey := range s.registry.LiveKeys() {
		live[apiKey] = true
	}
	return analytics.Build(analytics.Input{
		History: history,
		Blocked: blocked,
		Live:    live,
		Now:     s.clock().UTC(),
		Search:  search,
	}), nil
}

// Block marks the key blocked and closes its live socket with CloseBlocked.
func (s *Service) Block(ctx context.Context, apiKey, reason string) (ActionResult, error) {
	key, err := normalizeKey(opBlock, apiKey)
	if err != nil {
		return ActionResult{}, err
	}
	unlock := s.registry.Lock(key)
	defer unlock()

	status, err := s.credentials.Block(ctx, key, reason)
	if err != nil {
		return ActionResult{}, err
	}
	closed := s.evict(ctx, key, CloseBlocked, "API key blocked", true)
	s.logger.Info("api key blocked", zap.String("api_key", key), zap.Bool("closed_socket", closed))
	return ActionResult{APIKey: key, Action: ActionBlock, Status: &status, ClosedSocket: closed}, nil
}

// Unblock clears the key's blocked flag.
func (s *Service) Unblock(ctx context.Context, apiKey string) (ActionResult, error) {
	key, err := normalizeKey(opUnblock, apiKey)
	if err != nil {
		return ActionResult{}, err
	}
	status, err := s.credentials.Unblock(ctx, key)
	if err != nil {
		return ActionResult{}, err
	}
	s.logger.Info("api key unblocked", zap.String("api_key", key))
	return ActionResult{APIKey: key, Action: ActionUnblock, Status: &status}, nil
}

// Clear deletes the key's connection history. A live socket keeps streaming on a fresh ledger row.
func (s *Service) Clear(ctx context.Context, apiKey string) (ActionResult, error) {
	key, err := normalizeKey(opClear, apiKey)
	if err != nil {
		return ActionResult{}, err
	}
	unlock := s.registry.Lock(key)
	defer unlock()

	if err := s.ledger.Clear(ctx, key); err != nil {
		return ActionResult{}, err
	}
	if entry, ok := s.registry.Get(key); ok {
		connection, _, err := s.ledger.OpenOrReuse(ctx, key)
		if err != nil {
			return ActionResult{}, err
		}
		s.registry.UpdateIfCurrent(key, entry.Socket, func(current *registry.Entry) {
			current.ConnectionID = connection.ConnectionID
			current.CurrentGameType = ""
		})
	}
	s.logger.Info("api key history cleared", zap.String("api_key", key))
	return ActionResult{APIKey: key, Action: ActionClear}, nil
}

// Delete closes the key's live socket with CloseDeleted, removes every record of the key and
// forgets its rate window.
func (s *Service) Delete(ctx context.Context, apiKey string) (ActionResult, error) {
	key, err := normalizeKey(opDelete, apiKey)
	if err != nil {
		return ActionResult{}, err
	}
	unlock := s.registry.Lock(key)
	defer unlock()

	closed := s.evict(ctx, key, CloseDeleted, "API key deleted", false)
	if err := s.ledger.Purge(ctx, key); err != nil {
		return ActionResult{}, err
	}
	if s.updates != nil {
		s.updates.Reset(key)
	}
	s.logger.Info("api key deleted", zap.String("api_key", key), zap.Bool("closed_socket", closed))
	return ActionResult{APIKey: key, Action: ActionDelete, ClosedSocket: closed}, nil
}

// evict removes and closes the key's live socket. The caller holds the key lock.
func (s *Service) evict(ctx context.Context, key string, code int, reason string, finalize bool) bool {
	entry, ok := s.registry.Remove(key)
	if !ok {
		return false
	}
	entry.Socket.Close(code, reason)
	if finalize {
		if err := s.ledger.Finalize(ctx, entry.ConnectionID); err != nil {
			s.logger.Error("failed to finalize evicted connection",
				zap.String("api_key", key),
				zap.String("connection_id", entry.ConnectionID),
				zap.Error(err),
			)
		}
	}
	return true
}

func normalizeKey(operation, apiKey string) (string, error) {
	key, err := credentials.NormalizeKey(apiKey)
	if err != nil {
		return "", apperrors.New(apperrors.KindValidation, operation, "invalid_key", err)
	}
	return key, nil
}
