package credentials

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testAPIKey = "abcd1234abcd1234"

func newTestService(t *testing.T, now time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "credentials.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&APIKey{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestStatusOfUnknownKeyIsUnblocked(t *testing.T) {
	service := newTestService(t, time.Unix(1700000000, 0))

	status, err := service.Status(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.IsBlocked {
		t.Fatalf("expected fresh key to be unblocked")
	}
	if status.CreatedAt != nil {
		t.Fatalf("expected unknown key to have no creation time, got %v", status.CreatedAt)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	now := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	service := newTestService(t, now)
	ctx := context.Background()

	status, err := service.Block(ctx, testAPIKey, "abusive stream title")
	if err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if !status.IsBlocked || status.BlockedReason != "abusive stream title" {
		t.Fatalf("unexpected blocked status: %#v", status)
	}
	if status.BlockedAt == nil || !status.BlockedAt.Equal(now) {
		t.Fatalf("expected blocked_at %v, got %v", now, status.BlockedAt)
	}

	blocked, err := service.ListBlocked(ctx)
	if err != nil {
		t.Fatalf("list blocked failed: %v", err)
	}
	if _, ok := blocked[testAPIKey]; !ok || len(blocked) != 1 {
		t.Fatalf("expected exactly the blocked key, got %#v", blocked)
	}

	status, err = service.Unblock(ctx, testAPIKey)
	if err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if status.IsBlocked || status.BlockedReason != "" || status.BlockedAt != nil {
		t.Fatalf("expected cleared block state, got %#v", status)
	}
	if status.CreatedAt == nil {
		t.Fatalf("expected key row to exist after admin action")
	}
}

func TestBlockWithoutReasonUsesDefault(t *testing.T) {
	service := newTestService(t, time.Unix(1700000000, 0))

	status, err := service.Block(context.Background(), testAPIKey, "   ")
	if err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if status.BlockedReason != DefaultBlockReason {
		t.Fatalf("expected default reason, got %q", status.BlockedReason)
	}
}

func TestEnsureKeepsExistingBlock(t *testing.T) {
	service := newTestService(t, time.Unix(1700000000, 0))
	ctx := context.Background()

	if _, err := service.Block(ctx, testAPIKey, "spam"); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if err := service.Ensure(ctx, testAPIKey); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	status, err := service.Status(ctx, testAPIKey)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.IsBlocked {
		t.Fatalf("ensure must not reset an existing block")
	}
}

func TestIsBroadcasterKey(t *testing.T) {
	tests := map[string]bool{
		"abcd1234abcd1234":     true,
		"ABCDEF0123456789abcd": true,
		"abcd1234abcd123":      false,
		"abcd1234abcd123z":     false,
		"":                     false,
	}
	for input, want := range tests {
		if got := IsBroadcasterKey(input); got != want {
			t.Fatalf("IsBroadcasterKey(%q) = %v, want %v", input, got, want)
		}
	}
}
