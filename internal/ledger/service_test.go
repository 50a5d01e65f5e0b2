package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/apperrors"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/streams"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testAPIKey = "abcd1234abcd1234"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testFixture struct {
	db      *gorm.DB
	clock   *testClock
	ledger  *Service
	streams *streams.Service
	keys    *credentials.Service
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&credentials.APIKey{}, &streams.Record{}, &Connection{}, &GameTypeUsage{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
	ledgerService, err := NewService(ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	streamService, err := streams.NewService(streams.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create streams: %v", err)
	}
	keyService, err := credentials.NewService(credentials.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create credentials: %v", err)
	}
	return &testFixture{db: db, clock: clock, ledger: ledgerService, streams: streamService, keys: keyService}
}

func TestOpenOrReuseKeepsSingleOpenRowUnderConcurrency(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()

	const attempts = 16
	ids := make([]string, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			connection, _, err := fixture.ledger.OpenOrReuse(ctx, testAPIKey)
			ids[index] = connection.ConnectionID
			errs[index] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected every attempt to share connection %q, got %q", ids[0], ids[i])
		}
	}
	count, err := fixture.ledger.OpenCount(ctx, testAPIKey)
	if err != nil {
		t.Fatalf("open count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one open connection, got %d", count)
	}
	status, err := fixture.keys.Status(ctx, testAPIKey)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.CreatedAt == nil {
		t.Fatalf("expected credential row to be created lazily")
	}
}

func TestOpenOrReuseAfterFinalizeStartsNewConnection(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()

	first, reused, err := fixture.ledger.OpenOrReuse(ctx, testAPIKey)
	if err != nil || reused {
		t.Fatalf("expected fresh connection, reused=%v err=%v", reused, err)
	}
	if !strings.HasPrefix(first.ConnectionID, testAPIKey[:8]+"-") {
		t.Fatalf("unexpected connection id %q", first.ConnectionID)
	}

	fixture.clock.Advance(90 * time.Second)
	if err := fixture.ledger.Finalize(ctx, first.ConnectionID); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := fixture.ledger.Finalize(ctx, first.ConnectionID); err != nil {
		t.Fatalf("second finalize must be a no-op: %v", err)
	}

	second, reused, err := fixture.ledger.OpenOrReuse(ctx, testAPIKey)
	if err != nil || reused {
		t.Fatalf("expected new connection after finalize, reused=%v err=%v", reused, err)
	}
	if second.ConnectionID == first.ConnectionID {
		t.Fatalf("expected a distinct connection id")
	}

	history, err := fixture.ledger.History(ctx)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history.Connections) != 2 {
		t.Fatalf("expected two connections, got %d", len(history.Connections))
	}
	finalized := history.Connections[0]
	if finalized.DurationSeconds == nil || *finalized.DurationSeconds != 90 {
		t.Fatalf("expected duration of 90s, got %v", finalized.DurationSeconds)
	}
	if finalized.DisconnectedAt == nil {
		t.Fatalf("expected disconnected_at to be set")
	}
}

func TestRecordUpdateTracksFeaturesAndGameTypes(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()

	connection, _, err := fixture.ledger.OpenOrReuse(ctx, testAPIKey)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	updates := []struct {
		gameType string
		changed  bool
		features scoreboard.Features
	}{
		{gameType: "8ball", changed: true, features: scoreboard.Features{ScoreDisplay: true}},
		{gameType: "8ball", changed: false, features: scoreboard.Features{ScoreDisplay: true, ShotClock: true}},
		{gameType: "9ball", changed: true, features: scoreboard.Features{BallType: "american"}},
		{gameType: "8ball", changed: true, features: scoreboard.Features{BallType: "american"}},
	}
	for _, update := range updates {
		err := fixture.ledger.RecordUpdate(ctx, connection.ConnectionID, Update{
			GameType:  update.gameType,
			StreamURL: "https://twitch.tv/cuesports",
			Features:  update.features,
			At:        fixture.clock.Now(),
		}, update.changed)
		if err != nil {
			t.Fatalf("record update failed: %v", err)
		}
	}

	history, err := fixture.ledger.History(ctx)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	stored := history.Connections[0]
	if stored.TotalUpdates != 4 {
		t.Fatalf("expected 4 updates, got %d", stored.TotalUpdates)
	}
	if !stored.UsedScoreDisplay || !stored.UsedShotClock || stored.UsedBallTracker {
		t.Fatalf("unexpected usage flags: %#v", stored)
	}
	features, ok := stored.Features()
	if !ok || features.BallType != "american" || features.ScoreDisplay {
		t.Fatalf("expected latest feature snapshot, got %#v ok=%v", features, ok)
	}

	counts := map[string]int64{}
	for _, usage := range history.Usage {
		counts[usage.GameType] = usage.ChangeCount
	}
	if counts["8ball"] != 2 || counts["9ball"] != 1 {
		t.Fatalf("unexpected game type counts: %#v", counts)
	}
}

func TestRecordUpdateOnMissingConnection(t *testing.T) {
	fixture := newFixture(t)

	err := fixture.ledger.RecordUpdate(context.Background(), "missing", Update{GameType: "8ball"}, true)
	if !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
	if apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Fatalf("expected not_found kind, got %s", apperrors.KindOf(err))
	}
}

func TestClearRemovesOnlyTheKeysHistory(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	const otherKey = "ffff0000ffff0000"

	for _, key := range []string{testAPIKey, otherKey} {
		connection, _, err := fixture.ledger.OpenOrReuse(ctx, key)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if err := fixture.ledger.RecordUpdate(ctx, connection.ConnectionID, Update{GameType: "8ball"}, true); err != nil {
			t.Fatalf("record update failed: %v", err)
		}
	}

	if err := fixture.ledger.Clear(ctx, testAPIKey); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	history, err := fixture.ledger.History(ctx)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history.Connections) != 1 || history.Connections[0].APIKey != otherKey {
		t.Fatalf("expected only the other key's connection, got %#v", history.Connections)
	}
	if len(history.Usage) != 1 {
		t.Fatalf("expected only the other key's usage, got %#v", history.Usage)
	}
}

func TestPurgeCascadesAndResetsStatus(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()

	connection, _, err := fixture.ledger.OpenOrReuse(ctx, testAPIKey)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := fixture.ledger.RecordUpdate(ctx, connection.ConnectionID, Update{GameType: "8ball"}, true); err != nil {
		t.Fatalf("record update failed: %v", err)
	}
	state := scoreboard.Sanitize(map[string]any{"p1Score": 3}, fixture.clock.Now())
	if err := fixture.streams.Upsert(ctx, testAPIKey, state); err != nil {
		t.Fatalf("stream upsert failed: %v", err)
	}
	if _, err := fixture.keys.Block(ctx, testAPIKey, "spam"); err != nil {
		t.Fatalf("block failed: %v", err)
	}

	if err := fixture.ledger.Purge(ctx, testAPIKey); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	for _, model := range []any{&Connection{}, &GameTypeUsage{}, &streams.Record{}, &credentials.APIKey{}} {
		var count int64
		if err := fixture.db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected %T rows to be deleted, found %d", model, count)
		}
	}
	status, err := fixture.keys.Status(ctx, testAPIKey)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.IsBlocked || status.CreatedAt != nil {
		t.Fatalf("expected fresh unblocked key, got %#v", status)
	}
}
