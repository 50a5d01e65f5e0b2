// Package analytics turns connection history into the admin dashboard payload.
package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/ledger"
)

const (
	StatusLive     = "live"
	StatusInactive = "inactive"
	StatusBlocked  = "blocked"

	FeatureScoreDisplay   = "scoreDisplay"
	FeatureBallTracker    = "ballTracker"
	FeatureShotClock      = "shotClock"
	FeatureBreakingPlayer = "breakingPlayer"

	topListSize  = 5
	hourlyBucket = 24
)

// Input is everything a report is computed from.
type Input struct {
	History ledger.History
	Blocked map[string]credentials.Status
	// Live holds the keys with an open socket in the registry.
	Live   map[string]bool
	Now    time.Time
	Search string
}

// FeatureCounts counts connections that used each feature.
type FeatureCounts struct {
	ScoreDisplay   int `json:"scoreDisplay"`
	BallTracker    int `json:"ballTracker"`
	ShotClock      int `json:"shotClock"`
	BreakingPlayer int `json:"breakingPlayer"`
}

// KeyStats summarizes one API key.
type KeyStats struct {
	APIKey                 string           `json:"apiKey"`
	Status                 string           `json:"status"`
	BlockedReason          string           `json:"blockedReason,omitempty"`
	TotalConnections       int              `json:"totalConnections"`
	CompletedConnections   int              `json:"completedConnections"`
	TotalUpdates           int64            `json:"totalUpdates"`
	LongestDurationSeconds int64            `json:"longestDurationSeconds"`
	AverageDurationSeconds float64          `json:"averageDurationSeconds"`
	TotalDurationSeconds   int64            `json:"totalDurationSeconds"`
	GameTypes              map[string]int64 `json:"gameTypes"`
	Features               FeatureCounts    `json:"features"`
	BallTypes              map[string]int   `json:"ballTypes"`
	LatestStreamURL        string           `json:"latestStreamUrl"`
	LastSeen               *time.Time       `json:"lastSeen,omitempty"`

	latestURLAt time.Time
}

// RankedKey is one entry of a top list.
type RankedKey struct {
	APIKey string `json:"apiKey"`
	Value  int64  `json:"value"`
}

// HourBucket counts sessions started within one hour.
type HourBucket struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// Global is the rollup across every key.
type Global struct {
	TotalConnections       int                `json:"totalConnections"`
	CompletedConnections   int                `json:"completedConnections"`
	AverageDurationSeconds float64            `json:"averageDurationSeconds"`
	LongestDurationSeconds int64              `json:"longestDurationSeconds"`
	TotalDurationSeconds   int64              `json:"totalDurationSeconds"`
	LiveConnections        int                `json:"liveConnections"`
	UniqueKeys             int                `json:"uniqueKeys"`
	BlockedKeys            int                `json:"blockedKeys"`
	FeatureAdoption        map[string]float64 `json:"featureAdoption"`
	TopBySessions          []RankedKey        `json:"topBySessions"`
	TopByDuration          []RankedKey        `json:"topByDuration"`
	PeakConcurrency        Peak               `json:"peakConcurrency"`
	HourlyStarts           []HourBucket       `json:"hourlyStarts"`
}

// Report is the admin stats payload.
type Report struct {
	Keys        []KeyStats `json:"keys"`
	Global      Global     `json:"global"`
	GeneratedAt time.Time  `json:"generatedAt"`
}

// Build computes the report. It does not touch storage.
func Build(in Input) Report {
	now := in.Now.UTC()
	gameTypesByConnection := make(map[string]map[string]int64)
	for _, usage := range in.History.Usage {
		counts, ok := gameTypesByConnection[usage.ConnectionID]
		if !ok {
			counts = make(map[string]int64)
			gameTypesByConnection[usage.ConnectionID] = counts
		}
		counts[usage.GameType] += usage.ChangeCount
	}

	keys := make(map[string]*KeyStats)
	keyStats := func(apiKey string) *KeyStats {
		stats, ok := keys[apiKey]
		if !ok {
			stats = &KeyStats{
				APIKey:    apiKey,
				GameTypes: make(map[string]int64),
				BallTypes: make(map[string]int),
			}
			keys[apiKey] = stats
		}
		return stats
	}

	global := Global{FeatureAdoption: make(map[string]float64)}
	var (
		adoption  FeatureCounts
		intervals = make([]Interval, 0, len(in.History.Connections))
	)
	for _, connection := range in.History.Connections {
		stats := keyStats(connection.APIKey)
		stats.TotalConnections++
		stats.TotalUpdates += connection.TotalUpdates
		global.TotalConnections++

		if connection.DurationSeconds != nil {
			duration := *connection.DurationSeconds
			stats.CompletedConnections++
			stats.TotalDurationSeconds += duration
			if duration > stats.LongestDurationSeconds {
				stats.LongestDurationSeconds = duration
			}
			global.CompletedConnections++
			global.TotalDurationSeconds += duration
			if duration > global.LongestDurationSeconds {
				global.LongestDurationSeconds = duration
			}
		}

		for gameType, count := range gameTypesByConnection[connection.ConnectionID] {
			stats.GameTypes[gameType] += count
		}

		used := connectionFeatures(connection)
		stats.Features.add(used)
		adoption.add(used)
		if features, ok := connection.Features(); ok && features.BallType != "" {
			stats.BallTypes[features.BallType]++
		}

		if connection.StreamURL != "" && !connection.LastUpdateAt.Before(stats.latestURLAt) {
			stats.LatestStreamURL = connection.StreamURL
			stats.latestURLAt = connection.LastUpdateAt
		}
		seen := lastSeen(connection)
		if stats.LastSeen == nil || seen.After(*stats.LastSeen) {
			stats.LastSeen = &seen
		}

		intervals = append(intervals, connectionInterval(connection, in.Live[connection.APIKey], now))
	}

	for apiKey, status := range in.Blocked {
		stats := keyStats(apiKey)
		stats.BlockedReason = status.BlockedReason
	}

	list := make([]KeyStats, 0, len(keys))
	for apiKey, stats := range keys {
		switch {
		case in.Blocked[apiKey].IsBlocked:
			stats.Status = StatusBlocked
			global.BlockedKeys++
		case in.Live[apiKey]:
			stats.Status = StatusLive
		default:
			stats.Status = StatusInactive
		}
		if stats.CompletedConnections > 0 {
			stats.AverageDurationSeconds = float64(stats.TotalDurationSeconds) / float64(stats.CompletedConnections)
		}
		list = append(list, *stats)
	}
	for _, live := range in.Live {
		if live {
			global.LiveConnections++
		}
	}
	global.UniqueKeys = len(keys)

	if global.CompletedConnections > 0 {
		global.AverageDurationSeconds = float64(global.TotalDurationSeconds) / float64(global.CompletedConnections)
	}
	global.FeatureAdoption[FeatureScoreDisplay] = percentage(adoption.ScoreDisplay, global.TotalConnections)
	global.FeatureAdoption[FeatureBallTracker] = percentage(adoption.BallTracker, global.TotalConnections)
	global.FeatureAdoption[FeatureShotClock] = percentage(adoption.ShotClock, global.TotalConnections)
	global.FeatureAdoption[FeatureBreakingPlayer] = percentage(adoption.BreakingPlayer, global.TotalConnections)
	global.TopBySessions = topKeys(list, func(stats KeyStats) int64 { return int64(stats.TotalConnections) })
	global.TopByDuration = topKeys(list, func(stats KeyStats) int64 { return stats.TotalDurationSeconds })
	global.PeakConcurrency = PeakConcurrency(intervals)
	global.HourlyStarts = hourlyStarts(in.History.Connections, now)

	sort.Slice(list, func(i, j int) bool {
		left, right := list[i].LastSeen, list[j].LastSeen
		switch {
		case left == nil && right == nil:
			return list[i].APIKey < list[j].APIKey
		case left == nil:
			return false
		case right == nil:
			return true
		case left.Equal(*right):
			return list[i].APIKey < list[j].APIKey
		default:
			return left.After(*right)
		}
	})

	return Report{Keys: Filter(list, in.Search), Global: global, GeneratedAt: now}
}

// Filter keeps the rows whose key or latest stream URL contains search, case-insensitively.
func Filter(rows []KeyStats, search string) []KeyStats {
	needle := strings.ToLower(strings.TrimSpace(search))
	if needle == "" {
		return rows
	}
	filtered := make([]KeyStats, 0, len(rows))
	for _, row := range rows {
		if strings.Contains(strings.ToLower(row.APIKey), needle) ||
			strings.Contains(strings.ToLower(row.LatestStreamURL), needle) {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

func (c *FeatureCounts) add(used FeatureCounts) {
	c.ScoreDisplay += used.ScoreDisplay
	c.BallTracker += used.BallTracker
	c.ShotClock += used.ShotClock
	c.BreakingPlayer += used.BreakingPlayer
}

// connectionFeatures reports, as 0/1 counts, which features a connection used:
// the ever-used flag or the latest feature snapshot.
func connectionFeatures(connection ledger.Connection) FeatureCounts {
	snapshot, _ := connection.Features()
	return FeatureCounts{
		ScoreDisplay:   flag(connection.UsedScoreDisplay || snapshot.ScoreDisplay),
		BallTracker:    flag(connection.UsedBallTracker || snapshot.BallTracker),
		ShotClock:      flag(connection.UsedShotClock || snapshot.ShotClock),
		BreakingPlayer: flag(snapshot.BreakingPlayer),
	}
}

func flag(value bool) int {
	if value {
		return 1
	}
	return 0
}

func lastSeen(connection ledger.Connection) time.Time {
	seen := connection.LastUpdateAt
	if connection.DisconnectedAt != nil && connection.DisconnectedAt.After(seen) {
		seen = *connection.DisconnectedAt
	}
	return seen.UTC()
}

// connectionInterval closes open connections at now when the key is live, at the last update otherwise.
func connectionInterval(connection ledger.Connection, live bool, now time.Time) Interval {
	interval := Interval{Start: connection.ConnectedAt}
	switch {
	case connection.DisconnectedAt != nil:
		interval.End = *connection.DisconnectedAt
	case live:
		interval.End = now
	default:
		interval.End = connection.LastUpdateAt
	}
	return interval
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}

func topKeys(rows []KeyStats, value func(KeyStats) int64) []RankedKey {
	ranked := make([]RankedKey, 0, len(rows))
	for _, row := range rows {
		if v := value(row); v > 0 {
			ranked = append(ranked, RankedKey{APIKey: row.APIKey, Value: v})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Value == ranked[j].Value {
			return ranked[i].APIKey < ranked[j].APIKey
		}
		return ranked[i].Value > ranked[j].Value
	})
	if len(ranked) > topListSize {
		ranked = ranked[:topListSize]
	}
	return ranked
}

func hourlyStarts(connections []ledger.Connection, now time.Time) []HourBucket {
	current := now.Truncate(time.Hour)
	first := current.Add(-(hourlyBucket - 1) * time.Hour)
	buckets := make([]HourBucket, hourlyBucket)
	for i := range buckets {
		buckets[i].Hour = first.Add(time.Duration(i) * time.Hour)
	}
	for _, connection := range connections {
		started := connection.ConnectedAt.UTC()
		if started.Before(first) || !started.Before(current.Add(time.Hour)) {
			continue
		}
		buckets[int(started.Sub(first)/time.Hour)].Count++
	}
	return buckets
}
