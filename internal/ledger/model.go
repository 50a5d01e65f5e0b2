package ledger

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
	"gorm.io/datatypes"
)

// Connection is one broadcaster socket-attachment lifetime.
// At most one row per api_key has a NULL disconnected_at.
type Connection struct {
	ConnectionID     string         `gorm:"column:connection_id;primaryKey;size:190;not null"`
	APIKey           string         `gorm:"column:api_key;size:190;not null;index:idx_connections_api_key;uniqueIndex:idx_connections_open_key,where:disconnected_at IS NULL"`
	ConnectedAt      time.Time      `gorm:"column:connected_at;not null;index"`
	DisconnectedAt   *time.Time     `gorm:"column:disconnected_at"`
	DurationSeconds  *int64         `gorm:"column:duration_seconds"`
	GameType         string         `gorm:"column:game_type;size:32;not null;default:''"`
	StreamURL        string         `gorm:"column:stream_url;size:500;not null;default:''"`
	UsedScoreDisplay bool           `gorm:"column:used_score_display;not null"`
	UsedBallTracker  bool           `gorm:"column:used_ball_tracker;not null"`
	UsedShotClock    bool           `gorm:"column:used_shot_clock;not null"`
	TotalUpdates     int64          `gorm:"column:total_updates;not null"`
	FeatureSnapshot  datatypes.JSON `gorm:"column:feature_snapshot"`
	LastUpdateAt     time.Time      `gorm:"column:last_update_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Connection) TableName() string {
	return "connections"
}

// IsOpen reports whether the connection has not been finalized.
func (c Connection) IsOpen() bool {
	return c.DisconnectedAt == nil
}

// Features decodes the latest feature snapshot. A missing or unreadable blob yields ok=false.
func (c Connection) Features() (scoreboard.Features, bool) {
	if len(c.FeatureSnapshot) == 0 {
		return scoreboard.Features{}, false
	}
	var features scoreboard.Features
	if err := json.Unmarshal(c.FeatureSnapshot, &features); err != nil {
		return scoreboard.Features{}, false
	}
	return features, true
}

// GameTypeUsage counts how often a connection switched to a game type.
type GameTypeUsage struct {
	ID           uint   `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID string `gorm:"column:connection_id;size:190;not null;uniqueIndex:idx_game_type_usage_connection_type,priority:1"`
	GameType     string `gorm:"column:game_type;size:32;not null;uniqueIndex:idx_game_type_usage_connection_type,priority:2"`
	ChangeCount  int64  `gorm:"column:change_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (GameTypeUsage) TableName() string {
	return "game_type_usage"
}

// Update is the ledger-relevant part of one accepted scoreboard update.
type Update struct {
	GameType  string
	StreamURL string
	Features  scoreboard.Features
	At        time.Time
}

// UpdateFromState extracts the ledger fields from a sanitized state.
func UpdateFromState(state scoreboard.State) Update {
	return Update{
		GameType:  state.GameType,
		StreamURL: state.StreamURL,
		Features:  state.Features(),
		At:        state.Timestamp,
	}
}

// History is the full ledger content consumed by analytics.
type History struct {
	Connections []Connection
	Usage       []GameTypeUsage
}
