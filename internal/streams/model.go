package streams

import (
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
)

// Record is the last-known scoreboard snapshot of one API key.
type Record struct {
	APIKey         string    `gorm:"column:api_key;primaryKey;size:190;not null"`
	Player1Name    string    `gorm:"column:player1_name;size:100;not null;default:''"`
	Player2Name    string    `gorm:"column:player2_name;size:100;not null;default:''"`
	Player1Enabled bool      `gorm:"column:player1_enabled;not null"`
	Player2Enabled bool      `gorm:"column:player2_enabled;not null"`
	ScoreDisplay   bool      `gorm:"column:score_display_enabled;not null"`
	BallTracker    bool      `gorm:"column:ball_tracker_enabled;not null"`
	ShotClock      bool      `gorm:"column:shot_clock_enabled;not null"`
	BreakingPlayer bool      `gorm:"column:breaking_player_enabled;not null"`
	BallType       string    `gorm:"column:ball_type;size:100;not null;default:''"`
	Player1Score   int       `gorm:"column:p1_score;not null"`
	Player2Score   int       `gorm:"column:p2_score;not null"`
	GameType       string    `gorm:"column:game_type;size:32;not null;default:''"`
	RaceInfo       string    `gorm:"column:race_info;size:100;not null;default:''"`
	GameInfo       string    `gorm:"column:game_info;size:100;not null;default:''"`
	StreamURL      string    `gorm:"column:stream_url;size:500;not null;default:''"`
	IsActive       bool      `gorm:"column:is_active;not null;index:idx_stream_states_active,priority:1"`
	LastUpdated    time.Time `gorm:"column:last_updated;not null;index:idx_stream_states_active,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "stream_states"
}

// Snapshot is the public read model served to viewers.
type Snapshot struct {
	ID string `json:"id"`
	scoreboard.State
	IsActive    bool      `json:"isActive"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func newRecord(apiKey string, state scoreboard.State) Record {
	return Record{
		APIKey:         apiKey,
		Player1Name:    state.Player1Name,
		Player2Name:    state.Player2Name,
		Player1Enabled: state.Player1Enabled,
		Player2Enabled: state.Player2Enabled,
		ScoreDisplay:   state.ScoreDisplay,
		BallTracker:    state.BallTracker,
		ShotClock:      state.ShotClock,
		BreakingPlayer: state.BreakingPlayer,
		BallType:       state.BallType,
		Player1Score:   state.Player1Score,
		Player2Score:   state.Player2Score,
		GameType:       state.GameType,
		RaceInfo:       state.RaceInfo,
		GameInfo:       state.GameInfo,
		StreamURL:      state.StreamURL,
		IsActive:       true,
		LastUpdated:    state.Timestamp,
	}
}

func (r Record) snapshot() Snapshot {
	return Snapshot{
		ID: r.APIKey,
		State: scoreboard.State{
			Player1Name:    r.Player1Name,
			Player2Name:    r.Player2Name,
			Player1Enabled: r.Player1Enabled,
			Player2Enabled: r.Player2Enabled,
			Player1Score:   r.Player1Score,
			Player2Score:   r.Player2Score,
			GameType:       r.GameType,
			RaceInfo:       r.RaceInfo,
			GameInfo:       r.GameInfo,
			StreamURL:      r.StreamURL,
			ScoreDisplay:   r.ScoreDisplay,
			BallTracker:    r.BallTracker,
			ShotClock:      r.ShotClock,
			BreakingPlayer: r.BreakingPlayer,
			BallType:       r.BallType,
			Timestamp:      r.LastUpdated.UTC(),
		},
		IsActive:    r.IsActive,
		LastUpdated: r.LastUpdated.UTC(),
	}
}
