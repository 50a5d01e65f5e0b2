package scoreboard

import "time"

const (
	// MaxTextLength bounds names, race/game info and ball type, in characters.
	MaxTextLength = 100
	// MaxURLLength bounds the stream URL, in characters.
	MaxURLLength = 500
	// MaxGameTypeLength bounds the game type token, in characters.
	MaxGameTypeLength = 32
	// MaxScore is the largest score a player can show.
	MaxScore = 999
)

// Features captures the overlay feature toggles that the ledger snapshots per connection.
type Features struct {
	ScoreDisplay   bool   `json:"scoreDisplay"`
	BallTracker    bool   `json:"ballTracker"`
	ShotClock      bool   `json:"shotClock"`
	BreakingPlayer bool   `json:"breakingPlayer"`
	BallType       string `json:"ballType"`
}

// DefaultFeatures returns the feature set assumed before the first update arrives.
func DefaultFeatures() Features {
	return Features{ScoreDisplay: true}
}

// State is the canonical, sanitized scoreboard snapshot.
type State struct {
	Player1Name    string    `json:"p1Name"`
	Player2Name    string    `json:"p2Name"`
	Player1Enabled bool      `json:"p1Enabled"`
	Player2Enabled bool      `json:"p2Enabled"`
	Player1Score   int       `json:"p1Score"`
	Player2Score   int       `json:"p2Score"`
	GameType       string    `json:"gameType"`
	RaceInfo       string    `json:"raceInfo"`
	GameInfo       string    `json:"gameInfo"`
	StreamURL      string    `json:"streamUrl"`
	ScoreDisplay   bool      `json:"scoreDisplay"`
	BallTracker    bool      `json:"ballTracker"`
	ShotClock      bool      `json:"shotClock"`
	BreakingPlayer bool      `json:"breakingPlayer"`
	BallType       string    `json:"ballType"`
	Timestamp      time.Time `json:"timestamp"`
}

// Features extracts the feature toggles of the state.
func (s State) Features() Features {
	return Features{
		ScoreDisplay:   s.ScoreDisplay,
		BallTracker:    s.BallTracker,
		ShotClock:      s.ShotClock,
		BreakingPlayer: s.BreakingPlayer,
		BallType:       s.BallType,
	}
}

// Fields renders the state as a loose payload keyed by the canonical field names.
func (s State) Fields() map[string]any {
	return map[string]any{
		keyPlayer1Name:    s.Player1Name,
		keyPlayer2Name:    s.Player2Name,
		keyPlayer1Enabled: s.Player1Enabled,
		keyPlayer2Enabled: s.Player2Enabled,
		keyPlayer1Score:   s.Player1Score,
		keyPlayer2Score:   s.Player2Score,
		keyGameType:       s.GameType,
		keyRaceInfo:       s.RaceInfo,
		keyGameInfo:       s.GameInfo,
		keyStreamURL:      s.StreamURL,
		keyScoreDisplay:   s.ScoreDisplay,
		keyBallTracker:    s.BallTracker,
		keyShotClock:      s.ShotClock,
		keyBreakingPlayer: s.BreakingPlayer,
		keyBallType:       s.BallType,
		"timestamp":       s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
