// Package scoreboard normalizes overlay update payloads into a canonical scoreboard state.
//
// Sanitize never rejects input: every field has an explicit list of accepted aliases and a
// default that applies when the value is missing or unusable.
package scoreboard

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	keyPlayer1Name    = "p1Name"
	keyPlayer2Name    = "p2Name"
	keyPlayer1Enabled = "p1Enabled"
	keyPlayer2Enabled = "p2Enabled"
	keyPlayer1Score   = "p1Score"
	keyPlayer2Score   = "p2Score"
	keyGameType       = "gameType"
	keyRaceInfo       = "raceInfo"
	keyGameInfo       = "gameInfo"
	keyStreamURL      = "streamUrl"
	keyScoreDisplay   = "scoreDisplay"
	keyBallTracker    = "ballTracker"
	keyShotClock      = "shotClock"
	keyBreakingPlayer = "breakingPlayer"
	keyBallType       = "ballType"
)

// Accepted field names, canonical name first. Older overlay builds still send the others.
var (
	player1NameKeys    = []string{keyPlayer1Name, "player1Name", "player1", "playerOneName"}
	player2NameKeys    = []string{keyPlayer2Name, "player2Name", "player2", "playerTwoName"}
	player1EnabledKeys = []string{keyPlayer1Enabled, "player1Enabled", "usePlayer1", "showPlayer1"}
	player2EnabledKeys = []string{keyPlayer2Enabled, "player2Enabled", "usePlayer2", "showPlayer2"}
	player1ScoreKeys   = []string{keyPlayer1Score, "player1Score", "score1"}
	player2ScoreKeys   = []string{keyPlayer2Score, "player2Score", "score2"}
	gameTypeKeys       = []string{keyGameType, "game", "gameMode"}
	raceInfoKeys       = []string{keyRaceInfo, "raceTo", "race"}
	gameInfoKeys       = []string{keyGameInfo, "gameDetails", "info"}
	streamURLKeys      = []string{keyStreamURL, "streamURL", "stream_url", "url"}
	scoreDisplayKeys   = []string{keyScoreDisplay, "scoreDisplayEnabled", "useScoreDisplay", "showScore"}
	ballTrackerKeys    = []string{keyBallTracker, "ballTrackerEnabled", "useBallTracker", "enableBallTracker"}
	shotClockKeys      = []string{keyShotClock, "shotClockEnabled", "useClock", "useShotClock"}
	breakingPlayerKeys = []string{keyBreakingPlayer, "breakingPlayerEnabled", "useBreakingPlayer", "showBreak"}
	ballTypeKeys       = []string{keyBallType, "ballSet", "ballStyle"}
)

var (
	truthyTokens = map[string]struct{}{"yes": {}, "true": {}, "1": {}, "enabled": {}, "on": {}}
	falsyTokens  = map[string]struct{}{"no": {}, "false": {}, "0": {}, "disabled": {}, "off": {}}
)

// Sanitize builds a canonical State from a loose payload, stamping it with now.
func Sanitize(raw map[string]any, now time.Time) State {
	return State{
		Player1Name:    text(lookup(raw, player1NameKeys), MaxTextLength),
		Player2Name:    text(lookup(raw, player2NameKeys), MaxTextLength),
		Player1Enabled: boolish(lookup(raw, player1EnabledKeys), true),
		Player2Enabled: boolish(lookup(raw, player2EnabledKeys), true),
		Player1Score:   score(lookup(raw, player1ScoreKeys)),
		Player2Score:   score(lookup(raw, player2ScoreKeys)),
		GameType:       text(lookup(raw, gameTypeKeys), MaxGameTypeLength),
		RaceInfo:       text(lookup(raw, raceInfoKeys), MaxTextLength),
		GameInfo:       text(lookup(raw, gameInfoKeys), MaxTextLength),
		StreamURL:      streamURL(lookup(raw, streamURLKeys)),
		ScoreDisplay:   boolish(lookup(raw, scoreDisplayKeys), true),
		BallTracker:    boolish(lookup(raw, ballTrackerKeys), false),
		ShotClock:      boolish(lookup(raw, shotClockKeys), false),
		BreakingPlayer: boolish(lookup(raw, breakingPlayerKeys), false),
		BallType:       text(lookup(raw, ballTypeKeys), MaxTextLength),
		Timestamp:      now.UTC(),
	}
}

func lookup(raw map[string]any, keys []string) any {
	for _, key := range keys {
		if value, ok := raw[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

func text(value any, limit int) string {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ""
		}
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	default:
		return ""
	}
	s = strings.TrimSpace(stripControl(s))
	return strings.TrimSpace(truncate(s, limit))
}

func score(value any) int {
	var number float64
	switch v := value.(type) {
	case float64:
		number = v
	case int:
		number = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		number = parsed
	default:
		return 0
	}
	if math.IsNaN(number) || math.IsInf(number, 0) {
		return 0
	}
	number = math.Trunc(number)
	if number < 0 {
		return 0
	}
	if number > MaxScore {
		return MaxScore
	}
	return int(number)
}

func boolish(value any, fallback bool) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		if math.IsNaN(v) {
			return fallback
		}
		return v != 0
	case int:
		return v != 0
	case string:
		token := strings.ToLower(strings.TrimSpace(v))
		if _, ok := truthyTokens[token]; ok {
			return true
		}
		if _, ok := falsyTokens[token]; ok {
			return false
		}
	}
	return fallback
}

func streamURL(value any) string {
	raw, ok := value.(string)
	if !ok {
		return ""
	}
	candidate := strings.TrimSpace(truncate(strings.TrimSpace(raw), MaxURLLength))
	parsed, err := url.Parse(candidate)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return candidate
	default:
		return ""
	}
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
