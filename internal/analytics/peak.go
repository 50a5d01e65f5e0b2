package analytics

import (
	"sort"
	"time"
)

// Interval is one connection's attachment window.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Peak is the highest number of overlapping intervals and the window in which it held.
type Peak struct {
	Count int       `json:"count"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type sweepEvent struct {
	at    time.Time
	delta int
}

// PeakConcurrency runs a sweep line over the intervals. At equal instants ends are
// processed before starts, so back-to-back sessions never overlap. Empty intervals are ignored.
func PeakConcurrency(intervals []Interval) Peak {
	events := make([]sweepEvent, 0, len(intervals)*2)
	for _, interval := range intervals {
		if !interval.End.After(interval.Start) {
			continue
		}
		events = append(events, sweepEvent{at: interval.Start, delta: 1}, sweepEvent{at: interval.End, delta: -1})
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].at.Equal(events[j].at) {
			return events[i].delta < events[j].delta
		}
		return events[i].at.Before(events[j].at)
	})

	var (
		peak    Peak
		current int
	)
	for i, event := range events {
		current += event.delta
		if current <= peak.Count {
			continue
		}
		peak.Count = current
		peak.Start = event.at
		peak.End = event.at
		if i+1 < len(events) {
			peak.End = events[i+1].at
		}
	}
	return peak
}
