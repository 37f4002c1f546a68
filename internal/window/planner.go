// Package window computes the sequence of time windows one ingest run
// requests from the feed.
package window

import (
	"time"

	"github.com/vulnwatch/cvesync/internal/types"
)

// Mode selects the sync strategy.
type Mode string

const (
	// ModeFull loads a bounded historical range filtered by published date.
	ModeFull Mode = "full"
	// ModeIncremental advances from the stored checkpoint filtered by last
	// modified date.
	ModeIncremental Mode = "incremental"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool { return m == ModeFull || m == ModeIncremental }

type Planner struct {
	// LookbackYears bounds the full-load window.
	LookbackYears int
	// Chunk is the fixed incremental window size.
	Chunk time.Duration
	// Fallback is the epoch used when no checkpoint exists. Zero means
	// "one chunk before now".
	Fallback time.Time
}

// Full returns the single full-load window: [now - lookback, now].
func (p Planner) Full(now time.Time) types.Window {
	return types.Window{Start: now.AddDate(-p.LookbackYears, 0, 0), End: now}
}

// Incremental returns fixed-size chunks covering (checkpoint, now], in
// strictly increasing order. Window ends are clamped to now. A checkpoint
// at or past now yields no windows, which the caller treats as a no-op
// success.
func (p Planner) Incremental(checkpoint, now time.Time) []types.Window {
	start := checkpoint
	if start.IsZero() {
		start = p.Fallback
	}
	if start.IsZero() {
		start = now.Add(-p.Chunk)
	}
	var wins []types.Window
	for cur := start; cur.Before(now); {
		end := cur.Add(p.Chunk)
		if end.After(now) {
			end = now
		}
		wins = append(wins, types.Window{Start: cur, End: end})
		cur = end
	}
	return wins
}
