package window

import (
	"testing"
	"time"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return day0.AddDate(0, 0, n) }

func TestIncremental_ChunksAndClamp(t *testing.T) {
	p := Planner{Chunk: 14 * 24 * time.Hour}

	wins := p.Incremental(day(0), day(30))
	if len(wins) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(wins))
	}
	expect := [][2]time.Time{
		{day(0), day(14)},
		{day(14), day(28)},
		{day(28), day(30)},
	}
	for i, w := range wins {
		if !w.Start.Equal(expect[i][0]) || !w.End.Equal(expect[i][1]) {
			t.Errorf("window %d: got [%v, %v], want [%v, %v]", i, w.Start, w.End, expect[i][0], expect[i][1])
		}
	}
}

func TestIncremental_StrictlyIncreasing(t *testing.T) {
	p := Planner{Chunk: 5 * 24 * time.Hour}
	wins := p.Incremental(day(0), day(33))
	for i := 1; i < len(wins); i++ {
		if !wins[i].Start.Equal(wins[i-1].End) {
			t.Errorf("gap between window %d and %d", i-1, i)
		}
		if !wins[i].End.After(wins[i].Start) {
			t.Errorf("window %d is empty or inverted", i)
		}
	}
	if last := wins[len(wins)-1]; !last.End.Equal(day(33)) {
		t.Errorf("last window not clamped to now: %v", last.End)
	}
}

func TestIncremental_CheckpointAtOrPastNow(t *testing.T) {
	p := Planner{Chunk: 14 * 24 * time.Hour}
	if wins := p.Incremental(day(30), day(30)); len(wins) != 0 {
		t.Errorf("checkpoint == now: expected no windows, got %d", len(wins))
	}
	if wins := p.Incremental(day(31), day(30)); len(wins) != 0 {
		t.Errorf("checkpoint past now: expected no windows, got %d", len(wins))
	}
}

func TestIncremental_FallbackWhenNoCheckpoint(t *testing.T) {
	p := Planner{Chunk: 14 * 24 * time.Hour, Fallback: day(2)}
	wins := p.Incremental(time.Time{}, day(30))
	if len(wins) == 0 || !wins[0].Start.Equal(day(2)) {
		t.Fatalf("expected first window to start at fallback, got %+v", wins)
	}
}

func TestIncremental_DefaultFallbackIsOneChunk(t *testing.T) {
	p := Planner{Chunk: 14 * 24 * time.Hour}
	wins := p.Incremental(time.Time{}, day(30))
	if len(wins) != 1 {
		t.Fatalf("expected one window, got %d", len(wins))
	}
	if !wins[0].Start.Equal(day(16)) || !wins[0].End.Equal(day(30)) {
		t.Errorf("unexpected window [%v, %v]", wins[0].Start, wins[0].End)
	}
}

func TestFull_SingleWindowByLookback(t *testing.T) {
	p := Planner{LookbackYears: 5}
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	w := p.Full(now)
	if !w.End.Equal(now) {
		t.Errorf("full window must end at now, got %v", w.End)
	}
	if !w.Start.Equal(time.Date(2019, 6, 15, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected full window start %v", w.Start)
	}
}

func TestModeValid(t *testing.T) {
	for _, m := range []Mode{ModeFull, ModeIncremental} {
		if !m.Valid() {
			t.Errorf("mode %q should be valid", m)
		}
	}
	if Mode("daily").Valid() {
		t.Error("unknown mode accepted")
	}
}
