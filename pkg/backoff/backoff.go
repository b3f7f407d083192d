// Package backoff implements the nested burst/cycle retry schedule.
//
// Attempts are grouped into bursts, bursts into cycles. Short jittered
// pauses separate attempts within a burst, longer jittered pauses separate
// bursts, and a fixed long pause separates cycles. The total attempt budget
// is the product of the three dimensions and is never exceeded.
package backoff

import (
	"errors"
	"math/rand"
	"time"
)

// Schedule holds the bounds and delay ranges for the retry ladder.
type Schedule struct {
	AttemptsPerBurst int
	BurstsPerCycle   int
	Cycles           int

	// Delay between attempts within a burst, drawn uniformly from the range.
	AttemptDelayMin time.Duration
	AttemptDelayMax time.Duration

	// Pause between bursts within a cycle, drawn uniformly from the range.
	BurstPauseMin time.Duration
	BurstPauseMax time.Duration

	// Fixed pause between cycles.
	CyclePause time.Duration

	// Rand overrides the random source. Nil uses the shared global source.
	Rand *rand.Rand
}

// Default returns the stock schedule: 10 attempts per burst with 2-4s
// between attempts, 3 bursts per cycle with 10-20s between bursts, and
// 2 cycles separated by 60s.
func Default() Schedule {
	return Schedule{
		AttemptsPerBurst: 10,
		BurstsPerCycle:   3,
		Cycles:           2,
		AttemptDelayMin:  2 * time.Second,
		AttemptDelayMax:  4 * time.Second,
		BurstPauseMin:    10 * time.Second,
		BurstPauseMax:    20 * time.Second,
		CyclePause:       60 * time.Second,
	}
}

// Validate reports whether the schedule bounds are usable.
func (s Schedule) Validate() error {
	if s.AttemptsPerBurst < 1 || s.BurstsPerCycle < 1 || s.Cycles < 1 {
		return errors.New("backoff: schedule dimensions must be at least 1")
	}
	if s.AttemptDelayMax < s.AttemptDelayMin {
		return errors.New("backoff: attempt delay max below min")
	}
	if s.BurstPauseMax < s.BurstPauseMin {
		return errors.New("backoff: burst pause max below min")
	}
	if s.AttemptDelayMin < 0 || s.BurstPauseMin < 0 || s.CyclePause < 0 {
		return errors.New("backoff: negative durations")
	}
	return nil
}

// Budget returns the total attempt budget across all bursts and cycles.
func (s Schedule) Budget() int {
	return s.AttemptsPerBurst * s.BurstsPerCycle * s.Cycles
}

// Position locates an attempt within the nested schedule. All indices are
// zero-based.
type Position struct {
	Cycle   int
	Burst   int
	Attempt int // slot within the burst
}

// PositionFor derives the schedule position of a zero-based attempt index.
// Positions are computed from the counter, never stored.
func (s Schedule) PositionFor(attempt int) Position {
	perCycle := s.AttemptsPerBurst * s.BurstsPerCycle
	rem := attempt % perCycle
	return Position{
		Cycle:   attempt / perCycle,
		Burst:   rem / s.AttemptsPerBurst,
		Attempt: rem % s.AttemptsPerBurst,
	}
}

// LastInBurst reports whether the position is the final attempt slot of its burst.
func (s Schedule) LastInBurst(p Position) bool {
	return p.Attempt == s.AttemptsPerBurst-1
}

// LastBurst reports whether the position is in the final burst of its cycle.
// The final burst never takes a separate inter-burst pause; the inter-cycle
// pause (or termination) covers that gap.
func (s Schedule) LastBurst(p Position) bool {
	return p.Burst == s.BurstsPerCycle-1
}

// LastCycle reports whether the position is in the final cycle.
func (s Schedule) LastCycle(p Position) bool {
	return p.Cycle == s.Cycles-1
}

// AttemptDelay draws the intra-burst delay. Jitter is by construction:
// concurrent callers retrying the same endpoint decorrelate naturally.
func (s Schedule) AttemptDelay() time.Duration {
	return s.uniform(s.AttemptDelayMin, s.AttemptDelayMax)
}

// BurstPause draws the inter-burst pause.
func (s Schedule) BurstPause() time.Duration {
	return s.uniform(s.BurstPauseMin, s.BurstPauseMax)
}

func (s Schedule) uniform(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min + 1)
	if s.Rand != nil {
		return min + time.Duration(s.Rand.Int63n(span))
	}
	return min + time.Duration(rand.Int63n(span))
}
