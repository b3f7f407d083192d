// Package retry implements the attempt scheduler: a bounded iteration over
// the burst/cycle ladder that issues one transport call at a time, absorbs
// rate limiting and transient network failures, and reports progress
// through an event sink.
package retry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coder/quartz"

	"github.com/tamarindmonkey/orpipe/pkg/backoff"
	"github.com/tamarindmonkey/orpipe/pkg/events"
	"github.com/tamarindmonkey/orpipe/pkg/upstream"
)

// AttemptError records one failed attempt for the session history.
type AttemptError struct {
	Attempt int    `json:"attempt"` // 1-based
	Message string `json:"message"`
}

// Record is the immutable snapshot of a finished retry session.
type Record struct {
	Attempts  int            `json:"attempts"`
	Success   bool           `json:"success"`
	Errors    []AttemptError `json:"errors,omitempty"`
	Elapsed   time.Duration  `json:"elapsed"`
	Exhausted bool           `json:"exhausted"`
}

// LastError returns the most recent recorded error message, or "".
func (r Record) LastError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1].Message
}

// ErrExhausted is returned when the global attempt budget is reached with
// no success. It carries the full session record for diagnostics.
type ErrExhausted struct {
	Record Record
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("retry: budget exhausted after %d attempts (last error: %s)",
		e.Record.Attempts, e.Record.LastError())
}

// Scheduler drives repeated transport calls through the backoff ladder.
// Attempts are strictly sequential; at most one transport call is in flight
// per Run. A Scheduler is stateless across Runs and safe for concurrent use;
// all mutable session state lives in Run's stack frame.
type Scheduler struct {
	Schedule backoff.Schedule
	Caller   upstream.Caller
	Clock    quartz.Clock // nil uses the real clock
	Notify   bool         // gate user-facing notifications (statuses always emit)
}

// session is the mutable per-Run state. Owned exclusively by Run.
type session struct {
	attempts int
	errors   []AttemptError
	start    time.Time
}

func (s *session) record(attempt int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.errors = append(s.errors, AttemptError{Attempt: attempt, Message: msg})
}

// Run executes the ladder until success, a terminal failure, or budget
// exhaustion. The returned outcome is the last transport outcome; on a
// streaming success its Live handle (and the obligation to close it)
// transfers to the caller.
func (s *Scheduler) Run(ctx context.Context, env upstream.Envelope, sink events.Sink) (upstream.Outcome, Record) {
	clock := s.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	sched := s.Schedule
	budget := sched.Budget()
	sess := session{start: clock.Now()}

	var last upstream.Outcome

	for cycle := 0; cycle < sched.Cycles; cycle++ {
		for burst := 0; burst < sched.BurstsPerCycle; burst++ {
			for slot := 0; slot < sched.AttemptsPerBurst; slot++ {
				if sess.attempts >= budget {
					return s.exhaust(ctx, sink, clock, &sess, last)
				}
				sess.attempts++
				attempt := sess.attempts

				events.Emit(ctx, sink, events.NewStatus(
					fmt.Sprintf("Attempt %d/%d in progress", attempt, budget), false, false))

				out := s.Caller.Call(ctx, env)
				last = out

				switch out.Kind {
				case upstream.KindSuccess:
					return out, s.finish(&sess, clock, true, false)

				case upstream.KindFatal:
					sess.record(attempt, out.Err)
					return out, s.finish(&sess, clock, false, false)

				case upstream.KindFault:
					sess.record(attempt, out.Err)
					return out, s.finish(&sess, clock, false, false)

				case upstream.KindRateLimited:
					// Absorbed silently: the per-attempt status is enough UI
					// traffic during a rate-limit storm.
					sess.record(attempt, out.Err)
					log.Printf("retry: rate limited on attempt %d/%d", attempt, budget)

				case upstream.KindTransient:
					sess.record(attempt, out.Err)
					log.Printf("retry: transient failure on attempt %d/%d: %v", attempt, budget, out.Err)
					s.notifyTransient(ctx, sink, out.Err, attempt, budget)
				}

				if sess.attempts >= budget {
					return s.exhaust(ctx, sink, clock, &sess, last)
				}

				// Intra-burst delay only between attempts of the same burst;
				// burst and cycle boundaries handle their own pauses.
				if slot < sched.AttemptsPerBurst-1 {
					if err := sleep(ctx, clock, sched.AttemptDelay()); err != nil {
						sess.record(sess.attempts, err)
						return last, s.finish(&sess, clock, false, false)
					}
				}
			}

			// Burst exhausted. The final burst of a cycle takes no separate
			// pause; the cycle boundary (or termination) covers that gap.
			if burst < sched.BurstsPerCycle-1 {
				pause := sched.BurstPause()
				desc := fmt.Sprintf("Still rate limited after %d attempts — pausing %s before burst %d/%d",
					sess.attempts, pause.Round(time.Second), burst+2, sched.BurstsPerCycle)
				s.notifyPause(ctx, sink, "Upstream still busy", desc)
				if err := sleep(ctx, clock, pause); err != nil {
					sess.record(sess.attempts, err)
					return last, s.finish(&sess, clock, false, false)
				}
			}
		}

		if cycle < sched.Cycles-1 {
			desc := fmt.Sprintf("All bursts failed — backing off %s before cycle %d/%d",
				sched.CyclePause.Round(time.Second), cycle+2, sched.Cycles)
			s.notifyPause(ctx, sink, "Long backoff", desc)
			if err := sleep(ctx, clock, sched.CyclePause); err != nil {
				sess.record(sess.attempts, err)
				return last, s.finish(&sess, clock, false, false)
			}
		}
	}

	return s.exhaust(ctx, sink, clock, &sess, last)
}

// finish snapshots the session into an immutable record.
func (s *Scheduler) finish(sess *session, clock quartz.Clock, success, exhausted bool) Record {
	return Record{
		Attempts:  sess.attempts,
		Success:   success,
		Errors:    sess.errors,
		Elapsed:   clock.Since(sess.start),
		Exhausted: exhausted,
	}
}

// exhaust emits the terminal status and notification for a spent budget.
func (s *Scheduler) exhaust(ctx context.Context, sink events.Sink, clock quartz.Clock, sess *session, last upstream.Outcome) (upstream.Outcome, Record) {
	rec := s.finish(sess, clock, false, true)

	events.Emit(ctx, sink, events.NewStatus(
		fmt.Sprintf("All %d attempts failed", rec.Attempts), true, false))
	if s.Notify {
		events.Emit(ctx, sink, events.NewNotification(events.TypeError,
			"Request failed",
			fmt.Sprintf("All %d attempts failed. Last error: %s", rec.Attempts, rec.LastError()), 0))
	}

	return last, rec
}

// notifyTransient surfaces a connection-level setback. Unlike 429s these
// get a warning so the user can tell network trouble from upstream load.
func (s *Scheduler) notifyTransient(ctx context.Context, sink events.Sink, err error, attempt, budget int) {
	events.Emit(ctx, sink, events.NewStatus(
		fmt.Sprintf("Connection problem on attempt %d/%d — retrying", attempt, budget), false, false))
	if !s.Notify {
		return
	}
	pause := s.Schedule.BurstPauseMax
	events.Emit(ctx, sink, events.NewNotification(events.TypeWarning,
		"Connection problem",
		fmt.Sprintf("%v — will keep retrying (pauses up to %s between bursts)", err, pause.Round(time.Second)), 10))
}

// notifyPause emits the single notification + status pair for a pause boundary.
func (s *Scheduler) notifyPause(ctx context.Context, sink events.Sink, title, desc string) {
	events.Emit(ctx, sink, events.NewStatus(desc, false, false))
	if s.Notify {
		events.Emit(ctx, sink, events.NewNotification(events.TypeWarning, title, desc, 10))
	}
}

// sleep waits for d on the injected clock, honoring cancellation.
func sleep(ctx context.Context, clock quartz.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
