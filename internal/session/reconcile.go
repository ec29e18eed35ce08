package session

import (
	"math"
	"time"
)

// merge folds a freshly fetched session into the previous snapshot of the
// same code. REST responses and push events are not ordered, so a stale
// fetch must not undo progress a newer event already applied.
func merge(prev, next *Session) *Session {
	if next == nil {
		return nil
	}
	if prev == nil || prev.Code != next.Code {
		return next
	}

	if prev.State.Rank() > next.State.Rank() {
		next.State = prev.State
	}
	if next.TimerStartedAt == nil && prev.TimerStartedAt != nil {
		t := *prev.TimerStartedAt
		next.TimerStartedAt = &t
	}
	if next.VoteCount < prev.VoteCount {
		next.VoteCount = prev.VoteCount
	}

	switch {
	case prev.ResultsShown:
		next.ResultsShown = true
		next.ExitedWithoutResults = false
	case prev.ExitedWithoutResults:
		next.ExitedWithoutResults = true
		next.ResultsShown = false
	case next.ResultsShown && next.ExitedWithoutResults:
		next.ExitedWithoutResults = false
	}

	return next
}

// patch applies an event that fully determines the fields it touches. It
// returns the new snapshot and whether the event was a patch at all; events
// that need a re-fetch report false.
func patch(prev *Session, ev Event) (*Session, bool) {
	switch e := ev.(type) {
	case StateChanged:
		if prev == nil {
			return nil, true
		}
		next := prev.Clone()
		if e.State.Rank() > next.State.Rank() {
			next.State = e.State
		}
		if next.TimerStartedAt == nil && e.TimerStartedAt != nil {
			t := *e.TimerStartedAt
			next.TimerStartedAt = &t
		}
		return next, true

	case ResultsShown:
		if prev == nil {
			return nil, true
		}
		next := prev.Clone()
		next.State = StateClosed
		if !next.ExitedWithoutResults {
			next.ResultsShown = true
		}
		return next, true

	case SessionClosed:
		if prev == nil {
			return nil, true
		}
		next := prev.Clone()
		next.State = StateClosed
		if !next.ResultsShown && !next.ExitedWithoutResults {
			next.ExitedWithoutResults = e.ExitedWithoutResults
		}
		return next, true

	case SessionDeleted:
		return nil, true

	default:
		return prev, false
	}
}

// CalculateRemaining returns the whole seconds left on the session timer at
// now, never negative. A session whose timer has not started reports its full
// time limit.
func CalculateRemaining(s *Session, now time.Time) int {
	if s == nil {
		return 0
	}
	if s.TimerStartedAt == nil {
		return s.TimeLimit
	}

	elapsed := int(math.Floor(now.Sub(*s.TimerStartedAt).Seconds()))
	if elapsed < 0 {
		elapsed = 0
	}

	return max(0, s.TimeLimit-elapsed)
}
