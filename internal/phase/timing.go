package phase

import (
	"math"
	"time"
)

// Per-question durations fall back to these when the server omits them or
// sends something unusable.
const (
	DefaultShowQuestion    = 10 * time.Second
	DefaultAnswering       = 30 * time.Second
	DefaultShowExplanation = 10 * time.Second
)

// ResyncThreshold is how far the locally ticked countdown may drift from
// the server-derived value before the local value snaps to it. Below the
// threshold the local countdown keeps ticking smoothly.
const ResyncThreshold = 2 * time.Second

// QuestionTiming holds the nominal durations of one question's sub-phases.
type QuestionTiming struct {
	ShowQuestion    time.Duration
	Answering       time.Duration
	ShowExplanation time.Duration
}

// DefaultTiming returns the fallback timing used before any question data
// has been fetched.
func DefaultTiming() QuestionTiming {
	return QuestionTiming{
		ShowQuestion:    DefaultShowQuestion,
		Answering:       DefaultAnswering,
		ShowExplanation: DefaultShowExplanation,
	}
}

// TimingFromSeconds converts server-provided second counts into a
// QuestionTiming, substituting the default for any value that is missing,
// non-finite, or not positive.
func TimingFromSeconds(showQuestion, answering, showExplanation float64) QuestionTiming {
	return QuestionTiming{
		ShowQuestion:    secondsOrDefault(showQuestion, DefaultShowQuestion),
		Answering:       secondsOrDefault(answering, DefaultAnswering),
		ShowExplanation: secondsOrDefault(showExplanation, DefaultShowExplanation),
	}
}

func secondsOrDefault(secs float64, fallback time.Duration) time.Duration {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

// RemainingInputs bundles every source a remaining-time value can be
// derived from, in order of trust.
type RemainingInputs struct {
	// ServerRemaining is an explicit remaining-time report from the
	// server's flow snapshot. Only consulted when HasServerRemaining.
	ServerRemaining    time.Duration
	HasServerRemaining bool

	// EndsAt is the server-reported wall-clock end of the sub-phase.
	EndsAt time.Time

	// Elapsed is locally tracked time since the sub-phase was entered.
	// Only consulted when HasElapsed.
	Elapsed    time.Duration
	HasElapsed bool

	// Nominal is the full sub-phase duration from question timing.
	Nominal time.Duration

	Now time.Time
}

// DeriveRemaining computes the best available remaining time: the server's
// explicit value first, then the server end timestamp, then nominal minus
// local elapsed, and finally the nominal duration itself. Never negative.
func DeriveRemaining(in RemainingInputs) time.Duration {
	if in.HasServerRemaining {
		return clampRemaining(in.ServerRemaining)
	}
	if !in.EndsAt.IsZero() {
		return clampRemaining(in.EndsAt.Sub(in.Now))
	}
	if in.HasElapsed {
		return clampRemaining(in.Nominal - in.Elapsed)
	}
	return clampRemaining(in.Nominal)
}

// NeedsResync reports whether local has drifted far enough from derived
// that it should snap rather than keep ticking.
func NeedsResync(local, derived time.Duration) bool {
	d := local - derived
	if d < 0 {
		d = -d
	}
	return d > ResyncThreshold
}

func clampRemaining(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
