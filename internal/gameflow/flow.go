package gameflow

import "time"

// Game status values reported by the flow endpoint.
const (
	StatusWaiting = "waiting"
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusEnded   = "ended"
)

// Snapshot is one poll of the server's game flow: which question is live,
// its timing window, and coarse lifecycle flags. It is the recovery path
// for anything a missed realtime event would have carried.
type Snapshot struct {
	GameID               string     `json:"game_id"`
	Status               string     `json:"status"`
	CurrentQuestionID    string     `json:"current_question_id,omitempty"`
	CurrentQuestionIndex int        `json:"current_question_index"`
	TotalQuestions       int        `json:"total_questions"`
	QuestionStartedAt    *time.Time `json:"current_question_start_time,omitempty"`
	QuestionEndsAt       *time.Time `json:"current_question_end_time,omitempty"`
	AnswerRevealed       bool       `json:"answer_revealed"`
	ShowingExplanation   bool       `json:"showing_explanation"`
	Timer                TimerState `json:"timer"`
}

// TimerState carries the server's countdown. RemainingMs is a pointer so
// an absent value is distinguishable from zero time left.
type TimerState struct {
	RemainingMs *int64 `json:"remaining_ms,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// Remaining converts the reported milliseconds, reporting presence.
func (t TimerState) Remaining() (time.Duration, bool) {
	if t.RemainingMs == nil {
		return 0, false
	}
	ms := *t.RemainingMs
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (s Snapshot) Ended() bool {
	return s.Status == StatusEnded
}

// questionEndPassed reports whether the current question's window is over
// according to the server end timestamp.
func (s Snapshot) questionEndPassed(now time.Time) bool {
	if s.CurrentQuestionID == "" || s.QuestionEndsAt == nil {
		return false
	}
	return !s.QuestionEndsAt.After(now)
}
