package screen

import (
	"math"
	"time"

	"github.com/PandaDev0069/tuiz-liveview/internal/leaderboard"
	"github.com/PandaDev0069/tuiz-liveview/internal/phase"
	"github.com/PandaDev0069/tuiz-liveview/internal/quizapi"
)

// Kind names the screen variant to render. Each phase maps to exactly
// one kind, except for the data-error fallback when a reveal has nothing
// to show.
type Kind string

const (
	KindWaiting     Kind = "waiting"
	KindCountdown   Kind = "countdown"
	KindQuestion    Kind = "question"
	KindAnswering   Kind = "answering"
	KindReveal      Kind = "answer_reveal"
	KindLeaderboard Kind = "leaderboard"
	KindExplanation Kind = "explanation"
	KindPodium      Kind = "podium"
	KindEnded       Kind = "ended"
	KindDataError   Kind = "data_error"
)

const podiumSize = 3

// Input is everything the builder needs for one render. It is a snapshot;
// Build never mutates it and has no side effects.
type Input struct {
	View        phase.View
	Question    *quizapi.CurrentQuestion
	Leaderboard []leaderboard.Entry
	PlayerCount int
	RoomCode    string
	JoinURL     string
	GameTitle   string
	Now         time.Time
}

// Choice is one renderable answer option.
type Choice struct {
	ID      string `json:"id"`
	Letter  string `json:"letter"`
	Text    string `json:"text"`
	Correct bool   `json:"correct,omitempty"`
	Count   int    `json:"count,omitempty"`
	Percent int    `json:"percent,omitempty"`
}

// QuestionView is the renderable question block.
type QuestionView struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	ImageURL string   `json:"image_url,omitempty"`
	Choices  []Choice `json:"choices"`
}

// ExplanationView is the renderable recap block.
type ExplanationView struct {
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Screen is one fully resolved render of a room.
type Screen struct {
	Kind             Kind                `json:"kind"`
	RoomCode         string              `json:"room_code,omitempty"`
	JoinURL          string              `json:"join_url,omitempty"`
	GameTitle        string              `json:"game_title,omitempty"`
	Message          string              `json:"message,omitempty"`
	PlayerCount      int                 `json:"player_count,omitempty"`
	QuestionNumber   int                 `json:"question_number,omitempty"`
	TotalQuestions   int                 `json:"total_questions,omitempty"`
	CountdownSeconds int                 `json:"countdown_seconds,omitempty"`
	SecondsLeft      int                 `json:"seconds_left,omitempty"`
	TimerPaused      bool                `json:"timer_paused,omitempty"`
	Question         *QuestionView       `json:"question,omitempty"`
	Stats            *Stats              `json:"stats,omitempty"`
	Explanation      *ExplanationView    `json:"explanation,omitempty"`
	Leaderboard      []leaderboard.Entry `json:"leaderboard,omitempty"`
	Podium           []leaderboard.Entry `json:"podium,omitempty"`
}

// Build maps reconciled room state onto the screen to render. Pure: same
// input, same screen.
func Build(in Input) Screen {
	s := Screen{
		Kind:           Kind(in.View.Phase),
		RoomCode:       in.RoomCode,
		JoinURL:        in.JoinURL,
		GameTitle:      in.GameTitle,
		PlayerCount:    in.PlayerCount,
		TotalQuestions: in.View.TotalQuestions,
		TimerPaused:    !in.View.TimerActive,
	}
	if in.View.QuestionIndex >= 0 {
		s.QuestionNumber = in.View.QuestionIndex + 1
	}

	switch in.View.Phase {
	case phase.Waiting:
		s.Message = "Waiting for the host to start"

	case phase.Countdown:
		s.CountdownSeconds = countdownSeconds(in.View.CountdownStartedAt, in.Now)

	case phase.Question:
		s.Question = questionView(in.Question, nil, false)
		s.SecondsLeft = ceilSeconds(in.View.QuestionRemaining)

	case phase.Answering:
		st := liveStats(in)
		s.Question = questionView(in.Question, &st, false)
		s.Stats = &st
		s.SecondsLeft = ceilSeconds(in.View.AnswerRemaining)

	case phase.AnswerReveal:
		if in.Question == nil || len(in.Question.Answers) == 0 {
			s.Kind = KindDataError
			s.Message = "Question data not loaded"
			return s
		}
		st := liveStats(in)
		s.Question = questionView(in.Question, &st, true)
		s.Stats = &st

	case phase.Leaderboard:
		s.Leaderboard = in.Leaderboard

	case phase.Explanation:
		s.Explanation = explanationView(in)
		if s.Explanation == nil {
			s.Kind = KindDataError
			s.Message = "Explanation not available"
		}

	case phase.Podium:
		s.Podium = topN(in.Leaderboard, podiumSize)
		s.Leaderboard = in.Leaderboard

	case phase.Ended:
		s.Message = "Thanks for playing"

	default:
		s.Kind = KindDataError
		s.Message = "Unknown phase"
	}
	return s
}

func liveStats(in Input) Stats {
	if in.Question == nil {
		return Stats{Counts: map[string]int{}, Percents: map[string]int{}}
	}
	return ComputeStats(in.View.Stats, in.Question.Answers)
}

// questionView renders the question block. Correct-answer flags only
// appear once revealed; counts only when stats are passed in.
func questionView(q *quizapi.CurrentQuestion, st *Stats, revealed bool) *QuestionView {
	if q == nil {
		return nil
	}
	v := &QuestionView{
		ID:       q.Question.ID,
		Text:     q.Question.Text,
		ImageURL: q.Question.ImageURL,
		Choices:  make([]Choice, 0, len(q.Answers)),
	}
	for i, a := range q.Answers {
		c := Choice{
			ID:     a.ID,
			Letter: choiceLetter(i),
			Text:   a.Text,
		}
		if revealed {
			c.Correct = a.IsCorrect
		}
		if st != nil {
			c.Count = st.Counts[a.ID]
			c.Percent = st.Percents[a.ID]
		}
		v.Choices = append(v.Choices, c)
	}
	return v
}

// explanationView prefers the pushed explanation payload and falls back
// to the explanation fields on the fetched question.
func explanationView(in Input) *ExplanationView {
	if e := in.View.Explanation; e != nil {
		return &ExplanationView{Title: e.Title, Body: e.Body, ImageURL: e.ImageURL}
	}
	if q := in.Question; q != nil {
		e := phase.Recap{
			Title:    q.Question.ExplanationTitle,
			Body:     q.Question.ExplanationText,
			ImageURL: q.Question.ExplanationImageURL,
		}
		if !e.Empty() {
			return &ExplanationView{Title: e.Title, Body: e.Body, ImageURL: e.ImageURL}
		}
	}
	return nil
}

// choiceLetter labels choices A, B, C... in display order.
func choiceLetter(i int) string {
	return string(rune('A' + i))
}

func countdownSeconds(startedAt, now time.Time) int {
	if startedAt.IsZero() {
		return int(phase.CountdownDuration / time.Second)
	}
	left := phase.CountdownDuration - now.Sub(startedAt)
	secs := ceilSeconds(left)
	max := int(phase.CountdownDuration / time.Second)
	if secs > max {
		return max
	}
	return secs
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func topN(entries []leaderboard.Entry, n int) []leaderboard.Entry {
	if len(entries) <= n {
		return entries
	}
	return entries[:n]
}
