package screen

import (
	"math"

	"github.com/PandaDev0069/tuiz-liveview/internal/quizapi"
)

// Stats is the aggregate answer distribution for one question.
type Stats struct {
	TotalAnswered int            `json:"total_answered"`
	Counts        map[string]int `json:"counts"`
	Percents      map[string]int `json:"percents"`
}

// ComputeStats totals the live counts over the given question's choices
// only. Counts keyed by any other choice id are ignored, so numbers from
// a previous question can never leak into this one's percentages.
func ComputeStats(counts map[string]int, answers []quizapi.Answer) Stats {
	s := Stats{
		Counts:   make(map[string]int, len(answers)),
		Percents: make(map[string]int, len(answers)),
	}
	for _, a := range answers {
		n := counts[a.ID]
		s.Counts[a.ID] = n
		s.TotalAnswered += n
	}
	for _, a := range answers {
		if s.TotalAnswered > 0 {
			s.Percents[a.ID] = int(math.Round(float64(s.Counts[a.ID]) * 100 / float64(s.TotalAnswered)))
		} else {
			s.Percents[a.ID] = 0
		}
	}
	return s
}
