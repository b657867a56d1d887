package phase

// Phase is the client-visible stage of a live game. The server is the
// authority; clients only ever reconcile toward what the server reports.
type Phase string

const (
	Waiting      Phase = "waiting"
	Countdown    Phase = "countdown"
	Question     Phase = "question"
	Answering    Phase = "answering"
	AnswerReveal Phase = "answer_reveal"
	Leaderboard  Phase = "leaderboard"
	Explanation  Phase = "explanation"
	Podium       Phase = "podium"
	Ended        Phase = "ended"
)

// phaseRank orders phases by game progression. Incoming phase events that
// would move the client backwards are treated as stale and dropped.
var phaseRank = map[Phase]int{
	Waiting:      0,
	Countdown:    1,
	Question:     2,
	Answering:    3,
	AnswerReveal: 4,
	Leaderboard:  5,
	Explanation:  6,
	Podium:       7,
	Ended:        8,
}

// rewinds are the only backwards transitions a server may legitimately
// order: advancing to the next question's countdown after a recap phase.
var rewinds = map[Phase]Phase{
	Explanation: Countdown,
	Leaderboard: Countdown,
}

// Rank returns the progression order of p, or -1 for an unknown phase.
func (p Phase) Rank() int {
	r, ok := phaseRank[p]
	if !ok {
		return -1
	}
	return r
}

func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// Parse maps a wire string onto a known phase.
func Parse(s string) (Phase, bool) {
	p := Phase(s)
	return p, p.Valid()
}

// allowed reports whether a server-ordered change from -> to should be
// applied. Forward moves and same-rank repeats always apply, a reset to
// waiting always applies, and the two question-advance rewinds apply.
// Everything else is a stale event.
func allowed(from, to Phase) bool {
	if !to.Valid() {
		return false
	}
	if to == Waiting {
		return true
	}
	if rewinds[from] == to {
		return true
	}
	return to.Rank() >= from.Rank()
}
