package phase

import (
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrUnknownPhase = errors.New("unknown phase")
var ErrPhaseRegress = errors.New("stale phase event")
var ErrNoQuestion = errors.New("missing question id")
var ErrStaleQuestion = errors.New("event for a different question")
var ErrNoExplanation = errors.New("explanation has no content")

// CountdownDuration is how long the pre-question countdown is displayed.
const CountdownDuration = 3 * time.Second

// QuestionEntryGrace suppresses the question -> answering transition right
// after entering the question phase, so a late-arriving client shows the
// question at least briefly instead of jumping straight to answering.
const QuestionEntryGrace = 500 * time.Millisecond

// Recap is host-authored explanation content shown after a question.
type Recap struct {
	Title    string
	Body     string
	ImageURL string
}

// Empty reports whether there is nothing worth showing.
func (e Recap) Empty() bool {
	return strings.TrimSpace(e.Title) == "" &&
		strings.TrimSpace(e.Body) == "" &&
		strings.TrimSpace(e.ImageURL) == ""
}

// Flow is the machine's copy of the latest server flow snapshot. It feeds
// remaining-time derivation and pause state.
type Flow struct {
	QuestionID     string
	QuestionIndex  int
	TotalQuestions int
	StartedAt      time.Time
	EndsAt         time.Time
	Remaining      time.Duration
	HasRemaining   bool
	Active         bool
}

// Machine tracks one room's reconciled game state. It is not safe for
// concurrent use; a single owner goroutine drives it and hands out copies
// through View.
type Machine struct {
	clock clockwork.Clock

	phase      Phase
	phaseSince time.Time

	countdownStartedAt time.Time
	enteredQuestionAt  time.Time

	questionID     string
	questionIndex  int
	totalQuestions int
	timing         QuestionTiming

	questionRemaining time.Duration
	answerRemaining   time.Duration
	timerActive       bool
	displayDone       bool
	revealLatched     bool

	flow        Flow
	hasFlow     bool
	explanation *Recap
	stats       map[string]int
}

func NewMachine(clock clockwork.Clock) *Machine {
	return &Machine{
		clock:         clock,
		phase:         Waiting,
		phaseSince:    clock.Now(),
		questionIndex: -1,
		timing:        DefaultTiming(),
		timerActive:   true,
		stats:         map[string]int{},
	}
}

func (m *Machine) Phase() Phase { return m.phase }

// PhaseSince returns when the current phase was entered.
func (m *Machine) PhaseSince() time.Time { return m.phaseSince }

// ApplyPhaseChange handles a server-ordered phase change. Backwards moves
// are rejected as stale except for the reset-to-waiting and
// recap -> countdown rewind cases.
func (m *Machine) ApplyPhaseChange(to Phase, startedAt time.Time) error {
	if !to.Valid() {
		return ErrUnknownPhase
	}
	if !allowed(m.phase, to) {
		return ErrPhaseRegress
	}

	// A leaderboard after the final question goes straight to the podium.
	if to == Leaderboard && m.isLastQuestion() {
		to = Podium
	}

	switch to {
	case Waiting:
		m.questionRemaining = 0
		m.answerRemaining = 0
		m.displayDone = false
		m.revealLatched = false
		m.setPhase(Waiting)
	case Countdown:
		if startedAt.IsZero() {
			startedAt = m.clock.Now()
		}
		m.countdownStartedAt = startedAt
		m.setPhase(Countdown)
	case Question:
		// Joining mid-question: seed the countdown from server data.
		m.setPhase(Question)
		m.questionRemaining = m.deriveRemaining(m.timing.ShowQuestion, false)
	case Answering:
		m.enterAnswering(m.deriveRemaining(m.timing.Answering, false))
	default:
		m.setPhase(to)
	}
	return nil
}

// ApplyGameStarted moves an idle room into the countdown. Any other phase
// means the game is already underway and the event is stale.
func (m *Machine) ApplyGameStarted(startedAt time.Time) error {
	if m.phase != Waiting && m.phase != Ended {
		return ErrPhaseRegress
	}
	if startedAt.IsZero() {
		startedAt = m.clock.Now()
	}
	m.countdownStartedAt = startedAt
	m.setPhase(Countdown)
	return nil
}

// ApplyQuestionStart tracks the active question. A new question id resets
// all per-question state and forces the question phase regardless of the
// current phase. A repeat of the current id only promotes out of the idle
// phases, so duplicate events cannot drag a later phase backwards.
// A negative index means the caller does not know it and the tracked one
// is kept.
func (m *Machine) ApplyQuestionStart(id string, index int) error {
	if id == "" {
		return ErrNoQuestion
	}

	if id == m.questionID {
		switch m.phase {
		case Waiting, Countdown, Ended:
			m.setPhase(Question)
			m.questionRemaining = m.deriveRemaining(m.timing.ShowQuestion, false)
			return nil
		default:
			return ErrPhaseRegress
		}
	}

	m.questionID = id
	if index >= 0 {
		m.questionIndex = index
	}
	m.questionRemaining = 0
	m.answerRemaining = 0
	m.timerActive = true
	m.displayDone = false
	m.revealLatched = false
	m.explanation = nil
	m.stats = map[string]int{}
	m.setPhase(Question)
	return nil
}

// ApplyQuestionEnd is the server ending the answering window. It always
// forces the reveal, even if local timers disagree.
func (m *Machine) ApplyQuestionEnd() error {
	m.answerRemaining = 0
	m.displayDone = true
	m.revealLatched = true
	m.setPhase(AnswerReveal)
	return nil
}

// ApplyAnswerReveal promotes to the reveal from any earlier phase. Once
// the room has moved past the reveal it is a stale signal.
func (m *Machine) ApplyAnswerReveal() error {
	switch m.phase {
	case Waiting, Countdown, Question, Answering:
		m.answerRemaining = 0
		m.displayDone = true
		m.setPhase(AnswerReveal)
		return nil
	default:
		return ErrPhaseRegress
	}
}

// ApplyExplanation shows recap content for the current question. An empty
// payload means the host skipped the explanation for this question.
func (m *Machine) ApplyExplanation(questionID string, e Recap) error {
	if questionID != "" && m.questionID != "" && questionID != m.questionID {
		return ErrStaleQuestion
	}
	if e.Empty() {
		return ErrNoExplanation
	}
	m.explanation = &e
	m.setPhase(Explanation)
	return nil
}

// ApplyStats replaces the live answer counts. Counts for a question other
// than the tracked one are dropped so a late burst cannot bleed into the
// next question.
func (m *Machine) ApplyStats(questionID string, counts map[string]int) error {
	if questionID != "" && questionID != m.questionID {
		return ErrStaleQuestion
	}
	next := make(map[string]int, len(counts))
	for id, n := range counts {
		next[id] = n
	}
	m.stats = next
	return nil
}

// ApplyAnswerLocked handles the host locking answers early: final counts
// land and the reveal is forced.
func (m *Machine) ApplyAnswerLocked(questionID string, counts map[string]int) error {
	if counts != nil {
		if questionID == "" || questionID == m.questionID {
			m.ApplyStats(questionID, counts)
		}
	}
	return m.ApplyQuestionEnd()
}

// ApplyGameEnd is the flow reporting the game over: show the podium.
func (m *Machine) ApplyGameEnd() error {
	m.setPhase(Podium)
	return nil
}

// ApplyEnded is the explicit room-closed signal, past the podium.
func (m *Machine) ApplyEnded() error {
	m.setPhase(Ended)
	return nil
}

// CompletePodium retires the podium after its hold time.
func (m *Machine) CompletePodium() bool {
	if m.phase != Podium {
		return false
	}
	m.setPhase(Ended)
	return true
}

// SetPaused gates local ticking. The server keeps authoritative time; a
// resumed client snaps back via derivation.
func (m *Machine) SetPaused(paused bool) {
	m.timerActive = !paused
}

// ApplyFlow stores the latest poll snapshot for remaining-time derivation
// and picks up question count and pause state. A snapshot for a question
// other than the tracked one cannot gate the timer, or a stale poll would
// freeze a question it knows nothing about.
func (m *Machine) ApplyFlow(f Flow) {
	m.flow = f
	m.hasFlow = true
	if f.TotalQuestions > 0 {
		m.totalQuestions = f.TotalQuestions
	}
	if f.QuestionID != "" && f.QuestionID == m.questionID && f.QuestionIndex >= 0 {
		m.questionIndex = f.QuestionIndex
	}
	if m.flowFresh() && f.QuestionID != "" {
		m.timerActive = f.Active
	}
}

// SetTiming installs the per-question durations from fetched question data.
func (m *Machine) SetTiming(t QuestionTiming) {
	m.timing = t
}

func (m *Machine) SetTotalQuestions(n int) {
	if n > 0 {
		m.totalQuestions = n
	}
}

// StartAnswering moves question -> answering once the display time is
// done. It fires at most once per question and never within the entry
// grace window.
func (m *Machine) StartAnswering() bool {
	if m.phase != Question || m.displayDone {
		return false
	}
	if m.clock.Now().Sub(m.enteredQuestionAt) < QuestionEntryGrace {
		return false
	}
	m.enterAnswering(m.timing.Answering)
	return true
}

// Tick advances the active countdown by interval, resyncing to the
// server-derived value when drift exceeds ResyncThreshold, and performs
// any expiry transition. It reports whether visible state changed and
// whether the countdown had to snap.
func (m *Machine) Tick(interval time.Duration) (changed, resynced bool) {
	if !m.timerActive {
		return false, false
	}

	switch m.phase {
	case Question:
		before := m.questionRemaining
		local := clampRemaining(before - interval)
		derived := m.deriveRemaining(m.timing.ShowQuestion, true)
		if NeedsResync(local, derived) {
			local = derived
			resynced = true
		}
		m.questionRemaining = local
		if local <= 0 && m.StartAnswering() {
			return true, resynced
		}
		return local != before, resynced

	case Answering:
		before := m.answerRemaining
		local := clampRemaining(before - interval)
		derived := m.deriveRemaining(m.timing.Answering, true)
		if NeedsResync(local, derived) {
			local = derived
			resynced = true
		}
		m.answerRemaining = local
		if local <= 0 && !m.revealLatched {
			m.revealLatched = true
			m.answerRemaining = 0
			m.setPhase(AnswerReveal)
			return true, resynced
		}
		return local != before, resynced

	default:
		return false, false
	}
}

func (m *Machine) setPhase(p Phase) {
	m.phase = p
	m.phaseSince = m.clock.Now()
	if p == Question {
		m.enteredQuestionAt = m.phaseSince
	}
}

func (m *Machine) enterAnswering(remaining time.Duration) {
	m.displayDone = true
	m.revealLatched = false
	m.answerRemaining = clampRemaining(remaining)
	m.setPhase(Answering)
}

// deriveRemaining computes the trusted remaining time for the current
// sub-phase. Flow data only counts when it refers to the tracked question.
func (m *Machine) deriveRemaining(nominal time.Duration, withElapsed bool) time.Duration {
	in := RemainingInputs{
		Nominal: nominal,
		Now:     m.clock.Now(),
	}
	if m.flowFresh() {
		in.ServerRemaining = m.flow.Remaining
		in.HasServerRemaining = m.flow.HasRemaining
		in.EndsAt = m.flow.EndsAt
	}
	if withElapsed && !m.phaseSince.IsZero() {
		in.Elapsed = in.Now.Sub(m.phaseSince)
		in.HasElapsed = true
	}
	return DeriveRemaining(in)
}

func (m *Machine) flowFresh() bool {
	if !m.hasFlow {
		return false
	}
	return m.flow.QuestionID == "" || m.questionID == "" || m.flow.QuestionID == m.questionID
}

func (m *Machine) isLastQuestion() bool {
	return m.totalQuestions > 0 && m.questionIndex >= m.totalQuestions-1
}

// View is a copy of the machine state safe to hand across goroutines.
type View struct {
	Phase              Phase
	PhaseSince         time.Time
	CountdownStartedAt time.Time
	QuestionID         string
	QuestionIndex      int
	TotalQuestions     int
	QuestionRemaining  time.Duration
	AnswerRemaining    time.Duration
	TimerActive        bool
	DisplayDone        bool
	Explanation        *Recap
	Stats              map[string]int
}

func (m *Machine) View() View {
	v := View{
		Phase:              m.phase,
		PhaseSince:         m.phaseSince,
		CountdownStartedAt: m.countdownStartedAt,
		QuestionID:         m.questionID,
		QuestionIndex:      m.questionIndex,
		TotalQuestions:     m.totalQuestions,
		QuestionRemaining:  m.questionRemaining,
		AnswerRemaining:    m.answerRemaining,
		TimerActive:        m.timerActive,
		DisplayDone:        m.displayDone,
		Stats:              make(map[string]int, len(m.stats)),
	}
	for id, n := range m.stats {
		v.Stats[id] = n
	}
	if m.explanation != nil {
		e := *m.explanation
		v.Explanation = &e
	}
	return v
}
