package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PandaDev0069/tuiz-liveview/internal/gameflow"
	"github.com/PandaDev0069/tuiz-liveview/internal/leaderboard"
	"github.com/PandaDev0069/tuiz-liveview/internal/metrics"
	"github.com/PandaDev0069/tuiz-liveview/internal/phase"
	"github.com/PandaDev0069/tuiz-liveview/internal/quizapi"
	"github.com/PandaDev0069/tuiz-liveview/internal/realtime"
)

type fakeChannel struct {
	mu           sync.Mutex
	joined       []string
	leaves       int
	closes       int
	unsubscribed int
	published    []realtime.Event
	handlers     map[string][]realtime.Handler
	joinErr      error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: map[string][]realtime.Handler{}}
}

func (c *fakeChannel) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinErr != nil {
		return c.joinErr
	}
	c.joined = append(c.joined, room)
	return nil
}

func (c *fakeChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	return nil
}

func (c *fakeChannel) Subscribe(event string, h realtime.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
	return func() {
		c.mu.Lock()
		c.unsubscribed++
		c.mu.Unlock()
	}
}

func (c *fakeChannel) Publish(ctx context.Context, ev realtime.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, ev)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// push delivers an event the way the socket reader would.
func (c *fakeChannel) push(ev realtime.Event) {
	c.mu.Lock()
	hs := append([]realtime.Handler(nil), c.handlers[ev.Name]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *fakeChannel) joins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...)
}

func (c *fakeChannel) leaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaves
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeChannel) unsubCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

func (c *fakeChannel) handlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

func (c *fakeChannel) publishedEvents() []realtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Event(nil), c.published...)
}

type fakeAPI struct {
	mu         sync.Mutex
	questionFn func(gameID string) (*quizapi.CurrentQuestion, error)
	flowFn     func(gameID string) (gameflow.Snapshot, error)
	standings  []leaderboard.Standing
	players    []quizapi.Player
	qCalls     int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		questionFn: func(string) (*quizapi.CurrentQuestion, error) { return nil, quizapi.ErrNotFound },
		flowFn: func(string) (gameflow.Snapshot, error) {
			return gameflow.Snapshot{}, errors.New("flow unavailable")
		},
	}
}

func (a *fakeAPI) CurrentQuestionWithRetry(ctx context.Context, gameID string) (*quizapi.CurrentQuestion, error) {
	a.mu.Lock()
	a.qCalls++
	fn := a.questionFn
	a.mu.Unlock()
	return fn(gameID)
}

func (a *fakeAPI) Flow(ctx context.Context, gameID string) (gameflow.Snapshot, error) {
	a.mu.Lock()
	fn := a.flowFn
	a.mu.Unlock()
	return fn(gameID)
}

func (a *fakeAPI) Leaderboard(ctx context.Context, gameID string) ([]leaderboard.Standing, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]leaderboard.Standing(nil), a.standings...), nil
}

func (a *fakeAPI) Players(ctx context.Context, gameID string) ([]quizapi.Player, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]quizapi.Player(nil), a.players...), nil
}

func (a *fakeAPI) setQuestion(q *quizapi.CurrentQuestion) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.questionFn = func(string) (*quizapi.CurrentQuestion, error) { return q, nil }
}

func (a *fakeAPI) setQuestionFn(fn func(gameID string) (*quizapi.CurrentQuestion, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.questionFn = fn
}

func (a *fakeAPI) setFlowFn(fn func(gameID string) (gameflow.Snapshot, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flowFn = fn
}

func (a *fakeAPI) setStandings(rows []leaderboard.Standing) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.standings = rows
}

func (a *fakeAPI) questionCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.qCalls
}

func currentQuestion(id string, index int) *quizapi.CurrentQuestion {
	return &quizapi.CurrentQuestion{
		Question: quizapi.Question{
			ID:                  id,
			Text:                "What is the answer?",
			ShowQuestionTime:    10,
			AnsweringTime:       30,
			ShowExplanationTime: 10,
		},
		Answers: []quizapi.Answer{
			{ID: "a", Text: "First", OrderIndex: 0, IsCorrect: true},
			{ID: "b", Text: "Second", OrderIndex: 1},
		},
		QuestionIndex:  index,
		TotalQuestions: 5,
		IsActive:       true,
	}
}

// startReconciler builds a reconciler with every timer effectively off so
// tests drive state purely through pushed events and direct messages.
func startReconciler(t *testing.T, mutate func(*Config)) (*Reconciler, *fakeChannel, *fakeAPI, *metrics.Recorder) {
	t.Helper()
	ch := newFakeChannel()
	api := newFakeAPI()
	met := metrics.NewRecorder(nil)
	cfg := Config{
		RoomID:          "room-1",
		GameID:          "game-1",
		TickInterval:    time.Hour,
		RefreshInterval: time.Hour,
		FlowInterval:    time.Hour,
		PodiumHold:      time.Hour,
		Metrics:         met,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r := New(cfg, ch, api)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r, ch, api, met
}

// view round-trips through the loop, so it doubles as a fence: every
// message posted before it has been handled once it returns.
func view(t *testing.T, r *Reconciler) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := r.View(ctx)
	require.NoError(t, err)
	return snap
}

func tryView(r *Reconciler) (Snapshot, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := r.View(ctx)
	return snap, err == nil
}

func pushEvent(t *testing.T, ch *fakeChannel, name, room string, payload any) {
	t.Helper()
	ev, err := realtime.NewEvent(name, room, payload)
	require.NoError(t, err)
	ch.push(ev)
}

func awaitSnapshot(t *testing.T, ch <-chan Snapshot, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			require.True(t, ok, "subscription closed while waiting")
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return Snapshot{}
		}
	}
}

func awaitClosed(t *testing.T, ch <-chan Snapshot) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription was not closed")
		}
	}
}

func TestStartJoinsRoomAndSubscribes(t *testing.T) {
	r, ch, _, _ := startReconciler(t, nil)

	require.Equal(t, []string{"room-1"}, ch.joins())
	for _, name := range realtime.Events() {
		require.Equal(t, 1, ch.handlerCount(name), "handler for %s", name)
	}

	require.NoError(t, r.Close())
	require.Equal(t, 1, ch.leaveCount())
	require.Equal(t, len(realtime.Events()), ch.unsubCount())
}

func TestStartFailsWhenJoinFails(t *testing.T) {
	ch := newFakeChannel()
	ch.joinErr = errors.New("gateway down")
	r := New(Config{RoomID: "room-1"}, ch, newFakeAPI())

	require.Error(t, r.Start(context.Background()))
	require.NoError(t, r.Close())
}

func TestViewBeforeStart(t *testing.T) {
	r := New(Config{RoomID: "room-1"}, newFakeChannel(), newFakeAPI())
	_, err := r.View(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestSubscribeDeliversInitialSnapshot(t *testing.T) {
	r, _, _, _ := startReconciler(t, nil)

	out := make(chan Snapshot, 16)
	r.Subscribe("display", out)

	snap := awaitSnapshot(t, out, func(Snapshot) bool { return true })
	require.Equal(t, "room-1", snap.RoomID)
	require.Equal(t, phase.Waiting, snap.View.Phase)
}

func TestAppliedEventReachesSubscribers(t *testing.T) {
	r, ch, _, met := startReconciler(t, nil)

	out := make(chan Snapshot, 16)
	r.Subscribe("display", out)

	pushEvent(t, ch, realtime.EvtGameStarted, "room-1", realtime.GameStartedPayload{RoomID: "room-1"})

	snap := awaitSnapshot(t, out, func(s Snapshot) bool { return s.View.Phase == phase.Countdown })
	require.Equal(t, phase.Countdown, snap.View.Phase)
	require.GreaterOrEqual(t, met.Totals().EventsApplied, 1)
	require.Equal(t, phase.Countdown, view(t, r).View.Phase)
}

func TestStaleEventDropped(t *testing.T) {
	r, ch, _, met := startReconciler(t, nil)

	pushEvent(t, ch, realtime.EvtPhaseChange, "room-1", realtime.PhaseChangePayload{Phase: "question"})
	require.Equal(t, phase.Question, view(t, r).View.Phase)

	// A delayed countdown arrives after the question is already up.
	pushEvent(t, ch, realtime.EvtPhaseChange, "room-1", realtime.PhaseChangePayload{Phase: "countdown"})
	require.Equal(t, phase.Question, view(t, r).View.Phase)
	require.GreaterOrEqual(t, met.Totals().EventsDropped, 1)
}

func TestEventForOtherRoomFiltered(t *testing.T) {
	r, ch, _, met := startReconciler(t, nil)

	pushEvent(t, ch, realtime.EvtPhaseChange, "room-2", realtime.PhaseChangePayload{Phase: "question"})
	require.Equal(t, phase.Waiting, view(t, r).View.Phase)
	require.GreaterOrEqual(t, met.Totals().EventsDropped, 1)
}

func TestQuestionStartFetchesData(t *testing.T) {
	r, _, api, _ := startReconciler(t, nil)
	api.setQuestion(currentQuestion("q1", 0))

	r.post(lifecycle{kind: lifeQuestionStarted, questionID: "q1", index: 0})

	require.Eventually(t, func() bool {
		snap, ok := tryView(r)
		return ok && snap.Question != nil && snap.Question.Question.ID == "q1"
	}, 2*time.Second, 10*time.Millisecond)

	snap := view(t, r)
	require.Equal(t, phase.Question, snap.View.Phase)
	require.Equal(t, "q1", snap.View.QuestionID)
	require.Equal(t, 5, snap.View.TotalQuestions)
}

func TestStaleQuestionFetchDropped(t *testing.T) {
	r, _, api, _ := startReconciler(t, nil)

	// Wait out the bootstrap fetch so call numbering is stable.
	require.Eventually(t, func() bool { return api.questionCalls() >= 1 }, 2*time.Second, 5*time.Millisecond)

	release := make(chan struct{})
	returned := make(chan struct{})
	var calls int
	var mu sync.Mutex
	api.setQuestionFn(func(string) (*quizapi.CurrentQuestion, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-release
			defer close(returned)
			return currentQuestion("q1", 0), nil
		}
		return currentQuestion("q2", 1), nil
	})

	r.post(lifecycle{kind: lifeQuestionStarted, questionID: "q1", index: 0})
	require.Eventually(t, func() bool { return api.questionCalls() >= 2 }, 2*time.Second, 5*time.Millisecond)

	r.post(lifecycle{kind: lifeQuestionStarted, questionID: "q2", index: 1})
	require.Eventually(t, func() bool {
		snap, ok := tryView(r)
		return ok && snap.Question != nil && snap.Question.Question.ID == "q2"
	}, 2*time.Second, 10*time.Millisecond)

	// The superseded fetch finally lands; it must not overwrite q2.
	close(release)
	<-returned
	time.Sleep(50 * time.Millisecond)
	snap := view(t, r)
	require.Equal(t, "q2", snap.Question.Question.ID)
	require.Equal(t, "q2", snap.View.QuestionID)
}

func TestStatsResetOnNewQuestion(t *testing.T) {
	r, ch, _, _ := startReconciler(t, nil)

	r.post(lifecycle{kind: lifeQuestionStarted, questionID: "q1", index: 0})
	pushEvent(t, ch, realtime.EvtAnswerStats, "room-1", realtime.StatsPayload{QuestionID: "q1", Counts: map[string]int{"a": 3}})
	require.Equal(t, 3, view(t, r).View.Stats["a"])

	r.post(lifecycle{kind: lifeQuestionStarted, questionID: "q2", index: 1})
	require.Empty(t, view(t, r).View.Stats)

	// A late burst for the finished question stays out.
	pushEvent(t, ch, realtime.EvtAnswerStats, "room-1", realtime.StatsPayload{QuestionID: "q1", Counts: map[string]int{"a": 9}})
	require.Empty(t, view(t, r).View.Stats)
}

func TestQuestionEndedForcesReveal(t *testing.T) {
	r, ch, _, _ := startReconciler(t, nil)

	r.post(lifecycle{kind: lifeQuestionStarted, questionID: "q1", index: 0})
	require.Equal(t, phase.Question, view(t, r).View.Phase)

	ch.push(realtime.Event{Name: realtime.EvtQuestionEnded, RoomID: "room-1"})
	require.Equal(t, phase.AnswerReveal, view(t, r).View.Phase)
}

func TestRevealFetchesStandings(t *testing.T) {
	r, ch, api, _ := startReconciler(t, nil)
	api.setStandings([]leaderboard.Standing{
		{PlayerID: "p1", PlayerName: "Aoi", Score: 300},
		{PlayerID: "p2", PlayerName: "Ren", Score: 200},
	})

	r.post(lifecycle{kind: lifeQuestionStarted, questionID: "q1", index: 0})
	ch.push(realtime.Event{Name: realtime.EvtQuestionEnded, RoomID: "room-1"})

	require.Eventually(t, func() bool {
		snap, ok := tryView(r)
		return ok && len(snap.Leaderboard) == 2
	}, 2*time.Second, 10*time.Millisecond)

	snap := view(t, r)
	require.Equal(t, "p1", snap.Leaderboard[0].PlayerID)
	require.Equal(t, 1, snap.Leaderboard[0].Rank)
}

func TestBootstrapCountsPlayers(t *testing.T) {
	ch := newFakeChannel()
	api := newFakeAPI()
	api.players = []quizapi.Player{{ID: "p1", Name: "Aoi"}, {ID: "p2", Name: "Ren"}}
	r := New(Config{
		RoomID: "room-1", TickInterval: time.Hour, RefreshInterval: time.Hour,
		FlowInterval: time.Hour, PodiumHold: time.Hour,
	}, ch, api)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })

	require.Eventually(t, func() bool {
		snap, ok := tryView(r)
		return ok && snap.PlayerCount == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMidGameJoinDiscoversQuestion(t *testing.T) {
	ch := newFakeChannel()
	api := newFakeAPI()
	api.setQuestion(currentQuestion("q3", 2))
	r := New(Config{
		RoomID: "room-1", TickInterval: time.Hour, RefreshInterval: time.Hour,
		FlowInterval: time.Hour, PodiumHold: time.Hour,
	}, ch, api)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })

	require.Eventually(t, func() bool {
		snap, ok := tryView(r)
		return ok && snap.View.QuestionID == "q3" && snap.View.Phase == phase.Question
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPauseAndResume(t *testing.T) {
	r, ch, _, _ := startReconciler(t, nil)

	ch.push(realtime.Event{Name: realtime.EvtGamePaused, RoomID: "room-1"})
	require.False(t, view(t, r).View.TimerActive)

	ch.push(realtime.Event{Name: realtime.EvtGameResumed, RoomID: "room-1"})
	require.True(t, view(t, r).View.TimerActive)
}

func TestPodiumHoldRetiresToEnded(t *testing.T) {
	r, _, _, _ := startReconciler(t, func(cfg *Config) {
		cfg.TickInterval = 10 * time.Millisecond
		cfg.PodiumHold = 30 * time.Millisecond
	})

	r.post(lifecycle{kind: lifeGameEnded})
	require.Equal(t, phase.Podium, view(t, r).View.Phase)

	require.Eventually(t, func() bool {
		snap, ok := tryView(r)
		return ok && snap.View.Phase == phase.Ended
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlowPollDrivesLifecycle(t *testing.T) {
	ch := newFakeChannel()
	api := newFakeAPI()
	remaining := int64(9000)
	api.setFlowFn(func(string) (gameflow.Snapshot, error) {
		return gameflow.Snapshot{
			GameID:               "game-1",
			Status:               gameflow.StatusActive,
			CurrentQuestionID:    "q7",
			CurrentQuestionIndex: 2,
			TotalQuestions:       5,
			Timer:                gameflow.TimerState{RemainingMs: &remaining, IsActive: true},
		}, nil
	})
	api.setQuestion(currentQuestion("q7", 2))

	r := New(Config{
		RoomID: "room-1", GameID: "game-1",
		TickInterval: time.Hour, RefreshInterval: time.Hour,
		FlowInterval: 20 * time.Millisecond, PodiumHold: time.Hour,
	}, ch, api)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })

	require.Eventually(t, func() bool {
		snap, ok := tryView(r)
		return ok && snap.View.QuestionID == "q7" &&
			snap.View.Phase == phase.Question &&
			snap.Question != nil && snap.Question.Question.ID == "q7"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHostControlsPublish(t *testing.T) {
	r, ch, _, _ := startReconciler(t, func(cfg *Config) { cfg.Role = RoleHost })
	ctx := context.Background()

	require.NoError(t, r.AdvancePhase(ctx, phase.Question))
	require.NoError(t, r.RevealAnswer(ctx))
	require.NoError(t, r.PauseGame(ctx))
	require.NoError(t, r.ResumeGame(ctx))
	require.NoError(t, r.EndGame(ctx))

	events := ch.publishedEvents()
	require.Len(t, events, 5)
	require.Equal(t, realtime.EvtPhaseChange, events[0].Name)
	require.Equal(t, "room-1", events[0].RoomID)

	var p realtime.PhaseChangePayload
	require.NoError(t, json.Unmarshal(events[0].Data, &p))
	require.Equal(t, "question", p.Phase)
	require.Equal(t, "room-1", p.RoomID)

	require.Equal(t, realtime.EvtQuestionEnded, events[1].Name)
	require.Equal(t, realtime.EvtGamePaused, events[2].Name)
	require.Equal(t, realtime.EvtGameResumed, events[3].Name)
	require.Equal(t, realtime.EvtGameEnd, events[4].Name)
}

func TestHostRejectsUnknownPhase(t *testing.T) {
	r, _, _, _ := startReconciler(t, func(cfg *Config) { cfg.Role = RoleHost })
	err := r.AdvancePhase(context.Background(), phase.Phase("bogus"))
	require.ErrorIs(t, err, phase.ErrUnknownPhase)
}

func TestSpectatorCannotControl(t *testing.T) {
	r, ch, _, _ := startReconciler(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, r.AdvancePhase(ctx, phase.Question), ErrNotHost)
	require.ErrorIs(t, r.RevealAnswer(ctx), ErrNotHost)
	require.ErrorIs(t, r.PauseGame(ctx), ErrNotHost)
	require.ErrorIs(t, r.ResumeGame(ctx), ErrNotHost)
	require.ErrorIs(t, r.EndGame(ctx), ErrNotHost)
	require.Empty(t, ch.publishedEvents())
}

func TestCloseIsIdempotent(t *testing.T) {
	r, ch, _, _ := startReconciler(t, nil)

	out := make(chan Snapshot, 16)
	r.Subscribe("display", out)
	awaitSnapshot(t, out, func(Snapshot) bool { return true })

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	awaitClosed(t, out)
	require.Equal(t, 1, ch.leaveCount())
	require.Equal(t, 1, ch.closeCount())

	_, err := r.View(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
}
