package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/PandaDev0069/tuiz-liveview/internal/gameflow"
	"github.com/PandaDev0069/tuiz-liveview/internal/leaderboard"
	"github.com/PandaDev0069/tuiz-liveview/internal/metrics"
	"github.com/PandaDev0069/tuiz-liveview/internal/phase"
	"github.com/PandaDev0069/tuiz-liveview/internal/quizapi"
	"github.com/PandaDev0069/tuiz-liveview/internal/realtime"
)

var ErrNotHost = errors.New("requires host role")
var ErrNotStarted = errors.New("reconciler not started")

const leaveTimeout = 3 * time.Second

// Channel is the realtime connection a reconciler consumes events from.
// The reconciler owns the channel once Start succeeds and closes it on
// shutdown.
type Channel interface {
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context) error
	Subscribe(event string, h realtime.Handler) func()
	Publish(ctx context.Context, ev realtime.Event) error
	Close() error
}

// API is the REST surface a reconciler fetches from.
type API interface {
	CurrentQuestionWithRetry(ctx context.Context, gameID string) (*quizapi.CurrentQuestion, error)
	Flow(ctx context.Context, gameID string) (gameflow.Snapshot, error)
	Leaderboard(ctx context.Context, gameID string) ([]leaderboard.Standing, error)
	Players(ctx context.Context, gameID string) ([]quizapi.Player, error)
}

// Reconciler owns one room's state. A single loop goroutine consumes
// realtime events, flow polls, tick timers and fetch results, applies
// them to the phase machine, and fans snapshots out to subscribers. All
// state behind the inbox is owned by the loop; there are no locks around
// it.
type Reconciler struct {
	cfg   Config
	ch    Channel
	api   API
	log   *zap.Logger
	clock clockwork.Clock
	rec   *metrics.Recorder

	inbox chan Msg
	done  chan struct{}

	startMu sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	// Loop-owned state.
	machine     *phase.Machine
	question    *quizapi.CurrentQuestion
	tracker     *leaderboard.Tracker
	standings   []leaderboard.Entry
	playerCount int
	version     int
	subs        map[string]chan Snapshot
	unsubs      []func()
	poller      *gameflow.Poller

	fetchGen      uint64
	fetchBusy     bool
	fetchBusyGen  uint64
	standingsBusy bool
	playersBusy   bool
}

func New(cfg Config, ch Channel, api API) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		cfg:     cfg,
		ch:      ch,
		api:     api,
		log:     cfg.Logger.With(zap.String("room", cfg.RoomID)),
		clock:   cfg.Clock,
		rec:     cfg.Metrics,
		inbox:   make(chan Msg, 64),
		done:    make(chan struct{}),
		machine: phase.NewMachine(cfg.Clock),
		tracker: leaderboard.NewTracker(),
		subs:    make(map[string]chan Snapshot),
	}
}

// Start joins the room, subscribes to its events, starts the flow poller
// and launches the loop. It fails if the room cannot be joined.
func (r *Reconciler) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return nil
	}

	if err := r.ch.Join(ctx, r.cfg.RoomID); err != nil {
		return err
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, name := range realtime.Events() {
		unsub := r.ch.Subscribe(name, func(ev realtime.Event) {
			r.post(channelEvent{ev: ev})
		})
		r.unsubs = append(r.unsubs, unsub)
	}

	r.poller = gameflow.New(r.api, r.cfg.GameID, gameflow.Callbacks{
		OnSnapshot: func(snap gameflow.Snapshot) { r.post(flowUpdate{snap: snap}) },
		OnQuestionStarted: func(id string, index int) {
			r.post(lifecycle{kind: lifeQuestionStarted, questionID: id, index: index})
		},
		OnQuestionEnded:  func() { r.post(lifecycle{kind: lifeQuestionEnded}) },
		OnAnswerRevealed: func() { r.post(lifecycle{kind: lifeAnswerRevealed}) },
		OnExplanationShown: func(id string) {
			r.post(lifecycle{kind: lifeExplanationShown, questionID: id})
		},
		OnExplanationHidden: func() { r.post(lifecycle{kind: lifeExplanationHidden}) },
		OnGameEnded:         func() { r.post(lifecycle{kind: lifeGameEnded}) },
	}, r.log, r.clock, r.cfg.FlowInterval)
	r.poller.Start(r.ctx)

	r.started = true
	go r.loop()
	r.post(bootstrap{})
	return nil
}

// Close stops the loop and leaves the room. Idempotent; safe before
// Start.
func (r *Reconciler) Close() error {
	r.startMu.Lock()
	started := r.started
	cancel := r.cancel
	r.startMu.Unlock()
	if !started {
		return nil
	}
	cancel()
	<-r.done
	return nil
}

// Inbox accepts control messages; tests and embedding code may use it
// directly instead of the convenience methods.
func (r *Reconciler) Inbox() chan<- Msg { return r.inbox }

// Subscribe registers an outbox under id. The outbox should be buffered;
// a subscriber that cannot keep up is dropped and its channel closed.
func (r *Reconciler) Subscribe(id string, outbox chan Snapshot) {
	r.post(Subscribe{ID: id, Outbox: outbox})
}

func (r *Reconciler) Unsubscribe(id string) {
	r.post(Unsubscribe{ID: id})
}

// View returns a race-free copy of the current state.
func (r *Reconciler) View(ctx context.Context) (Snapshot, error) {
	r.startMu.Lock()
	started := r.started
	r.startMu.Unlock()
	if !started {
		return Snapshot{}, ErrNotStarted
	}
	reply := make(chan Snapshot, 1)
	select {
	case r.inbox <- GetView{Reply: reply}:
	case <-r.done:
		return Snapshot{}, ErrNotStarted
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-r.done:
		return Snapshot{}, ErrNotStarted
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// post hands a message to the loop, giving up once the loop is gone.
func (r *Reconciler) post(m Msg) {
	select {
	case r.inbox <- m:
	case <-r.done:
	}
}

func (r *Reconciler) loop() {
	defer close(r.done)

	tick := r.clock.NewTicker(r.cfg.TickInterval)
	defer tick.Stop()
	refresh := r.clock.NewTicker(r.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case <-tick.Chan():
			r.handleTick()

		case <-refresh.Chan():
			r.refreshQuestion()

		case m := <-r.inbox:
			switch msg := m.(type) {
			case bootstrap:
				// Seed the room with whatever already exists. A mid-game
				// join gets the active question even if the flow poll is
				// unavailable.
				r.startPlayersFetch()
				r.startQuestionFetch(false)

			case Subscribe:
				r.subs[msg.ID] = msg.Outbox
				select {
				case msg.Outbox <- r.snapshot():
				default:
					close(msg.Outbox)
					delete(r.subs, msg.ID)
				}

			case Unsubscribe:
				if ch, ok := r.subs[msg.ID]; ok {
					close(ch)
					delete(r.subs, msg.ID)
				}

			case GetView:
				msg.Reply <- r.snapshot()

			case Shutdown:
				r.shutdown()
				return

			case channelEvent:
				r.handleEvent(msg.ev)

			case flowUpdate:
				r.handleFlow(msg.snap)

			case lifecycle:
				r.handleLifecycle(msg)

			case questionResult:
				r.handleQuestionResult(msg)

			case standingsResult:
				r.standingsBusy = false
				if msg.err != nil {
					r.rec.RecordFetchFailure("leaderboard")
					r.log.Warn("leaderboard fetch failed", zap.Error(msg.err))
					break
				}
				r.standings = r.tracker.Update(msg.rows)
				r.broadcast()

			case playersResult:
				r.playersBusy = false
				if msg.err != nil {
					r.rec.RecordFetchFailure("players")
					r.log.Warn("players fetch failed", zap.Error(msg.err))
					break
				}
				r.playerCount = len(msg.players)
				r.broadcast()
			}
		}
	}
}

// handleEvent validates and applies one realtime event. Events for other
// rooms and events the machine rejects as stale are dropped, with the
// reason recorded.
func (r *Reconciler) handleEvent(ev realtime.Event) {
	if ev.RoomID != "" && ev.RoomID != r.cfg.RoomID {
		r.drop(ev.Name, "wrong_room", nil)
		return
	}

	before := r.machine.Phase()
	var err error

	switch ev.Name {
	case realtime.EvtGameStarted:
		var p realtime.GameStartedPayload
		if err = r.decode(ev, &p); err != nil {
			break
		}
		if p.RoomID != "" && p.RoomID != r.cfg.RoomID {
			r.drop(ev.Name, "wrong_room", nil)
			return
		}
		err = r.machine.ApplyGameStarted(deref(p.StartedAt))

	case realtime.EvtPhaseChange:
		var p realtime.PhaseChangePayload
		if err = r.decode(ev, &p); err != nil {
			break
		}
		if p.RoomID != "" && p.RoomID != r.cfg.RoomID {
			r.drop(ev.Name, "wrong_room", nil)
			return
		}
		ph, ok := phase.Parse(p.Phase)
		if !ok {
			r.drop(ev.Name, "unknown_phase", nil)
			return
		}
		err = r.machine.ApplyPhaseChange(ph, deref(p.StartedAt))

	case realtime.EvtAnswerStats, realtime.EvtAnswerStatsLegacy:
		var p realtime.StatsPayload
		if err = r.decode(ev, &p); err != nil {
			break
		}
		err = r.machine.ApplyStats(p.QuestionID, p.Counts)

	case realtime.EvtAnswerLocked:
		var p realtime.AnswerLockedPayload
		if err = r.decode(ev, &p); err != nil {
			break
		}
		err = r.machine.ApplyAnswerLocked(p.QuestionID, p.Counts)

	case realtime.EvtQuestionEnded:
		err = r.machine.ApplyQuestionEnd()

	case realtime.EvtGamePaused:
		r.machine.SetPaused(true)

	case realtime.EvtGameResumed:
		r.machine.SetPaused(false)

	case realtime.EvtGameEnd:
		err = r.machine.ApplyEnded()

	default:
		r.drop(ev.Name, "unknown_event", nil)
		return
	}

	if err != nil {
		r.drop(ev.Name, dropReason(err), err)
		return
	}

	r.rec.RecordEventApplied(ev.Name)
	r.afterApply(before)
	r.broadcast()
}

func (r *Reconciler) handleFlow(snap gameflow.Snapshot) {
	f := phase.Flow{
		QuestionID:     snap.CurrentQuestionID,
		QuestionIndex:  snap.CurrentQuestionIndex,
		TotalQuestions: snap.TotalQuestions,
		Active:         snap.Timer.IsActive,
	}
	if snap.QuestionStartedAt != nil {
		f.StartedAt = *snap.QuestionStartedAt
	}
	if snap.QuestionEndsAt != nil {
		f.EndsAt = *snap.QuestionEndsAt
	}
	if d, ok := snap.Timer.Remaining(); ok {
		f.Remaining, f.HasRemaining = d, true
	}
	r.machine.ApplyFlow(f)
	r.broadcast()
}

// handleLifecycle applies flow-derived edges through the same machine
// validation as pushed events, so the poll path can never bypass the
// staleness rules.
func (r *Reconciler) handleLifecycle(msg lifecycle) {
	before := r.machine.Phase()
	var err error

	switch msg.kind {
	case lifeQuestionStarted:
		err = r.machine.ApplyQuestionStart(msg.questionID, msg.index)
		if err == nil {
			r.bumpQuestionFetch()
		}

	case lifeQuestionEnded:
		err = r.machine.ApplyQuestionEnd()

	case lifeAnswerRevealed:
		err = r.machine.ApplyAnswerReveal()

	case lifeExplanationShown:
		e := r.cachedExplanation()
		err = r.machine.ApplyExplanation(msg.questionID, e)
		if errors.Is(err, phase.ErrNoExplanation) {
			r.log.Debug("explanation empty, staying put", zap.String("question_id", msg.questionID))
			return
		}

	case lifeExplanationHidden:
		// The next phase event decides where to go; nothing to do here.
		r.log.Debug("explanation hidden")
		return

	case lifeGameEnded:
		err = r.machine.ApplyGameEnd()
	}

	if err != nil {
		r.drop("flow", dropReason(err), err)
		return
	}
	r.afterApply(before)
	r.broadcast()
}

func (r *Reconciler) handleTick() {
	before := r.machine.Phase()
	changed, resynced := r.machine.Tick(r.cfg.TickInterval)
	if resynced {
		r.rec.RecordResync()
	}

	if r.machine.Phase() == phase.Podium &&
		r.clock.Now().Sub(r.machine.PhaseSince()) >= r.cfg.PodiumHold {
		if r.machine.CompletePodium() {
			changed = true
		}
	}

	r.afterApply(before)
	if changed {
		r.broadcast()
	}
}

// afterApply records the transition and kicks the fetches the new phase
// wants: standings ahead of ranking screens, players in the lobby.
func (r *Reconciler) afterApply(before phase.Phase) {
	now := r.machine.Phase()
	if now == before {
		return
	}
	r.rec.RecordTransition(string(before), string(now))
	r.log.Info("phase transition", zap.String("from", string(before)), zap.String("to", string(now)))

	switch now {
	case phase.AnswerReveal, phase.Leaderboard, phase.Podium:
		r.startStandingsFetch()
	case phase.Waiting:
		r.startPlayersFetch()
	}
}

func (r *Reconciler) refreshQuestion() {
	if r.machine.View().QuestionID == "" {
		return
	}
	r.startQuestionFetch(false)
}

func (r *Reconciler) bumpQuestionFetch() { r.startQuestionFetch(true) }

// startQuestionFetch launches at most one in-flight question fetch per
// generation. The generation bumps when the tracked question changes, so
// a late result for the previous question is recognized and dropped.
func (r *Reconciler) startQuestionFetch(bump bool) {
	if bump {
		r.fetchGen++
	}
	gen := r.fetchGen
	if r.fetchBusy && r.fetchBusyGen == gen {
		return
	}
	r.fetchBusy = true
	r.fetchBusyGen = gen
	go func() {
		q, err := r.api.CurrentQuestionWithRetry(r.ctx, r.cfg.GameID)
		r.post(questionResult{gen: gen, q: q, err: err})
	}()
}

func (r *Reconciler) handleQuestionResult(msg questionResult) {
	if msg.gen == r.fetchBusyGen {
		r.fetchBusy = false
	}
	if msg.gen != r.fetchGen {
		r.log.Debug("stale question fetch dropped", zap.Uint64("gen", msg.gen))
		return
	}
	if msg.err != nil {
		// Retries are exhausted at this point; keep showing what we have.
		r.log.Warn("question fetch failed, degrading", zap.Error(msg.err))
		return
	}

	q := msg.q
	r.question = q
	r.machine.SetTiming(phase.TimingFromSeconds(
		q.Question.ShowQuestionTime,
		q.Question.AnsweringTime,
		q.Question.ShowExplanationTime,
	))
	r.machine.SetTotalQuestions(q.TotalQuestions)

	// The refresh can discover a question the push path missed entirely.
	if q.Question.ID != "" && q.Question.ID != r.machine.View().QuestionID {
		before := r.machine.Phase()
		if err := r.machine.ApplyQuestionStart(q.Question.ID, q.QuestionIndex); err == nil {
			r.fetchGen++
			r.fetchBusyGen = r.fetchGen
			r.afterApply(before)
		}
	}
	r.broadcast()
}

func (r *Reconciler) startStandingsFetch() {
	if r.standingsBusy {
		return
	}
	r.standingsBusy = true
	go func() {
		rows, err := r.api.Leaderboard(r.ctx, r.cfg.GameID)
		r.post(standingsResult{rows: rows, err: err})
	}()
}

func (r *Reconciler) startPlayersFetch() {
	if r.playersBusy {
		return
	}
	r.playersBusy = true
	go func() {
		players, err := r.api.Players(r.ctx, r.cfg.GameID)
		r.post(playersResult{players: players, err: err})
	}()
}

// cachedExplanation builds the recap payload from the fetched question.
func (r *Reconciler) cachedExplanation() phase.Recap {
	if r.question == nil {
		return phase.Recap{}
	}
	return phase.Recap{
		Title:    r.question.Question.ExplanationTitle,
		Body:     r.question.Question.ExplanationText,
		ImageURL: r.question.Question.ExplanationImageURL,
	}
}

func (r *Reconciler) snapshot() Snapshot {
	return Snapshot{
		Version:     r.version,
		RoomID:      r.cfg.RoomID,
		View:        r.machine.View(),
		Question:    r.question,
		Leaderboard: append([]leaderboard.Entry(nil), r.standings...),
		PlayerCount: r.playerCount,
	}
}

func (r *Reconciler) broadcast() {
	r.version++
	snap := r.snapshot()
	r.rec.RecordBroadcast()
	for id, ch := range r.subs {
		select {
		case ch <- snap:
		default:
			// Subscriber is not keeping up; cut it loose.
			close(ch)
			delete(r.subs, id)
			r.log.Warn("dropped slow subscriber", zap.String("subscriber", id))
		}
	}
}

func (r *Reconciler) shutdown() {
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.poller != nil {
		r.poller.Stop()
	}

	lctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := r.ch.Leave(lctx); err != nil {
		r.log.Warn("room leave failed", zap.Error(err))
	}
	if err := r.ch.Close(); err != nil {
		r.log.Warn("channel close failed", zap.Error(err))
	}
	r.cancel()
}

func (r *Reconciler) decode(ev realtime.Event, out any) error {
	if len(ev.Data) == 0 {
		return nil
	}
	return json.Unmarshal(ev.Data, out)
}

func (r *Reconciler) drop(event, reason string, err error) {
	r.rec.RecordEventDropped(event, reason)
	fields := []zap.Field{zap.String("event", event), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	r.log.Debug("event dropped", fields...)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, phase.ErrPhaseRegress):
		return "stale"
	case errors.Is(err, phase.ErrStaleQuestion):
		return "stale_question"
	case errors.Is(err, phase.ErrUnknownPhase):
		return "unknown_phase"
	case errors.Is(err, phase.ErrNoQuestion):
		return "no_question"
	case errors.Is(err, phase.ErrNoExplanation):
		return "no_explanation"
	default:
		return "invalid"
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Host controls. These publish events for the server to fan out; local
// state changes only when the event comes back through the channel, so
// every client including the host converges on the same path.

func (r *Reconciler) requireHost() error {
	if r.cfg.Role != RoleHost {
		return ErrNotHost
	}
	return nil
}

// AdvancePhase publishes a host-ordered phase change.
func (r *Reconciler) AdvancePhase(ctx context.Context, to phase.Phase) error {
	if err := r.requireHost(); err != nil {
		return err
	}
	if !to.Valid() {
		return phase.ErrUnknownPhase
	}
	ev, err := realtime.NewEvent(realtime.EvtPhaseChange, r.cfg.RoomID,
		realtime.PhaseChangePayload{RoomID: r.cfg.RoomID, Phase: string(to)})
	if err != nil {
		return err
	}
	return r.ch.Publish(ctx, ev)
}

// RevealAnswer publishes the early end of the answering window.
func (r *Reconciler) RevealAnswer(ctx context.Context) error {
	if err := r.requireHost(); err != nil {
		return err
	}
	return r.ch.Publish(ctx, realtime.Event{Name: realtime.EvtQuestionEnded, RoomID: r.cfg.RoomID})
}

// PauseGame and ResumeGame gate every client's local ticking.
func (r *Reconciler) PauseGame(ctx context.Context) error {
	if err := r.requireHost(); err != nil {
		return err
	}
	return r.ch.Publish(ctx, realtime.Event{Name: realtime.EvtGamePaused, RoomID: r.cfg.RoomID})
}

func (r *Reconciler) ResumeGame(ctx context.Context) error {
	if err := r.requireHost(); err != nil {
		return err
	}
	return r.ch.Publish(ctx, realtime.Event{Name: realtime.EvtGameResumed, RoomID: r.cfg.RoomID})
}

// EndGame publishes the room-closed signal.
func (r *Reconciler) EndGame(ctx context.Context) error {
	if err := r.requireHost(); err != nil {
		return err
	}
	return r.ch.Publish(ctx, realtime.Event{Name: realtime.EvtGameEnd, RoomID: r.cfg.RoomID})
}
