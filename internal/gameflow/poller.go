package gameflow

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const DefaultInterval = 2500 * time.Millisecond

// Fetcher retrieves the current flow snapshot for a game.
type Fetcher interface {
	Flow(ctx context.Context, gameID string) (Snapshot, error)
}

// Callbacks receive flow updates and the lifecycle edges derived from
// diffing consecutive snapshots. All callbacks run on the poll goroutine;
// nil entries are skipped.
type Callbacks struct {
	// OnSnapshot fires on every successful poll, before any edge callback,
	// so listeners hold current timing data when the edges arrive.
	OnSnapshot func(Snapshot)

	OnQuestionStarted   func(questionID string, index int)
	OnQuestionEnded     func()
	OnAnswerRevealed    func()
	OnExplanationShown  func(questionID string)
	OnExplanationHidden func()
	OnGameEnded         func()
}

// Poller polls the flow endpoint and turns snapshot diffs into lifecycle
// callbacks. A failed poll keeps the last known snapshot; the next success
// diffs against that, so missed cycles degrade rather than reset.
type Poller struct {
	fetcher  Fetcher
	gameID   string
	cb       Callbacks
	log      *zap.Logger
	clock    clockwork.Clock
	interval time.Duration

	done     chan struct{}
	stopOnce sync.Once
	startMu  sync.Mutex
	started  bool

	mu       sync.Mutex
	last     Snapshot
	lastAt   time.Time
	hasLast  bool
	failures int
}

func New(fetcher Fetcher, gameID string, cb Callbacks, log *zap.Logger, clock clockwork.Clock, interval time.Duration) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetcher:  fetcher,
		gameID:   gameID,
		cb:       cb,
		log:      log,
		clock:    clock,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start polls until the context is cancelled or Stop is called. Calling
// Start twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.startMu.Lock()
	if p.started {
		p.startMu.Unlock()
		return
	}
	p.started = true
	p.startMu.Unlock()

	go func() {
		p.log.Info("flow poller started",
			zap.String("game_id", p.gameID),
			zap.Duration("interval", p.interval))

		// Warm poll so a freshly joined display converges immediately.
		p.pollOnce(ctx)

		ticker := p.clock.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.log.Info("flow poller stopped", zap.String("game_id", p.gameID))
				return
			case <-p.done:
				p.log.Info("flow poller stopped", zap.String("game_id", p.gameID))
				return
			case <-ticker.Chan():
				p.pollOnce(ctx)
			}
		}
	}()
}

// Stop halts the poll loop. Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// Failures reports consecutive failed polls since the last success.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Poller) pollOnce(ctx context.Context) {
	next, err := p.fetcher.Flow(ctx, p.gameID)
	if err != nil {
		p.mu.Lock()
		p.failures++
		n := p.failures
		p.mu.Unlock()
		if ctx.Err() == nil {
			p.log.Warn("flow poll failed",
				zap.String("game_id", p.gameID),
				zap.Int("consecutive", n),
				zap.Error(err))
		}
		return
	}

	now := p.clock.Now()
	p.mu.Lock()
	prev, had, prevAt := p.last, p.hasLast, p.lastAt
	p.last, p.lastAt, p.hasLast = next, now, true
	p.failures = 0
	p.mu.Unlock()

	if p.cb.OnSnapshot != nil {
		p.cb.OnSnapshot(next)
	}
	p.emitEdges(prev, had, prevAt, next, now)
}

// emitEdges compares consecutive snapshots and fires one callback per
// observed lifecycle edge. Each snapshot is judged at its own poll time,
// otherwise a question window expiring between polls of the same question
// would never register as an edge. The very first snapshot diffs against
// the zero snapshot so a mid-game join catches up.
func (p *Poller) emitEdges(prev Snapshot, had bool, prevAt time.Time, next Snapshot, now time.Time) {
	if !had {
		prev = Snapshot{}
	}

	if next.CurrentQuestionID != "" && next.CurrentQuestionID != prev.CurrentQuestionID {
		if p.cb.OnQuestionStarted != nil {
			p.cb.OnQuestionStarted(next.CurrentQuestionID, next.CurrentQuestionIndex)
		}
	}
	if !prev.questionEndPassed(prevAt) && next.questionEndPassed(now) {
		if p.cb.OnQuestionEnded != nil {
			p.cb.OnQuestionEnded()
		}
	}
	if !prev.AnswerRevealed && next.AnswerRevealed {
		if p.cb.OnAnswerRevealed != nil {
			p.cb.OnAnswerRevealed()
		}
	}
	if !prev.ShowingExplanation && next.ShowingExplanation {
		if p.cb.OnExplanationShown != nil {
			p.cb.OnExplanationShown(next.CurrentQuestionID)
		}
	}
	if prev.ShowingExplanation && !next.ShowingExplanation {
		if p.cb.OnExplanationHidden != nil {
			p.cb.OnExplanationHidden()
		}
	}
	if !prev.Ended() && next.Ended() {
		if p.cb.OnGameEnded != nil {
			p.cb.OnGameEnded()
		}
	}
}
