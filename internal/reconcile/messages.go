package reconcile

import (
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

// Role controls whether this client may publish control events.
type Role string

const (
	RoleSpectator Role = "spectator"
	RoleHost      Role = "host"
)

// Config wires one room's reconciler.
type Config struct {
	// RoomID is the realtime room to join; GameID addresses the REST API.
	// GameID defaults to RoomID.
	RoomID string
	GameID string
	Role   Role

	TickInterval    time.Duration
	RefreshInterval time.Duration
	FlowInterval    time.Duration
	PodiumHold      time.Duration

	Logger  *zap.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Recorder
}

const (
	defaultTickInterval    = time.Second
	defaultRefreshInterval = 5 * time.Second
	defaultPodiumHold      = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.GameID == "" {
		c.GameID = c.RoomID
	}
	if c.Role == "" {
		c.Role = RoleSpectator
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.FlowInterval <= 0 {
		c.FlowInterval = gameflow.DefaultInterval
	}
	if c.PodiumHold <= 0 {
		c.PodiumHold = defaultPodiumHold
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Snapshot is one published room state, complete enough to render a
// screen without touching the reconciler again.
type Snapshot struct {
	Version     int
	RoomID      string
	View        phase.View
	Question    *quizapi.CurrentQuestion
	Leaderboard []leaderboard.Entry
	PlayerCount int
}

type Msg interface{ isReconcileMsg() }

// Subscribe registers an outbox for state snapshots. The current snapshot
// is delivered immediately on registration.
type Subscribe struct {
	ID     string
	Outbox chan Snapshot
}

func (Subscribe) isReconcileMsg() {}

type Unsubscribe struct{ ID string }

func (Unsubscribe) isReconcileMsg() {}

// GetView requests a race-free copy of the current state.
type GetView struct {
	Reply chan Snapshot
}

func (GetView) isReconcileMsg() {}

type Shutdown struct{}

func (Shutdown) isReconcileMsg() {}

// bootstrap kicks the initial fetches once the loop is running.
type bootstrap struct{}

func (bootstrap) isReconcileMsg() {}

// channelEvent is a realtime event handed over from the socket reader.
type channelEvent struct{ ev realtime.Event }

func (channelEvent) isReconcileMsg() {}

// flowUpdate is a fresh flow snapshot from the poller.
type flowUpdate struct{ snap gameflow.Snapshot }

func (flowUpdate) isReconcileMsg() {}

type lifecycleKind int

const (
	lifeQuestionStarted lifecycleKind = iota
	lifeQuestionEnded
	lifeAnswerRevealed
	lifeExplanationShown
	lifeExplanationHidden
	lifeGameEnded
)

// lifecycle is a flow-derived edge from the poller.
type lifecycle struct {
	kind       lifecycleKind
	questionID string
	index      int
}

func (lifecycle) isReconcileMsg() {}

// questionResult carries an async question fetch back onto the loop.
// Results from a superseded generation are dropped.
type questionResult struct {
	gen uint64
	q   *quizapi.CurrentQuestion
	err error
}

func (questionResult) isReconcileMsg() {}

type standingsResult struct {
	rows []leaderboard.Standing
	err  error
}

func (standingsResult) isReconcileMsg() {}

type playersResult struct {
	players []quizapi.Player
	err     error
}

func (playersResult) isReconcileMsg() {}
