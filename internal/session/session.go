package session

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"

	"github.com/PandaDev0069/tuiz-liveview/internal/phase"
	"github.com/PandaDev0069/tuiz-liveview/internal/reconcile"
	"github.com/PandaDev0069/tuiz-liveview/internal/screen"
)

var ErrUnknownAction = errors.New("unknown control action")

// Control actions accepted from the host surface.
const (
	ActionAdvance = "advance"
	ActionReveal  = "reveal"
	ActionPause   = "pause"
	ActionResume  = "resume"
	ActionEnd     = "end"
)

// Session is one room's live view: the reconciler that tracks it plus the
// static room metadata a big screen renders around the game state.
type Session struct {
	code    string
	joinURL string
	title   string
	rec     *reconcile.Reconciler
	clock   clockwork.Clock
}

func New(code, joinURL, title string, rec *reconcile.Reconciler, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{code: code, joinURL: joinURL, title: title, rec: rec, clock: clock}
}

func (s *Session) RoomCode() string { return s.code }

func (s *Session) JoinURL() string { return s.joinURL }

func (s *Session) Title() string { return s.title }

// Screen renders the room's current state.
func (s *Session) Screen(ctx context.Context) (screen.Screen, error) {
	snap, err := s.rec.View(ctx)
	if err != nil {
		return screen.Screen{}, err
	}
	return screen.Build(screen.Input{
		View:        snap.View,
		Question:    snap.Question,
		Leaderboard: snap.Leaderboard,
		PlayerCount: snap.PlayerCount,
		RoomCode:    s.code,
		JoinURL:     s.joinURL,
		GameTitle:   s.title,
		Now:         s.clock.Now(),
	}), nil
}

// Snapshot exposes the raw reconciled state.
func (s *Session) Snapshot(ctx context.Context) (reconcile.Snapshot, error) {
	return s.rec.View(ctx)
}

// Watch registers a live snapshot feed under id. The outbox should be
// buffered; a feed that stops draining is closed.
func (s *Session) Watch(id string, outbox chan reconcile.Snapshot) {
	s.rec.Subscribe(id, outbox)
}

func (s *Session) Unwatch(id string) {
	s.rec.Unsubscribe(id)
}

// Control dispatches a host action. Non-host sessions get
// reconcile.ErrNotHost back from every action.
func (s *Session) Control(ctx context.Context, action string, to phase.Phase) error {
	switch action {
	case ActionAdvance:
		return s.rec.AdvancePhase(ctx, to)
	case ActionReveal:
		return s.rec.RevealAnswer(ctx)
	case ActionPause:
		return s.rec.PauseGame(ctx)
	case ActionResume:
		return s.rec.ResumeGame(ctx)
	case ActionEnd:
		return s.rec.EndGame(ctx)
	default:
		return ErrUnknownAction
	}
}

// Close stops the reconciler and leaves the room.
func (s *Session) Close() error {
	return s.rec.Close()
}
