package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PandaDev0069/tuiz-liveview/internal/phase"
	"github.com/PandaDev0069/tuiz-liveview/internal/realtime"
	"github.com/PandaDev0069/tuiz-liveview/internal/reconcile"
)

// stubChannel records publishes. Control actions go straight to the
// channel, so the reconciler never needs to be started here.
type stubChannel struct {
	mu        sync.Mutex
	published []realtime.Event
}

func (c *stubChannel) Join(context.Context, string) error        { return nil }
func (c *stubChannel) Leave(context.Context) error               { return nil }
func (c *stubChannel) Close() error                              { return nil }
func (c *stubChannel) Subscribe(string, realtime.Handler) func() { return func() {} }

func (c *stubChannel) Publish(_ context.Context, ev realtime.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, ev)
	return nil
}

func (c *stubChannel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.published))
	for i, ev := range c.published {
		out[i] = ev.Name
	}
	return out
}

func newHostSession(ch *stubChannel) *Session {
	rec := reconcile.New(reconcile.Config{RoomID: "ROOM01", Role: reconcile.RoleHost}, ch, nil)
	return New("ROOM01", "https://play.tuiz.app/join?code=ROOM01", "Friday Quiz", rec, nil)
}

func TestSessionAccessors(t *testing.T) {
	s := newHostSession(&stubChannel{})
	require.Equal(t, "ROOM01", s.RoomCode())
	require.Equal(t, "https://play.tuiz.app/join?code=ROOM01", s.JoinURL())
	require.Equal(t, "Friday Quiz", s.Title())
}

func TestControlDispatch(t *testing.T) {
	ch := &stubChannel{}
	s := newHostSession(ch)
	ctx := context.Background()

	require.NoError(t, s.Control(ctx, ActionAdvance, phase.Question))
	require.NoError(t, s.Control(ctx, ActionReveal, ""))
	require.NoError(t, s.Control(ctx, ActionPause, ""))
	require.NoError(t, s.Control(ctx, ActionResume, ""))
	require.NoError(t, s.Control(ctx, ActionEnd, ""))

	require.Equal(t, []string{
		realtime.EvtPhaseChange,
		realtime.EvtQuestionEnded,
		realtime.EvtGamePaused,
		realtime.EvtGameResumed,
		realtime.EvtGameEnd,
	}, ch.names())
}

func TestControlUnknownAction(t *testing.T) {
	s := newHostSession(&stubChannel{})
	err := s.Control(context.Background(), "explode", "")
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestControlRequiresHost(t *testing.T) {
	ch := &stubChannel{}
	rec := reconcile.New(reconcile.Config{RoomID: "ROOM01"}, ch, nil)
	s := New("ROOM01", "", "", rec, nil)

	for _, action := range []string{ActionAdvance, ActionReveal, ActionPause, ActionResume, ActionEnd} {
		err := s.Control(context.Background(), action, phase.Question)
		require.ErrorIs(t, err, reconcile.ErrNotHost, "action %s", action)
	}
	require.Empty(t, ch.names())
}

func TestScreenBeforeStart(t *testing.T) {
	s := newHostSession(&stubChannel{})
	_, err := s.Screen(context.Background())
	require.ErrorIs(t, err, reconcile.ErrNotStarted)
}
