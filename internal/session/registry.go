package session

import (
	"context"

	"go.uber.org/zap"
)

// Factory builds the session for a room code: dial the realtime gateway,
// start the reconciler, wrap it. ctx outlives the call; it is the
// session's lifetime.
type Factory func(ctx context.Context, code string) (*Session, error)

type Msg interface{ isRegistryMsg() }

// Ensure returns the session for a code, creating it if needed. Reply
// must be buffered.
type Ensure struct {
	Code  string
	Reply chan Result
}

// Get returns the session for a code, or nil. Reply must be buffered.
type Get struct {
	Code  string
	Reply chan *Session
}

type Remove struct{ Code string }

type ShutdownAll struct{}

// Result resolves an Ensure: either a live session or the creation error.
type Result struct {
	Session *Session
	Err     error
}

func (Ensure) isRegistryMsg()      {}
func (Get) isRegistryMsg()         {}
func (Remove) isRegistryMsg()      {}
func (ShutdownAll) isRegistryMsg() {}

// created carries an async factory result back onto the loop.
type created struct {
	code string
	s    *Session
	err  error
}

func (created) isRegistryMsg() {}

// Registry owns every live session, one per room code. A single loop
// goroutine serializes all access. Session creation runs off-loop so a
// slow gateway dial cannot stall lookups for other rooms; concurrent
// Ensures for the same code share one factory call.
type Registry struct {
	inbox    chan Msg
	sessions map[string]*Session
	pending  map[string][]chan Result
	factory  Factory
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewRegistry(parent context.Context, factory Factory, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:    make(chan Msg, 64),
		sessions: make(map[string]*Session),
		pending:  make(map[string][]chan Result),
		factory:  factory,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

// Ensure resolves the session for code, creating it on first use.
func (r *Registry) Ensure(ctx context.Context, code string) (*Session, error) {
	reply := make(chan Result, 1)
	select {
	case r.inbox <- Ensure{Code: code, Reply: reply}:
	case <-r.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Session, res.Err
	case <-r.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get resolves an existing session or nil.
func (r *Registry) Get(ctx context.Context, code string) *Session {
	reply := make(chan *Session, 1)
	select {
	case r.inbox <- Get{Code: code, Reply: reply}:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case s := <-reply:
		return s
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Remove drops and closes the session for code, if any.
func (r *Registry) Remove(code string) {
	select {
	case r.inbox <- Remove{Code: code}:
	case <-r.done:
	}
}

// Shutdown closes every session and stops the loop.
func (r *Registry) Shutdown() {
	select {
	case r.inbox <- ShutdownAll{}:
	case <-r.done:
	}
	<-r.done
}

func (r *Registry) loop() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			r.closeAll()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Ensure:
				if s := r.sessions[msg.Code]; s != nil {
					msg.Reply <- Result{Session: s}
					break
				}
				if waiting, ok := r.pending[msg.Code]; ok {
					r.pending[msg.Code] = append(waiting, msg.Reply)
					break
				}
				r.pending[msg.Code] = []chan Result{msg.Reply}
				go func(code string) {
					s, err := r.factory(r.ctx, code)
					select {
					case r.inbox <- created{code: code, s: s, err: err}:
					case <-r.ctx.Done():
						if s != nil {
							_ = s.Close()
						}
					}
				}(msg.Code)

			case created:
				waiting := r.pending[msg.code]
				delete(r.pending, msg.code)
				if msg.err != nil {
					r.log.Warn("session creation failed",
						zap.String("room", msg.code), zap.Error(msg.err))
					for _, reply := range waiting {
						reply <- Result{Err: msg.err}
					}
					break
				}
				r.sessions[msg.code] = msg.s
				r.log.Info("session created", zap.String("room", msg.code))
				for _, reply := range waiting {
					reply <- Result{Session: msg.s}
				}

			case Get:
				msg.Reply <- r.sessions[msg.Code]

			case Remove:
				if s := r.sessions[msg.Code]; s != nil {
					delete(r.sessions, msg.Code)
					go func() { _ = s.Close() }()
					r.log.Info("session removed", zap.String("room", msg.Code))
				}

			case ShutdownAll:
				r.closeAll()
				r.cancel()
				return
			}
		}
	}
}

// closeAll closes every session, resolving in-flight Ensures with the
// shutdown error first.
func (r *Registry) closeAll() {
	for code, waiting := range r.pending {
		for _, reply := range waiting {
			reply <- Result{Err: context.Canceled}
		}
		delete(r.pending, code)
	}
	for code, s := range r.sessions {
		delete(r.sessions, code)
		_ = s.Close()
	}
}
