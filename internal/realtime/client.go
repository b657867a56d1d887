package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("realtime client closed")
var ErrNotConnected = errors.New("realtime client not connected")

const (
	writeTimeout         = 3 * time.Second
	defaultReconnectWait = time.Second
	maxReconnectWait     = 10 * time.Second
)

// Handler receives one decoded server event. Handlers run on the read
// goroutine and must not block.
type Handler func(ev Event)

type Options struct {
	Logger        *zap.Logger
	Clock         clockwork.Clock
	ReconnectWait time.Duration
}

// Client is a room-event connection to the realtime gateway. It keeps a
// single room membership, survives connection drops by redialing, and
// re-joins the room on a fresh socket because join state is per socket.
type Client struct {
	url   string
	log   *zap.Logger
	clock clockwork.Clock
	wait  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	connID  string
	room    string
	joined  bool
	closed  bool
	subs    map[string]map[int]Handler
	nextSub int
}

// Dial connects to the gateway and starts the read loop.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = defaultReconnectWait
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:    url,
		log:    opts.Logger,
		clock:  opts.Clock,
		wait:   opts.ReconnectWait,
		done:   make(chan struct{}),
		conn:   conn,
		connID: uuid.NewString(),
		subs:   map[string]map[int]Handler{},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.readLoop()
	return c, nil
}

// ConnID identifies the current underlying socket. It changes on every
// reconnect.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Subscribe registers h for events named event and returns the matching
// unsubscribe func. Subscriptions survive reconnects.
func (c *Client) Subscribe(event string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[event] == nil {
		c.subs[event] = map[int]Handler{}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[event], id)
	}
}

// Join enters a room. Joining the room the client is already in is a
// no-op, so callers can call it freely on every (re)connect path.
func (c *Client) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.joined && c.room == room {
		c.mu.Unlock()
		return nil
	}
	alreadyIn := c.joined
	prev := c.room
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if alreadyIn && prev != room {
		if err := c.send(ctx, conn, frame{Type: frameLeave, RoomID: prev}); err != nil {
			return err
		}
	}
	if err := c.send(ctx, conn, frame{Type: frameJoin, RoomID: room}); err != nil {
		return err
	}

	c.mu.Lock()
	c.joined = true
	c.room = room
	c.mu.Unlock()
	c.log.Info("joined room", zap.String("room", room), zap.String("conn_id", c.ConnID()))
	return nil
}

// Leave exits the current room. Safe to call when not in one.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	room := c.room
	conn := c.conn
	c.joined = false
	c.room = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := c.send(ctx, conn, frame{Type: frameLeave, RoomID: room}); err != nil {
		return err
	}
	c.log.Info("left room", zap.String("room", room))
	return nil
}

// Publish sends an event envelope to the gateway for fan-out to the room.
func (c *Client) Publish(ctx context.Context, ev Event) error {
	c.mu.Lock()
	closed := c.closed
	conn := c.conn
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return c.send(ctx, conn, frame{Type: frameEvent, RoomID: ev.RoomID, Event: ev.Name, Data: ev.Data})
}

// Close tears the connection down and waits for the read loop to stop.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	<-c.done
	return nil
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.readFrom(conn)
		}
		if c.ctx.Err() != nil {
			return
		}
		if !c.redial() {
			return
		}
	}
}

func (c *Client) readFrom(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Info("realtime connection closed")
			default:
				if c.ctx.Err() == nil {
					c.log.Warn("realtime read failed", zap.Error(err))
				}
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("bad event payload", zap.Error(err))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.subs[ev.Name]))
	for _, h := range c.subs[ev.Name] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// redial reconnects with linear backoff until it succeeds or the client
// is closed. A fresh socket gets a fresh conn id and a cleared join flag;
// if the client was in a room it joins again.
func (c *Client) redial() bool {
	for attempt := 1; ; attempt++ {
		wait := time.Duration(attempt) * c.wait
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
		t := c.clock.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return false
		case <-t.Chan():
		}

		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return false
			}
			c.log.Warn("realtime redial failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connID = uuid.NewString()
		c.joined = false
		room := c.room
		c.mu.Unlock()

		c.log.Info("realtime reconnected", zap.Int("attempt", attempt), zap.String("conn_id", c.ConnID()))
		if room != "" {
			if err := c.Join(c.ctx, room); err != nil {
				c.log.Warn("room rejoin failed", zap.String("room", room), zap.Error(err))
			}
		}
		return true
	}
}
