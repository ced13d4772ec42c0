// Package connection keeps one document in sync with its relay room.
//
// A Connection walks the states connecting, connected, disconnected and
// offline. It goes offline only when no usable token exists or the relay
// rejects the token; network failures leave it disconnected and retrying
// with exponential backoff until MaxRetries is exceeded.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/crdt"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/notify"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/wire"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateOffline      State = "offline"
)

const (
	defaultAuthTimeout = 10 * time.Second
	defaultSendBuffer  = 256
	defaultReadLimit   = 32 << 20
)

var errSendOverflow = errors.New("outbound buffer full")

// TransportError is returned by Err once the retry ceiling has been passed.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Backoff configures the delay between reconnect attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

func (b Backoff) schedule() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = b.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

type Options struct {
	// URL of the relay websocket endpoint, ws(s):// or http(s)://.
	URL      string
	Tokens   auth.TokenSource
	Document *crdt.Document
	// Room maps the token owner to the room this connection joins.
	Room func(ownerID string) string

	Backoff     Backoff
	MaxRetries  int
	AuthTimeout time.Duration
	SendBuffer  int
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
}

type Connection struct {
	opts   Options
	logger zerolog.Logger
	states notify.Registry[State]
	synced notify.Registry[struct{}]

	mu     sync.Mutex
	state  State
	room   string
	err    error
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	// caughtUp is set while the relay holds everything this replica has.
	caughtUp bool
}

// syncProgress tracks one session's handshake and outbound queue.
type syncProgress struct {
	mu         sync.Mutex
	stepSent   bool
	stepMerged bool
	queued     int
}

func (p *syncProgress) update(fn func(p *syncProgress)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
	return p.stepSent && p.stepMerged && p.queued == 0
}

func New(opts Options) (*Connection, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if opts.Document == nil {
		return nil, fmt.Errorf("document is required")
	}
	if opts.Room == nil {
		return nil, fmt.Errorf("room func is required")
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	opts.Backoff = opts.Backoff.withDefaults()
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Connection{
		opts:   opts,
		logger: logger.With().Str("component", "connection").Logger(),
		state:  StateConnecting,
	}, nil
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room is the room joined by the current lifecycle, empty while offline
// before any token was obtained.
func (c *Connection) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Err reports why the lifecycle stopped: an *auth.Error, auth.ErrNoToken or
// a *TransportError. It is nil while the connection is live or retrying.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Synced reports whether the current session has exchanged snapshots with
// the relay and written every local update since.
func (c *Connection) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caughtUp
}

// OnSynced registers fn to run each time the session catches up with the
// relay.
func (c *Connection) OnSynced(fn func()) notify.Subscription {
	return c.synced.Subscribe(func(struct{}) { fn() })
}

func (c *Connection) setCaughtUp(v bool) {
	c.mu.Lock()
	changed := c.caughtUp != v
	c.caughtUp = v
	c.mu.Unlock()
	if changed && v {
		c.synced.Publish(struct{}{})
	}
}

// OnState registers fn for every state transition.
func (c *Connection) OnState(fn func(State)) notify.Subscription {
	return c.states.Subscribe(fn)
}

// Start begins the lifecycle. The token is checked before Start returns, so
// a device without credentials is offline immediately and never dials.
func (c *Connection) Start(ctx context.Context) State {
	c.mu.Lock()
	if c.closed {
		state := c.state
		c.mu.Unlock()
		return state
	}
	c.parent = ctx
	c.mu.Unlock()
	return c.begin()
}

// Restart stops the current lifecycle and starts a new one from connecting.
// It is the only way out of offline or a fatal transport error.
func (c *Connection) Restart() State {
	c.stop()
	c.mu.Lock()
	if c.closed || c.parent == nil {
		state := c.state
		c.mu.Unlock()
		return state
	}
	c.mu.Unlock()
	return c.begin()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.stop()
	return nil
}

func (c *Connection) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Connection) begin() State {
	c.mu.Lock()
	parent := c.parent
	c.err = nil
	c.room = ""
	c.mu.Unlock()
	c.setState(StateConnecting)

	token, err := c.opts.Tokens.Token(parent)
	if err != nil {
		c.goOffline(err)
		return StateOffline
	}
	room := c.opts.Room(token.OwnerID)

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.mu.Lock()
	c.room = room
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx, room, token)
	}()
	return StateConnecting
}

func (c *Connection) goOffline(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.logger.Info().Err(err).Msg("connection offline")
	c.setState(StateOffline)
}

func (c *Connection) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.states.Publish(state)
}

func (c *Connection) run(ctx context.Context, room string, token auth.Token) {
	schedule := c.opts.Backoff.schedule()
	failures := 0
	for {
		connected, err := c.session(ctx, room, token)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, auth.ErrUnauthenticated) {
			c.goOffline(err)
			return
		}
		if connected {
			failures = 0
			schedule.Reset()
		}
		failures++
		c.setState(StateDisconnected)
		c.logger.Warn().Err(err).Str("room", room).Int("attempt", failures).Msg("relay connection lost")
		if c.opts.MaxRetries > 0 && failures > c.opts.MaxRetries {
			c.mu.Lock()
			c.err = &TransportError{Attempts: failures, Err: err}
			c.mu.Unlock()
			c.logger.Error().Err(err).Str("room", room).Msg("giving up on relay")
			return
		}
		if waitErr := waitWithContext(ctx, schedule.NextBackOff()); waitErr != nil {
			return
		}

		next, tokenErr := c.opts.Tokens.Token(ctx)
		if tokenErr != nil {
			if ctx.Err() != nil {
				return
			}
			c.goOffline(tokenErr)
			return
		}
		// The room is fixed for the lifecycle; a token for someone else
		// cannot join it.
		if c.opts.Room(next.OwnerID) != room {
			c.goOffline(&auth.Error{Code: "owner_changed", Message: "token owner changed, restart required"})
			return
		}
		token = next
	}
}

// session runs one websocket connection. connected reports whether the
// relay accepted the token before the session ended.
func (c *Connection) session(ctx context.Context, room string, token auth.Token) (connected bool, err error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.AuthTimeout)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{HTTPClient: c.opts.HTTPClient})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(defaultReadLimit)

	if err := c.authenticate(ctx, conn, room, token); err != nil {
		return false, err
	}
	c.setState(StateConnected)
	c.logger.Info().Str("room", room).Msg("relay connected")

	outbound := make(chan []byte, c.opts.SendBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	progress := &syncProgress{}
	defer c.setCaughtUp(false)
	sub := c.opts.Document.OnUpdate(func(ev crdt.UpdateEvent) {
		if ev.Origin == c {
			return
		}
		progress.update(func(p *syncProgress) { p.queued++ })
		c.setCaughtUp(false)
		select {
		case outbound <- ev.Update:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer sub.Unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := writeFrame(gctx, conn, wire.SyncStep(c.opts.Document.Snapshot())); err != nil {
			return err
		}
		if progress.update(func(p *syncProgress) { p.stepSent = true }) {
			c.setCaughtUp(true)
		}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-overflow:
				return errSendOverflow
			case update := <-outbound:
				if err := writeFrame(gctx, conn, wire.Update(update)); err != nil {
					return err
				}
				if progress.update(func(p *syncProgress) { p.queued-- }) {
					c.setCaughtUp(true)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			f, err := readFrame(gctx, conn)
			if err != nil {
				return err
			}
			switch f.Type {
			case wire.TypeSyncStep, wire.TypeUpdate:
				if _, err := c.opts.Document.Merge(f.Data, c); err != nil {
					c.logger.Warn().Err(err).Str("room", room).Msg("dropping undecodable update")
				}
				if f.Type == wire.TypeSyncStep && progress.update(func(p *syncProgress) { p.stepMerged = true }) {
					c.setCaughtUp(true)
				}
			case wire.TypeAuthFail:
				return &auth.Error{Code: "auth_failed", Message: f.Reason}
			}
		}
	})
	return true, g.Wait()
}

func (c *Connection) authenticate(ctx context.Context, conn *websocket.Conn, room string, token auth.Token) error {
	timer := time.AfterFunc(c.opts.AuthTimeout, func() {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth timeout")
	})
	defer timer.Stop()

	if err := writeFrame(ctx, conn, wire.Auth(token.Value, room)); err != nil {
		return err
	}
	f, err := readFrame(ctx, conn)
	if err != nil {
		return err
	}
	switch f.Type {
	case wire.TypeAuthOK:
		return nil
	case wire.TypeAuthFail:
		return &auth.Error{Code: "auth_failed", Message: f.Reason}
	default:
		return fmt.Errorf("%w: expected auth reply, got %s", wire.ErrMalformedFrame, f.Type)
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readFrame(ctx context.Context, conn *websocket.Conn) (wire.Frame, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == wire.CloseAuthFailed {
				return wire.Frame{}, &auth.Error{Code: "auth_failed", Message: "relay closed the connection"}
			}
			return wire.Frame{}, err
		}
		f, err := wire.Decode(data)
		if err != nil {
			continue
		}
		return f, nil
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
