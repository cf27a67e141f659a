// Package broker is the persistent framed channel to the trading front-end:
// it accepts one authenticated peer at a time, keeps it alive with
// heartbeats, routes inbound signals to the pipeline and correlates order
// acknowledgements back to waiting callers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mt5-bridge/internal/auth"
	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/model"
	"mt5-bridge/internal/wire"
)

// Config controls the channel.
type Config struct {
	ReconnectMax      int
	BackoffBase       float64
	BackoffUnit       time.Duration // delay of the first retry
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ExecTimeout       time.Duration
	SendTimeout       time.Duration
	AuthTimeout       time.Duration
	OutboundQueue     int
}

func (c *Config) applyDefaults() {
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10
	}
	if c.BackoffBase < 1 {
		c.BackoffBase = 2
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
}

// Hooks observe channel activity. Optional; must not block.
type Hooks struct {
	OnStateChange func(from, to State)
	OnFrame       func(direction, frameType string)
	OnUnknownAck  func()
}

type ackResult struct {
	ack model.OrderAck
	err error
}

type pendingAck struct {
	sess *session
	done chan ackResult
}

// Channel is the broker front-end link.
type Channel struct {
	cfg      Config
	listener wire.Listener
	auth     auth.Authenticator
	hooks    Hooks
	log      *slog.Logger

	mu       sync.Mutex
	state    State
	sess     *session
	handler  model.SignalHandler
	draining bool // set by Stop; new signals are refused

	// Signal handlers run under hctx, which outlives the run context so an
	// order already sent can still be acknowledged while Stop drains.
	hctx    context.Context
	hcancel context.CancelFunc

	pmu     sync.Mutex
	pending map[string]*pendingAck

	cancel   context.CancelFunc
	runDone  chan struct{}
	handlers sync.WaitGroup
	stopOnce sync.Once
}

// New creates a channel over listener. Call SetHandler before Start.
func New(cfg Config, listener wire.Listener, authn auth.Authenticator, hooks Hooks, log *slog.Logger) *Channel {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Discard()
	}
	hctx, hcancel := context.WithCancel(context.Background())
	return &Channel{
		hctx:     hctx,
		hcancel:  hcancel,
		cfg:      cfg,
		listener: listener,
		auth:     authn,
		hooks:    hooks,
		log:      log.With("component", "broker"),
		pending:  make(map[string]*pendingAck),
		runDone:  make(chan struct{}),
	}
}

// SetHandler installs the pipeline that answers signal.create frames.
func (c *Channel) SetHandler(h model.SignalHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether an authenticated peer is attached.
func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Addr is the listening address.
func (c *Channel) Addr() string { return c.listener.Addr() }

func (c *Channel) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || (from == StateClosing && to != StateDisconnected) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	c.log.Info("state change", "from", from.String(), "to", to.String())
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(from, to)
	}
}

// Start moves the channel to Listening and begins accepting peers.
func (c *Channel) Start(ctx context.Context) {
	c.hcancel()
	c.hctx, c.hcancel = context.WithCancel(context.WithoutCancel(ctx))
	ctx, c.cancel = context.WithCancel(ctx)
	c.setState(StateListening)
	c.log.Info("listening for front-end", "addr", c.listener.Addr())
	go c.run(ctx)
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.runDone)
	attempt := 0
	for {
		conn, err := c.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, wire.ErrListenerClosed) {
				return
			}
			c.log.Warn("accept failed", "error", err)
			attempt = c.backoff(ctx, attempt)
			continue
		}

		healthy := c.serve(conn)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			attempt = 0
		}
		attempt = c.backoff(ctx, attempt)
		c.setState(StateListening)
	}
}

// backoff sleeps before the next accept and returns the new attempt count.
// The counter wraps after ReconnectMax so the channel never gives up.
func (c *Channel) backoff(ctx context.Context, attempt int) int {
	attempt++
	if attempt > c.cfg.ReconnectMax {
		attempt = 1
	}
	d := Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffUnit, c.cfg.BackoffMax)
	c.log.Info("waiting before next accept", "attempt", attempt, "delay", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return attempt
}

// serve runs one peer connection to completion. It reports whether the
// session authenticated and stayed up for at least one heartbeat interval.
func (c *Channel) serve(conn wire.Conn) bool {
	log := c.log.With("peer", conn.RemoteAddr())
	c.setState(StateAuthenticating)

	account, err := c.authenticate(conn, log)
	if err != nil {
		log.Warn("peer authentication failed", "error", err)
		conn.Close()
		c.setState(StateDisconnected)
		return false
	}

	s := newSession(c, conn, account, log)
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	c.setState(StateConnected)
	log.Info("front-end connected", "account", account)

	connectedAt := time.Now()
	go s.writeLoop()
	go s.heartbeatLoop()
	s.readLoop()

	<-s.done
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	failed := c.failPending(s)
	log.Warn("front-end disconnected", "reason", s.cause(), "failed_in_flight", failed)
	c.setState(StateDisconnected)

	return time.Since(connectedAt) >= c.cfg.HeartbeatInterval
}

func (c *Channel) authenticate(conn wire.Conn, log *slog.Logger) (string, error) {
	deadline := time.Now().Add(c.cfg.AuthTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return "", fmt.Errorf("read auth frame: %w", err)
		}
		f, err := wire.Decode(raw)
		if err != nil {
			c.writeDirect(conn, wire.ErrorFrame("", model.ErrInvalidRequest, err.Error(), "", nil))
			return "", err
		}
		c.observe("in", f.Type)
		switch f.Type {
		case wire.TypeHeartbeatPing:
			c.writeDirect(conn, wire.Pong())
			continue
		case wire.TypeAuthRequest:
		default:
			c.writeDirect(conn, wire.ErrorFrame(f.RequestID, model.ErrUnauthorized, "authenticate first", "", nil))
			return "", fmt.Errorf("unexpected %s before auth", f.Type)
		}

		sess, err := c.auth.Authenticate(authCredentials(f))
		if err != nil {
			c.writeDirect(conn, wire.AuthResponse(false, "", 0, err.Error()))
			return "", err
		}
		if err := c.writeDirect(conn, wire.AuthResponse(true, sess.Token, c.auth.TTL(), "")); err != nil {
			return "", err
		}
		return sess.AccountID, nil
	}
}

// writeDirect is used before the session writer exists.
func (c *Channel) writeDirect(conn wire.Conn, f wire.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	err := conn.WriteFrame(f)
	if err == nil {
		c.observe("out", f.Type)
	}
	return err
}

// Execute sends instr to the front-end and waits for the correlated ack,
// ctx, or ExecTimeout, whichever comes first. It never retransmits.
func (c *Channel) Execute(ctx context.Context, instr model.OrderInstruction) (model.OrderAck, error) {
	c.mu.Lock()
	s := c.sess
	state := c.state
	c.mu.Unlock()
	if s == nil || state != StateConnected {
		return model.OrderAck{}, ErrNotConnected
	}

	id := instr.CorrelationID
	pa := &pendingAck{sess: s, done: make(chan ackResult, 1)}
	c.pmu.Lock()
	if _, dup := c.pending[id]; dup {
		c.pmu.Unlock()
		return model.OrderAck{}, ErrDuplicateCorrelation
	}
	c.pending[id] = pa
	c.pmu.Unlock()

	frame, err := wire.Instruction(instr)
	if err != nil {
		c.dropPending(id)
		return model.OrderAck{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	defer cancel()

	if err := s.enqueue(ctx, frame); err != nil {
		c.dropPending(id)
		return model.OrderAck{}, err
	}

	select {
	case r := <-pa.done:
		return r.ack, r.err
	case <-ctx.Done():
		if !c.dropPending(id) {
			r := <-pa.done
			return r.ack, r.err
		}
		return model.OrderAck{}, ctx.Err()
	}
}

// InFlight reports whether id is awaiting an ack.
func (c *Channel) InFlight(id string) bool {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// dropPending removes id; false means it was already resolved.
func (c *Channel) dropPending(id string) bool {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Channel) resolveAck(f wire.Frame, log *slog.Logger) {
	ack := wire.Ack(f)
	c.pmu.Lock()
	pa, ok := c.pending[ack.CorrelationID]
	if ok {
		delete(c.pending, ack.CorrelationID)
	}
	c.pmu.Unlock()
	if !ok {
		log.Warn("ack for unknown correlation id discarded",
			"request_id", ack.CorrelationID, "success", ack.Success, "order_id", ack.OrderID)
		if c.hooks.OnUnknownAck != nil {
			c.hooks.OnUnknownAck()
		}
		return
	}
	pa.done <- ackResult{ack: ack}
}

// failPending resolves every ack awaited on s with ErrDisconnected.
func (c *Channel) failPending(s *session) int {
	c.pmu.Lock()
	var failed []*pendingAck
	for id, pa := range c.pending {
		if pa.sess == s {
			failed = append(failed, pa)
			delete(c.pending, id)
		}
	}
	c.pmu.Unlock()
	for _, pa := range failed {
		pa.done <- ackResult{err: ErrDisconnected}
	}
	return len(failed)
}

func authCredentials(f wire.Frame) auth.Credentials {
	return auth.Credentials{AccountID: f.AccountID, APIKey: f.APIKey, OTP: f.OTP}
}

func (c *Channel) observe(direction, frameType string) {
	if c.hooks.OnFrame != nil {
		c.hooks.OnFrame(direction, frameType)
	}
}

// Stop refuses new signals and closes the listener, then waits (bounded by
// ctx) for in-progress signal handlers while the session stays up to carry
// their acks. Handlers still running at the deadline are cancelled. Finally
// the session is closed and the channel returns to Disconnected.
func (c *Channel) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.draining = true
		c.mu.Unlock()
		_ = c.listener.Close()

		done := make(chan struct{})
		go func() {
			c.handlers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.log.Warn("drain deadline reached; cancelling signal handlers")
			c.hcancel()
			select {
			case <-done:
			case <-time.After(time.Second):
				c.log.Warn("stopped with signal handlers still running")
			}
		}
		c.hcancel()

		c.mu.Lock()
		s := c.sess
		c.mu.Unlock()
		if s != nil {
			s.flush(c.cfg.SendTimeout)
		}
		c.setState(StateClosing)
		if c.cancel != nil {
			c.cancel()
		}
		if s != nil {
			s.fail(errors.New("channel stopping"))
		}
		if c.cancel != nil {
			<-c.runDone
		}
		c.setState(StateDisconnected)
	})
}
