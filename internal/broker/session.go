package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/model"
	"mt5-bridge/internal/wire"
)

// session is one authenticated connection. The read loop runs on the
// serving goroutine; writeLoop is the only writer of conn.
type session struct {
	ch      *Channel
	conn    wire.Conn
	account string
	log     *slog.Logger

	out          chan wire.Frame
	done         chan struct{}
	flushed      chan struct{} // closed when writeLoop reaches the flush marker
	failOnce     sync.Once
	err          error
	lastActivity atomic.Int64 // unix nanos of the last inbound frame
}

func newSession(ch *Channel, conn wire.Conn, account string, log *slog.Logger) *session {
	s := &session{
		ch:      ch,
		conn:    conn,
		account: account,
		log:     log,
		out:     make(chan wire.Frame, ch.cfg.OutboundQueue),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// fail tears the session down once; the first cause wins.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) cause() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// enqueue hands f to the writer. A queue that stays full past SendTimeout
// means the peer stopped reading; the session is declared dead.
func (s *session) enqueue(ctx context.Context, f wire.Frame) error {
	select {
	case <-s.done:
		return ErrDisconnected
	default:
	}
	select {
	case s.out <- f:
		return nil
	default:
	}

	t := time.NewTimer(s.ch.cfg.SendTimeout)
	defer t.Stop()
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		s.fail(errors.New("outbound queue blocked beyond send timeout"))
		return ErrDisconnected
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			if f.Type == "" {
				close(s.flushed)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.ch.cfg.SendTimeout))
			if err := s.conn.WriteFrame(f); err != nil {
				s.fail(err)
				return
			}
			s.ch.observe("out", f.Type)
		}
	}
}

// flush waits until every frame queued before the call has been written.
// Called at most once.
func (s *session) flush(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.enqueue(ctx, wire.Frame{}); err != nil {
		return
	}
	select {
	case <-s.flushed:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *session) heartbeatLoop() {
	ping := time.NewTicker(s.ch.cfg.HeartbeatInterval)
	defer ping.Stop()
	checkEvery := s.ch.cfg.HeartbeatTimeout / 4
	if checkEvery <= 0 {
		checkEvery = time.Millisecond
	}
	check := time.NewTicker(checkEvery)
	defer check.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ping.C:
			select {
			case s.out <- wire.Ping():
			default:
				s.log.Warn("outbound queue full; ping skipped")
			}
		case <-check.C:
			if idle := s.idle(); idle > s.ch.cfg.HeartbeatTimeout {
				s.log.Warn("peer silent beyond heartbeat timeout", "idle", idle, "timeout", s.ch.cfg.HeartbeatTimeout)
				s.fail(ErrHeartbeatTimeout)
				return
			}
		}
	}
}

func (s *session) readLoop() {
	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			s.fail(err)
			return
		}
		s.touch()

		f, err := wire.Decode(raw)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				s.log.Warn("ignoring frame of unknown type", "type", f.Type)
				continue
			}
			s.log.Warn("undecodable frame", "error", err)
			s.send(wire.ErrorFrame("", model.ErrInvalidRequest, err.Error(), "", nil))
			continue
		}
		s.ch.observe("in", f.Type)

		switch f.Type {
		case wire.TypeHeartbeatPing:
			s.send(wire.Pong())
		case wire.TypeHeartbeatPong:
		case wire.TypeOrderExecute:
			if !f.IsAck() {
				s.log.Warn("order.execute without success flag ignored", "request_id", f.RequestID)
				continue
			}
			s.ch.resolveAck(f, s.log)
		case wire.TypeSignalCreate:
			s.handleSignal(f)
		case wire.TypeAuthRequest:
			s.reauth(f)
		case wire.TypeError:
			s.log.Warn("peer reported error", "request_id", f.RequestID, "code", f.ErrorCode, "message", f.ErrorMessage)
		default:
			s.log.Debug("ignoring frame", "type", f.Type)
		}
	}
}

// send enqueues a reply without blocking the reader on a slow peer.
func (s *session) send(f wire.Frame) {
	if err := s.enqueue(context.Background(), f); err != nil {
		s.log.Warn("reply dropped", "type", f.Type, "request_id", f.RequestID, "error", err)
	}
}

// reauth refreshes the token on a live session.
func (s *session) reauth(f wire.Frame) {
	sess, err := s.ch.auth.Authenticate(authCredentials(f))
	if err != nil {
		s.send(wire.AuthResponse(false, "", 0, err.Error()))
		return
	}
	s.send(wire.AuthResponse(true, sess.Token, s.ch.auth.TTL(), ""))
}

func (s *session) handleSignal(f wire.Frame) {
	if f.AuthToken == "" {
		s.send(wire.ErrorFrame(f.RequestID, model.ErrUnauthorized, "missing auth_token", "", nil))
		return
	}
	if err := s.ch.auth.Validate(f.AuthToken, ""); err != nil {
		s.send(wire.ErrorFrame(f.RequestID, model.ErrUnauthorized, err.Error(), "", nil))
		return
	}

	req, err := wire.DecodeSignal(f)
	if err != nil {
		var ve *wire.ValidationError
		var details map[string]any
		if errors.As(err, &ve) {
			details = ve.Details
		}
		s.send(wire.ErrorFrame(f.RequestID, model.ErrInvalidRequest, err.Error(), "", details))
		return
	}
	if err := s.ch.auth.Validate(f.AuthToken, req.AccountID); err != nil {
		s.send(wire.ErrorFrame(req.RequestID, model.ErrUnauthorized, err.Error(), "", nil))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// Add under mu so it never races Stop's Wait.
	s.ch.mu.Lock()
	h, draining := s.ch.handler, s.ch.draining
	if h != nil && !draining {
		s.ch.handlers.Add(1)
	}
	ctx := s.ch.hctx
	s.ch.mu.Unlock()
	if draining {
		s.send(wire.ErrorFrame(req.RequestID, model.ErrBrokerUnavailable, "bridge shutting down", "", nil))
		return
	}
	if h == nil {
		s.send(wire.ErrorFrame(req.RequestID, model.ErrInternal, "no signal handler installed", "", nil))
		return
	}

	go func() {
		defer s.ch.handlers.Done()
		out := h.HandleSignal(ctx, req)
		s.reply(out)
	}()
}

// reply frames the terminal outcome back on the originating session.
func (s *session) reply(out model.Outcome) {
	var f wire.Frame
	if out.Succeeded() {
		f = wire.ExecutionResult(out.RequestID, out.Ack.OrderID, out.Latency)
	} else {
		f = wire.ErrorFrame(out.RequestID, out.Code, out.Message, out.TraceID, out.Details)
	}
	if err := s.enqueue(context.Background(), f); err != nil {
		logger.FromContext(logger.WithTraceID(context.Background(), out.TraceID), s.log).
			Warn("terminal outcome dropped: peer gone", "request_id", out.RequestID, "code", out.Code, "error", err)
	}
}
