package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-bridge/internal/auth"
	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/model"
	"mt5-bridge/internal/wire"
)

const testKey = "k-1001"

type handlerFunc func(ctx context.Context, req model.SignalRequest) model.Outcome

func (f handlerFunc) HandleSignal(ctx context.Context, req model.SignalRequest) model.Outcome {
	return f(ctx, req)
}

func testConfig() Config {
	return Config{
		ReconnectMax:      3,
		BackoffBase:       2,
		BackoffUnit:       5 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  3 * time.Second,
		ExecTimeout:       2 * time.Second,
		SendTimeout:       time.Second,
		AuthTimeout:       time.Second,
	}
}

func startChannel(t *testing.T, cfg Config, hooks Hooks) *Channel {
	t.Helper()
	ln, err := wire.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	authn := auth.NewKeyAuthenticator(map[string]string{"1001": testKey}, "", time.Hour, nil)
	ch := New(cfg, ln, authn, hooks, logger.Discard())
	ch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ch.Stop(ctx)
	})
	return ch
}

// peer is a scripted front-end.
type peer struct {
	t    *testing.T
	conn net.Conn
	sc   *bufio.Scanner
	mu   sync.Mutex
}

func dial(t *testing.T, ch *Channel) *peer {
	t.Helper()
	c, err := net.Dial("tcp", ch.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 0, 64*1024), wire.MaxFrameSize)
	return &peer{t: t, conn: c, sc: sc}
}

func (p *peer) sendRaw(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write([]byte(s + "\n"))
	require.NoError(p.t, err)
}

func (p *peer) send(f wire.Frame) {
	b, err := wire.Encode(f)
	require.NoError(p.t, err)
	p.sendRaw(string(b))
}

// expect reads frames until one of type typ arrives, skipping our pings.
func (p *peer) expect(typ string) wire.Frame {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for p.sc.Scan() {
		f, err := wire.Decode(p.sc.Bytes())
		require.NoError(p.t, err)
		if f.Type == typ {
			return f
		}
		if f.Type != wire.TypeHeartbeatPing {
			p.t.Fatalf("expected %s, got %s: %s", typ, f.Type, p.sc.Text())
		}
	}
	p.t.Fatalf("connection ended waiting for %s: %v", typ, p.sc.Err())
	return wire.Frame{}
}

func (p *peer) login() string {
	p.t.Helper()
	p.send(wire.Frame{Type: wire.TypeAuthRequest, AccountID: "1001", APIKey: testKey})
	resp := p.expect(wire.TypeAuthResponse)
	require.NotNil(p.t, resp.Success)
	require.True(p.t, *resp.Success, resp.Error)
	require.NotEmpty(p.t, resp.AuthToken)
	return resp.AuthToken
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, 3*time.Second, 5*time.Millisecond,
		"state never reached %s (now %s)", want, ch.State())
}

func instruction(id string) model.OrderInstruction {
	sl, tp := 1.085, 1.09
	return model.OrderInstruction{
		CorrelationID: id, Symbol: "EURUSD", Action: model.ActionBuy, Lot: 0.01,
		StopLoss: &sl, TakeProfit: &tp, Deadline: time.Now().Add(5 * time.Second),
	}
}

func boolp(b bool) *bool { return &b }

func TestBackoff(t *testing.T) {
	unit, max := time.Second, 60*time.Second
	assert.Equal(t, time.Duration(0), Backoff(0, 2, unit, max))
	assert.Equal(t, time.Second, Backoff(1, 2, unit, max))
	assert.Equal(t, 2*time.Second, Backoff(2, 2, unit, max))
	assert.Equal(t, 16*time.Second, Backoff(5, 2, unit, max))
	assert.Equal(t, max, Backoff(7, 2, unit, max))
	assert.Equal(t, max, Backoff(5000, 2, unit, max))
}

func TestChannel_AuthenticateAndConnect(t *testing.T) {
	var mu sync.Mutex
	var states []State
	ch := startChannel(t, testConfig(), Hooks{OnStateChange: func(_, to State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	}})
	assert.Equal(t, StateListening, ch.State())
	_, err := ch.Execute(context.Background(), instruction("early"))
	assert.ErrorIs(t, err, ErrNotConnected)

	p := dial(t, ch)
	p.login()
	waitState(t, ch, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateListening, StateAuthenticating, StateConnected}, states)
}

func TestChannel_AuthFailureClosesAndRelistens(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	p := dial(t, ch)
	p.send(wire.Frame{Type: wire.TypeAuthRequest, AccountID: "1001", APIKey: "wrong"})
	resp := p.expect(wire.TypeAuthResponse)
	require.NotNil(t, resp.Success)
	assert.False(t, *resp.Success)
	assert.NotEmpty(t, resp.Error)

	waitState(t, ch, StateListening)

	p2 := dial(t, ch)
	p2.login()
	waitState(t, ch, StateConnected)
}

func TestChannel_SignalBeforeAuthRejected(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	p := dial(t, ch)
	p.send(wire.Frame{Type: wire.TypeSignalCreate, RequestID: "r"})
	f := p.expect(wire.TypeError)
	assert.Equal(t, string(model.ErrUnauthorized), f.ErrorCode)
}

func TestChannel_PingPong(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	p := dial(t, ch)
	p.login()

	p.send(wire.Frame{Type: wire.TypeHeartbeatPing, Sender: wire.SenderEA})
	pong := p.expect(wire.TypeHeartbeatPong)
	assert.Equal(t, wire.SenderBridge, pong.Sender)
}

func TestChannel_SendsPings(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	ch := startChannel(t, cfg, Hooks{})
	p := dial(t, ch)
	p.login()

	_ = p.conn.SetReadDeadline(time.Now().Add(time.Second))
	require.True(t, p.sc.Scan())
	f, err := wire.Decode(p.sc.Bytes())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeHeartbeatPing, f.Type)
	assert.Equal(t, wire.SenderBridge, f.Sender)
}

func TestChannel_ExecuteCorrelatesAck(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	p := dial(t, ch)
	p.login()
	waitState(t, ch, StateConnected)

	type result struct {
		ack model.OrderAck
		err error
	}
	done := make(chan result, 1)
	go func() {
		ack, err := ch.Execute(context.Background(), instruction("req-1"))
		done <- result{ack, err}
	}()

	instr := p.expect(wire.TypeOrderExecute)
	assert.Equal(t, "req-1", instr.RequestID)
	assert.Nil(t, instr.Success)
	var payload wire.OrderPayload
	require.NoError(t, json.Unmarshal(instr.Payload, &payload))
	assert.Equal(t, "EURUSD", payload.Symbol)
	assert.Equal(t, model.ActionBuy, payload.Action)
	assert.True(t, ch.InFlight("req-1"))

	p.send(wire.Frame{Type: wire.TypeOrderExecute, RequestID: "req-1", Success: boolp(true), OrderID: "123456"})

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.ack.Success)
	assert.Equal(t, "123456", r.ack.OrderID)
	assert.False(t, ch.InFlight("req-1"))
}

func TestChannel_FailedAck(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	p := dial(t, ch)
	p.login()
	waitState(t, ch, StateConnected)

	done := make(chan model.OrderAck, 1)
	go func() {
		ack, _ := ch.Execute(context.Background(), instruction("req-2"))
		done <- ack
	}()
	p.expect(wire.TypeOrderExecute)
	p.send(wire.Frame{Type: wire.TypeOrderExecute, RequestID: "req-2", Success: boolp(false), Error: "Insufficient margin"})

	ack := <-done
	assert.False(t, ack.Success)
	assert.Equal(t, "Insufficient margin", ack.Error)
}

func TestChannel_DuplicateCorrelation(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	p := dial(t, ch)
	p.login()
	waitState(t, ch, StateConnected)

	go ch.Execute(context.Background(), instruction("dup"))
	p.expect(wire.TypeOrderExecute)

	_, err := ch.Execute(context.Background(), instruction("dup"))
	assert.ErrorIs(t, err, ErrDuplicateCorrelation)
}

func TestChannel_UnknownAckIsDiscarded(t *testing.T) {
	var unknown atomic.Int32
	ch := startChannel(t, testConfig(), Hooks{OnUnknownAck: func() { unknown.Add(1) }})
	p := dial(t, ch)
	p.login()

	p.send(wire.Frame{Type: wire.TypeOrderExecute, RequestID: "nobody", Success: boolp(true), OrderID: "1"})
	p.sendRaw(`{"type":"order.cancel"}`)
	p.sendRaw(`not json`)
	assert.Equal(t, string(model.ErrInvalidRequest), p.expect(wire.TypeError).ErrorCode)

	p.send(wire.Frame{Type: wire.TypeHeartbeatPing, Sender: wire.SenderEA})
	p.expect(wire.TypeHeartbeatPong)
	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, int32(1), unknown.Load())
}

func TestChannel_ExecuteTimeoutThenLateAck(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	p := dial(t, ch)
	p.login()
	waitState(t, ch, StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.Execute(ctx, instruction("slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ch.InFlight("slow"))

	p.expect(wire.TypeOrderExecute)
	p.send(wire.Frame{Type: wire.TypeOrderExecute, RequestID: "slow", Success: boolp(true), OrderID: "9"})
	p.send(wire.Frame{Type: wire.TypeHeartbeatPing, Sender: wire.SenderEA})
	p.expect(wire.TypeHeartbeatPong)
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannel_DisconnectFailsInFlight(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	p := dial(t, ch)
	p.login()
	waitState(t, ch, StateConnected)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Execute(context.Background(), instruction("lost"))
		done <- err
	}()
	p.expect(wire.TypeOrderExecute)
	p.conn.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight execute not failed on disconnect")
	}
	assert.False(t, ch.InFlight("lost"))
}

func TestChannel_HeartbeatDeathAndReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 120 * time.Millisecond
	ch := startChannel(t, cfg, Hooks{})

	p := dial(t, ch)
	p.login()
	waitState(t, ch, StateConnected)

	// The peer stays silent: no pongs, no frames.
	require.Eventually(t, func() bool { return ch.State() != StateConnected }, 2*time.Second, 5*time.Millisecond)
	_, err := ch.Execute(context.Background(), instruction("while-down"))
	assert.ErrorIs(t, err, ErrNotConnected)

	p2 := dial(t, ch)
	p2.login()
	waitState(t, ch, StateConnected)

	// A chatty peer keeps the session alive past the timeout.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tk := time.NewTicker(20 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				b, _ := wire.Encode(wire.Frame{Type: wire.TypeHeartbeatPong, Sender: wire.SenderEA})
				p2.mu.Lock()
				p2.conn.Write(append(b, '\n'))
				p2.mu.Unlock()
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannel_SignalRoundTrip(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	gotCh := make(chan model.SignalRequest, 1)
	ch.SetHandler(handlerFunc(func(ctx context.Context, req model.SignalRequest) model.Outcome {
		gotCh <- req
		ack, err := ch.Execute(ctx, model.OrderInstruction{
			CorrelationID: req.RequestID, Symbol: req.Symbol, Action: req.Action, Lot: req.Lot,
			Deadline: time.Now().Add(time.Second),
		})
		if err != nil {
			return model.Outcome{RequestID: req.RequestID, Code: model.ErrBrokerUnavailable, Message: err.Error()}
		}
		return model.Outcome{RequestID: req.RequestID, Ack: &ack, Latency: 12 * time.Millisecond}
	}))

	p := dial(t, ch)
	token := p.login()
	p.send(wire.Frame{
		Type: wire.TypeSignalCreate, RequestID: "sig-1", AuthToken: token,
		Payload: json.RawMessage(`{"account_id":"1001","strategy":"ema","symbol":"EURUSD","action":"BUY","lot":0.01,"confidence":0.5,"price":1.087}`),
	})

	instr := p.expect(wire.TypeOrderExecute)
	require.Nil(t, instr.Success)
	p.send(wire.Frame{Type: wire.TypeOrderExecute, RequestID: instr.RequestID, Success: boolp(true), OrderID: "123456"})

	final := p.expect(wire.TypeOrderExecute)
	require.NotNil(t, final.Success)
	assert.True(t, *final.Success)
	assert.Equal(t, "sig-1", final.RequestID)
	assert.Equal(t, "123456", final.OrderID)
	assert.Equal(t, int64(12), final.LatencyMS)
	got := <-gotCh
	assert.Equal(t, "sig-1", got.RequestID)
	assert.Equal(t, 1.087, got.Price)
}

func TestChannel_SignalAssignsRequestID(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	ids := make(chan string, 1)
	ch.SetHandler(handlerFunc(func(_ context.Context, req model.SignalRequest) model.Outcome {
		ids <- req.RequestID
		return model.Outcome{RequestID: req.RequestID, Code: model.ErrRiskRejected, Message: "NO_TRADE: decision is HOLD", TraceID: "t-1"}
	}))
	p := dial(t, ch)
	token := p.login()
	p.send(wire.Frame{
		Type: wire.TypeSignalCreate, AuthToken: token,
		Payload: json.RawMessage(`{"account_id":"1001","strategy":"s","symbol":"EURUSD","action":"HOLD","lot":0.01,"confidence":0.5}`),
	})
	f := p.expect(wire.TypeError)
	id := <-ids
	assert.NotEmpty(t, id)
	assert.Equal(t, id, f.RequestID)
	assert.Equal(t, string(model.ErrRiskRejected), f.ErrorCode)
	assert.Equal(t, "t-1", f.TraceID)
}

func TestChannel_SignalRejections(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	ch.SetHandler(handlerFunc(func(context.Context, model.SignalRequest) model.Outcome {
		t.Error("handler must not run for rejected frames")
		return model.Outcome{}
	}))
	p := dial(t, ch)
	token := p.login()
	valid := json.RawMessage(`{"account_id":"1001","strategy":"s","symbol":"EURUSD","action":"BUY","lot":0.01,"confidence":0.5}`)

	p.send(wire.Frame{Type: wire.TypeSignalCreate, RequestID: "a", Payload: valid})
	assert.Equal(t, string(model.ErrUnauthorized), p.expect(wire.TypeError).ErrorCode)

	p.send(wire.Frame{Type: wire.TypeSignalCreate, RequestID: "b", AuthToken: "forged", Payload: valid})
	assert.Equal(t, string(model.ErrUnauthorized), p.expect(wire.TypeError).ErrorCode)

	p.send(wire.Frame{Type: wire.TypeSignalCreate, RequestID: "c", AuthToken: token,
		Payload: json.RawMessage(`{"account_id":"1001","strategy":"s","symbol":"eur","action":"BUY","lot":0.01,"confidence":0.5}`)})
	f := p.expect(wire.TypeError)
	assert.Equal(t, string(model.ErrInvalidRequest), f.ErrorCode)
	assert.Contains(t, f.Details, "/symbol")

	p.send(wire.Frame{Type: wire.TypeSignalCreate, RequestID: "d", AuthToken: token,
		Payload: json.RawMessage(`{"account_id":"2002","strategy":"s","symbol":"EURUSD","action":"BUY","lot":0.01,"confidence":0.5}`)})
	assert.Equal(t, string(model.ErrUnauthorized), p.expect(wire.TypeError).ErrorCode)
}

func TestChannel_Stop(t *testing.T) {
	ln, err := wire.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	ch := New(testConfig(), ln, auth.NewKeyAuthenticator(nil, "", time.Hour, nil), Hooks{}, logger.Discard())
	ch.Start(context.Background())

	p := dial(t, ch)
	p.send(wire.Frame{Type: wire.TypeAuthRequest, AccountID: "1", APIKey: "x"})
	p.expect(wire.TypeAuthResponse)
	waitState(t, ch, StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch.Stop(ctx)
	assert.Equal(t, StateDisconnected, ch.State())

	_, err = ch.Execute(context.Background(), instruction("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestChannel_StopDrainsInFlightSignal(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	handlerErr := make(chan error, 1)
	ch.SetHandler(handlerFunc(func(ctx context.Context, req model.SignalRequest) model.Outcome {
		ack, err := ch.Execute(ctx, instruction(req.RequestID))
		handlerErr <- ctx.Err()
		if err != nil {
			return model.Outcome{RequestID: req.RequestID, Code: model.ErrBrokerUnavailable, Message: err.Error()}
		}
		return model.Outcome{RequestID: req.RequestID, Ack: &ack}
	}))

	p := dial(t, ch)
	token := p.login()
	payload := json.RawMessage(`{"account_id":"1001","strategy":"s","symbol":"EURUSD","action":"BUY","lot":0.01,"confidence":0.5}`)
	p.send(wire.Frame{Type: wire.TypeSignalCreate, RequestID: "sig-1", AuthToken: token, Payload: payload})
	instr := p.expect(wire.TypeOrderExecute)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		ch.Stop(ctx)
	}()
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.draining
	}, time.Second, 5*time.Millisecond)

	// New work is refused while the in-flight order can still complete.
	p.send(wire.Frame{Type: wire.TypeSignalCreate, RequestID: "sig-2", AuthToken: token, Payload: payload})
	refused := p.expect(wire.TypeError)
	assert.Equal(t, "sig-2", refused.RequestID)
	assert.Equal(t, string(model.ErrBrokerUnavailable), refused.ErrorCode)
	assert.Equal(t, StateConnected, ch.State())

	p.send(wire.Frame{Type: wire.TypeOrderExecute, RequestID: instr.RequestID, Success: boolp(true), OrderID: "777"})
	final := p.expect(wire.TypeOrderExecute)
	require.NotNil(t, final.Success)
	assert.True(t, *final.Success)
	assert.Equal(t, "sig-1", final.RequestID)
	assert.Equal(t, "777", final.OrderID)
	assert.NoError(t, <-handlerErr)

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the drain")
	}
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannel_StopCancelsHandlersPastDeadline(t *testing.T) {
	ch := startChannel(t, testConfig(), Hooks{})
	started := make(chan struct{})
	handlerErr := make(chan error, 1)
	ch.SetHandler(handlerFunc(func(ctx context.Context, req model.SignalRequest) model.Outcome {
		close(started)
		<-ctx.Done()
		handlerErr <- ctx.Err()
		return model.Outcome{RequestID: req.RequestID, Code: model.ErrPipelineTimeout, Message: "cancelled"}
	}))

	p := dial(t, ch)
	token := p.login()
	p.send(wire.Frame{Type: wire.TypeSignalCreate, RequestID: "sig-1", AuthToken: token,
		Payload: json.RawMessage(`{"account_id":"1001","strategy":"s","symbol":"EURUSD","action":"BUY","lot":0.01,"confidence":0.5}`)})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ch.Stop(ctx)
	assert.ErrorIs(t, <-handlerErr, context.Canceled)
	assert.Equal(t, StateDisconnected, ch.State())
}
