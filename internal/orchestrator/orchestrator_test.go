package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-bridge/internal/aipool"
	"mt5-bridge/internal/aiworker"
	"mt5-bridge/internal/broker"
	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/market"
	"mt5-bridge/internal/model"
	"mt5-bridge/internal/ratelimit"
	"mt5-bridge/internal/risk"
)

func f(v float64) *float64 { return &v }

// ---- fakes ----

type fakeAI struct {
	mu      sync.Mutex
	result  model.AskResult
	block   chan struct{} // when set, Ask waits for close or ctx
	panics  bool
	prompts []string
	opts    []model.AskOptions
}

func (a *fakeAI) Ask(ctx context.Context, prompt string, opts model.AskOptions) model.AskResult {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	a.opts = append(a.opts, opts)
	block, res, panics := a.block, a.result, a.panics
	a.mu.Unlock()
	if panics {
		panic("engine exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.AskResult{Success: false, Reason: model.FailureTimeout, Error: "timeout: " + ctx.Err().Error(), Worker: 0}
		}
	}
	return res
}

func decided(d model.AIDecision) model.AskResult {
	d.Parsed = true
	d.Source = model.SourceModel
	return model.AskResult{Success: true, Text: "{}", Decision: &d, Source: model.SourceModel}
}

type fakeExec struct {
	mu     sync.Mutex
	ack    model.OrderAck
	err    error
	instrs []model.OrderInstruction
}

func (e *fakeExec) Execute(ctx context.Context, instr model.OrderInstruction) (model.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instrs = append(e.instrs, instr)
	if e.err != nil {
		return model.OrderAck{}, e.err
	}
	ack := e.ack
	ack.CorrelationID = instr.CorrelationID
	ack.Timestamp = time.Now()
	return ack, nil
}

func (e *fakeExec) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instrs)
}

type recordingSink struct {
	mu     sync.Mutex
	names  []string
	events []map[string]any
}

func (s *recordingSink) Emit(_ context.Context, name string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.events = append(s.events, payload.(map[string]any))
	return nil
}

func (s *recordingSink) last() (string, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.names) == 0 {
		return "", nil
	}
	return s.names[len(s.names)-1], s.events[len(s.events)-1]
}

type blockingMarket struct{}

func (blockingMarket) Snapshot(ctx context.Context, _ model.SignalRequest) (model.MarketContext, error) {
	<-ctx.Done()
	return model.MarketContext{}, ctx.Err()
}

// ---- helpers ----

type harness struct {
	o    *Orchestrator
	ai   *fakeAI
	exec *fakeExec
	sink *recordingSink
	mkt  *market.Store
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		ai:   &fakeAI{},
		exec: &fakeExec{ack: model.OrderAck{Success: true, OrderID: "123456"}},
		sink: &recordingSink{},
		mkt:  market.NewStore(logger.Discard()),
	}
	deps := Deps{
		Admitter: ratelimit.New(ratelimit.Config{Enabled: true, OrdersPerMinute: 60, BurstSize: 10}, nil),
		Market:   h.mkt,
		AI:       h.ai,
		Risk:     risk.New(risk.DefaultLimits()),
		Executor: h.exec,
		Events:   h.sink,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.o = New(cfg, deps, Hooks{}, logger.Discard())
	return h
}

func eurusd(id string) model.SignalRequest {
	return model.SignalRequest{
		RequestID:  id,
		AccountID:  "10001",
		Symbol:     "EURUSD",
		Action:     model.ActionBuy,
		Lot:        0.01,
		Confidence: 0.5,
		Price:      1.0870,
		Strategy:   "ema_cross",
		ReceivedAt: time.Now(),
	}
}

// ---- scenarios ----

func TestHandleSignal_HappyPath(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ai.result = decided(model.AIDecision{Action: model.ActionBuy, Confidence: 0.75, Lot: 0.01, StopLoss: f(1.0850), TakeProfit: f(1.0900)})

	out := h.o.HandleSignal(context.Background(), eurusd("req-a"))

	require.True(t, out.Succeeded(), "%s: %s", out.Code, out.Message)
	assert.Equal(t, "123456", out.Ack.OrderID)
	assert.Equal(t, "req-a", out.RequestID)
	assert.NotEmpty(t, out.TraceID)
	assert.Greater(t, out.Latency, time.Duration(0))

	require.Equal(t, 1, h.exec.calls())
	instr := h.exec.instrs[0]
	assert.Equal(t, "req-a", instr.CorrelationID)
	assert.Equal(t, model.ActionBuy, instr.Action)
	assert.Equal(t, 0.01, instr.Lot)
	assert.Equal(t, 1.0850, *instr.StopLoss)
	assert.True(t, instr.Deadline.After(time.Now()))

	name, ev := h.sink.last()
	assert.Equal(t, EventExecuted, name)
	assert.Equal(t, "123456", ev["order_id"])
	assert.Equal(t, int64(1), h.mkt.Account("10001").Executed)
	assert.Zero(t, h.mkt.Account("10001").InFlight)

	// Prompt carries the proposal and the enrichment price.
	require.Len(t, h.ai.prompts, 1)
	assert.Contains(t, h.ai.prompts[0], `"action":"BUY"`)
	assert.Contains(t, h.ai.prompts[0], `"price":1.087`)
	assert.Equal(t, 8*time.Second, h.ai.opts[0].Deadline)
}

func TestHandleSignal_RiskRejections(t *testing.T) {
	tests := []struct {
		name     string
		decision model.AIDecision
		sub      string
		contains string
	}{
		{"low confidence", model.AIDecision{Action: model.ActionBuy, Confidence: 0.30, Lot: 0.01}, risk.ReasonLowConfidence, "confidence"},
		{"hold", model.AIDecision{Action: model.ActionHold, Confidence: 0.80, Lot: 0.01}, risk.ReasonNoTrade, "HOLD"},
		{"oversize lot", model.AIDecision{Action: model.ActionBuy, Confidence: 0.80, Lot: 5.0}, risk.ReasonLotTooLarge, "lot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, nil)
			h.ai.result = decided(tt.decision)

			out := h.o.HandleSignal(context.Background(), eurusd("req-"+tt.name))

			assert.Equal(t, model.ErrRiskRejected, out.Code)
			assert.Contains(t, out.Message, tt.contains)
			assert.Equal(t, tt.sub, out.Details["sub_reason"])
			assert.Equal(t, "risk", out.Details["stage"])
			assert.Zero(t, h.exec.calls(), "no broker traffic on rejection")

			name, ev := h.sink.last()
			assert.Equal(t, EventRejected, name)
			assert.Equal(t, string(model.ErrRiskRejected), ev["error_code"])
		})
	}
}

func TestHandleSignal_AITimeoutCountsBreakerFailure(t *testing.T) {
	release := make(chan struct{})
	pool := aipool.New(aipool.Config{Models: []string{"m.gguf"}, PoolSize: 1, StopGrace: 50 * time.Millisecond},
		&aipool.PipeLauncher{NewEngine: func(int, string) aiworker.Engine { return &stallEngine{release: release} }},
		aipool.Hooks{}, logger.Discard())
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		close(release)
		pool.Stop()
	})

	h := newHarness(t, Config{AIQuickTimeout: 100 * time.Millisecond}, func(d *Deps) { d.AI = pool })
	out := h.o.HandleSignal(context.Background(), eurusd("req-e"))

	assert.Equal(t, model.ErrAIFailed, out.Code)
	assert.Contains(t, out.Message, "timeout")
	assert.Equal(t, model.FailureTimeout, out.Details["sub_reason"])
	assert.Equal(t, 1, pool.Stats()[0].Breaker.Failures)
	assert.Zero(t, h.exec.calls())
}

type stallEngine struct{ release chan struct{} }

func (e *stallEngine) Load(string) error { return nil }
func (e *stallEngine) Close() error      { return nil }
func (e *stallEngine) Generate(ctx context.Context, _ string, _ int, _ float64) (string, error) {
	<-e.release
	return "", errors.New("released")
}

func TestHandleSignal_BrokerRejects(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ai.result = decided(model.AIDecision{Action: model.ActionBuy, Confidence: 0.75, Lot: 0.01, StopLoss: f(1.0850), TakeProfit: f(1.0900)})
	h.exec.ack = model.OrderAck{Success: false, Error: "Insufficient margin"}

	out := h.o.HandleSignal(context.Background(), eurusd("req-f"))

	assert.Equal(t, model.ErrExecutionFailed, out.Code)
	assert.Contains(t, out.Message, "margin")
	assert.Equal(t, int64(0), h.mkt.Account("10001").Executed)
}

func TestHandleSignal_RateLimitSaturation(t *testing.T) {
	h := newHarness(t, Config{TotalDeadline: 2 * time.Second, AdmissionFraction: 0.05, ExecTimeout: 500 * time.Millisecond}, func(d *Deps) {
		d.Admitter = ratelimit.New(ratelimit.Config{Enabled: true, OrdersPerMinute: 6, BurstSize: 2}, nil)
	})
	h.ai.result = decided(model.AIDecision{Action: model.ActionBuy, Confidence: 0.75, Lot: 0.01})

	var codes []model.ErrorCode
	var third model.Outcome
	for i := 0; i < 3; i++ {
		third = h.o.HandleSignal(context.Background(), eurusd("req-g-"+string(rune('1'+i))))
		codes = append(codes, third.Code)
	}
	assert.Equal(t, []model.ErrorCode{"", "", model.ErrRateLimited}, codes)
	assert.Greater(t, third.Details["retry_after_ms"], int64(0))
	assert.Equal(t, 2, h.exec.calls())
}

func TestHandleSignal_BrokerUnavailable(t *testing.T) {
	for _, err := range []error{broker.ErrNotConnected, broker.ErrDisconnected} {
		h := newHarness(t, Config{}, nil)
		h.ai.result = decided(model.AIDecision{Action: model.ActionSell, Confidence: 0.9, Lot: 0.02})
		h.exec.err = err

		out := h.o.HandleSignal(context.Background(), eurusd("req-h"))
		assert.Equal(t, model.ErrBrokerUnavailable, out.Code, err.Error())
	}
}

func TestHandleSignal_AckTimeoutIsExecutionFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ai.result = decided(model.AIDecision{Action: model.ActionBuy, Confidence: 0.9, Lot: 0.02})
	h.exec.err = context.DeadlineExceeded

	out := h.o.HandleSignal(context.Background(), eurusd("req-ack"))
	assert.Equal(t, model.ErrExecutionFailed, out.Code)
	assert.Equal(t, "ack_timeout", out.Details["sub_reason"])
}

func TestHandleSignal_InvalidAIResponse(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ai.result = model.AskResult{Success: true, Text: "I would buy", ParseErr: "no JSON object in text", Source: model.SourceModel}

	out := h.o.HandleSignal(context.Background(), eurusd("req-bad"))
	assert.Equal(t, model.ErrInvalidAIResponse, out.Code)
	assert.Contains(t, out.Message, "no JSON")
}

func TestHandleSignal_FallbackPolicy(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ai.result = aipool.Fallback(time.Millisecond)

	out := h.o.HandleSignal(context.Background(), eurusd("req-fb"))
	assert.Equal(t, model.ErrAIFailed, out.Code)
	assert.Equal(t, model.FailureAllOpen, out.Details["sub_reason"])

	h = newHarness(t, Config{AllowFallback: true}, nil)
	h.ai.result = aipool.Fallback(time.Millisecond)
	out = h.o.HandleSignal(context.Background(), eurusd("req-fb2"))
	assert.Equal(t, model.ErrRiskRejected, out.Code)
	assert.Equal(t, risk.ReasonNoTrade, out.Details["sub_reason"])
}

func TestHandleSignal_PipelineTimeout(t *testing.T) {
	h := newHarness(t, Config{TotalDeadline: 150 * time.Millisecond, ExecReserve: 10 * time.Millisecond}, nil)
	h.ai.block = make(chan struct{})
	defer close(h.ai.block)

	start := time.Now()
	out := h.o.HandleSignal(context.Background(), eurusd("req-slow"))
	elapsed := time.Since(start)

	assert.Equal(t, model.ErrPipelineTimeout, out.Code)
	assert.Equal(t, "ai", out.Details["stage"])
	assert.Less(t, elapsed, time.Second)
}

func TestHandleSignal_ReserveLeavesNoAIBudget(t *testing.T) {
	h := newHarness(t, Config{TotalDeadline: 100 * time.Millisecond, ExecTimeout: time.Second}, nil)
	out := h.o.HandleSignal(context.Background(), eurusd("req-reserve"))
	assert.Equal(t, model.ErrPipelineTimeout, out.Code)
	assert.Empty(t, h.ai.prompts)
}

func TestHandleSignal_EnrichmentTimeout(t *testing.T) {
	h := newHarness(t, Config{EnrichmentTimeout: 30 * time.Millisecond}, func(d *Deps) { d.Market = blockingMarket{} })
	out := h.o.HandleSignal(context.Background(), eurusd("req-enrich"))
	assert.Equal(t, model.ErrEnrichmentTimeout, out.Code)
	assert.Empty(t, h.ai.prompts)
}

func TestHandleSignal_DeepModeBudget(t *testing.T) {
	h := newHarness(t, Config{TotalDeadline: 20 * time.Second, AIDeepTimeout: 30 * time.Second, ExecTimeout: 5 * time.Second}, nil)
	h.ai.result = decided(model.AIDecision{Action: model.ActionHold, Confidence: 0.9, Lot: 0.01})
	req := eurusd("req-deep")
	req.Mode = "deep"

	h.o.HandleSignal(context.Background(), req)
	require.Len(t, h.ai.opts, 1)
	d := h.ai.opts[0].Deadline
	assert.Greater(t, d, 8*time.Second)
	assert.LessOrEqual(t, d, 15*time.Second)
}

func TestHandleSignal_DuplicateInFlight(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ai.block = make(chan struct{})
	h.ai.result = decided(model.AIDecision{Action: model.ActionHold, Confidence: 0.9, Lot: 0.01})

	done := make(chan model.Outcome, 1)
	go func() { done <- h.o.HandleSignal(context.Background(), eurusd("dup")) }()
	require.Eventually(t, func() bool { return h.o.pending.has("dup") }, time.Second, 5*time.Millisecond)

	out := h.o.HandleSignal(context.Background(), eurusd("dup"))
	assert.Equal(t, model.ErrInvalidRequest, out.Code)

	close(h.ai.block)
	first := <-done
	assert.Equal(t, model.ErrRiskRejected, first.Code)
	assert.False(t, h.o.pending.has("dup"))
}

// heldExec parks its first Execute call until release is closed.
type heldExec struct {
	fakeExec
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *heldExec) Execute(ctx context.Context, instr model.OrderInstruction) (model.OrderAck, error) {
	first := false
	e.once.Do(func() { first = true })
	if first {
		close(e.entered)
		<-e.release
	}
	return e.fakeExec.Execute(ctx, instr)
}

func TestHandleSignal_ReusedIDKeepsEntryAfterEarlierRequestFinishes(t *testing.T) {
	exec := &heldExec{
		fakeExec: fakeExec{ack: model.OrderAck{Success: true, OrderID: "1"}},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	h := newHarness(t, Config{}, func(d *Deps) { d.Executor = exec })
	h.ai.result = decided(model.AIDecision{Action: model.ActionBuy, Confidence: 0.9, Lot: 0.01})

	first := make(chan model.Outcome, 1)
	go func() { first <- h.o.HandleSignal(context.Background(), eurusd("reuse")) }()
	<-exec.entered
	require.False(t, h.o.pending.has("reuse"), "id leaves the pending set once the order is dispatched")

	block := make(chan struct{})
	h.ai.mu.Lock()
	h.ai.block = block
	h.ai.mu.Unlock()
	second := make(chan model.Outcome, 1)
	go func() { second <- h.o.HandleSignal(context.Background(), eurusd("reuse")) }()
	require.Eventually(t, func() bool { return h.o.pending.has("reuse") }, time.Second, 5*time.Millisecond)

	close(exec.release)
	assert.True(t, (<-first).Succeeded())
	assert.True(t, h.o.pending.has("reuse"), "finished request must not drop the newer entry")

	dup := h.o.HandleSignal(context.Background(), eurusd("reuse"))
	assert.Equal(t, model.ErrInvalidRequest, dup.Code)

	close(block)
	assert.True(t, (<-second).Succeeded())
	assert.False(t, h.o.pending.has("reuse"))
}

func TestHandleSignal_PanicIsInternalError(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ai.panics = true

	ctx := logger.WithTraceID(context.Background(), "trace-panic")
	out := h.o.HandleSignal(ctx, eurusd("req-panic"))
	assert.Equal(t, model.ErrInternal, out.Code)
	assert.Equal(t, "trace-panic", out.TraceID)
	assert.Contains(t, out.Message, "engine exploded")
	assert.False(t, h.o.pending.has("req-panic"))
	assert.Zero(t, h.mkt.Account("10001").InFlight)
}

func TestGenerateAndValidate(t *testing.T) {
	h := newHarness(t, Config{ExecTimeout: 200 * time.Millisecond}, nil)
	h.ai.result = decided(model.AIDecision{Action: model.ActionHold, Confidence: 0.9, Lot: 0.01})

	ctx := logger.WithTraceID(context.Background(), "trace-gv")
	_, err := h.o.GenerateAndValidate(ctx, eurusd("gv"), time.Second)
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.ErrRiskRejected, perr.Code)
	assert.Equal(t, StageRisk, perr.Stage)
	assert.Equal(t, "trace-gv", perr.TraceID)
	assert.True(t, strings.HasPrefix(perr.Error(), "RISK_REJECTED{NO_TRADE}"))

	h.ai.result = decided(model.AIDecision{Action: model.ActionBuy, Confidence: 0.9, Lot: 0.01})
	ack, err := h.o.GenerateAndValidate(context.Background(), eurusd("gv2"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "123456", ack.OrderID)
}

func TestHooks(t *testing.T) {
	var mu sync.Mutex
	stages := map[Stage]int{}
	var codes []model.ErrorCode
	h := newHarness(t, Config{}, nil)
	h.o.hooks = Hooks{
		OnStage: func(s Stage, _ time.Duration) {
			mu.Lock()
			stages[s]++
			mu.Unlock()
		},
		OnOutcome: func(c model.ErrorCode, _ string, _ time.Duration) {
			mu.Lock()
			codes = append(codes, c)
			mu.Unlock()
		},
	}
	h.ai.result = decided(model.AIDecision{Action: model.ActionBuy, Confidence: 0.75, Lot: 0.01})
	h.o.HandleSignal(context.Background(), eurusd("hooks"))

	mu.Lock()
	defer mu.Unlock()
	for _, s := range []Stage{StageQueue, StageAdmission, StageEnrichment, StageAI, StageRisk, StageExecution} {
		assert.Equal(t, 1, stages[s], string(s))
	}
	assert.Equal(t, []model.ErrorCode{""}, codes)
}
