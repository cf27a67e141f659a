// Package orchestrator runs the bounded-latency signal pipeline:
// admission, enrichment, AI query, risk validation, execution and event
// emission. Every stage is budgeted from the remaining total deadline and no
// stage is ever retried.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"mt5-bridge/internal/broker"
	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/model"
	"mt5-bridge/internal/risk"
)

// Event names emitted to the sink.
const (
	EventExecuted = "signal.executed"
	EventRejected = "signal.rejected"
)

// Config carries the pipeline budgets.
type Config struct {
	TotalDeadline     time.Duration
	AdmissionFraction float64 // share of TotalDeadline the admission gate may wait
	EnrichmentTimeout time.Duration
	AIQuickTimeout    time.Duration
	AIDeepTimeout     time.Duration
	ExecTimeout       time.Duration
	ExecReserve       time.Duration // kept back from the AI budget for execution
	MaxTokens         int
	Temperature       float64
	MaxInFlight       int64
	AllowFallback     bool // run the pool's fallback decision through risk instead of failing
}

func (c *Config) applyDefaults() {
	if c.TotalDeadline <= 0 {
		c.TotalDeadline = 20 * time.Second
	}
	if c.AdmissionFraction <= 0 || c.AdmissionFraction >= 1 {
		c.AdmissionFraction = 0.05
	}
	if c.EnrichmentTimeout <= 0 {
		c.EnrichmentTimeout = 2 * time.Second
	}
	if c.AIQuickTimeout <= 0 {
		c.AIQuickTimeout = 8 * time.Second
	}
	if c.AIDeepTimeout <= 0 {
		c.AIDeepTimeout = 30 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Second
	}
	if c.ExecReserve <= 0 {
		c.ExecReserve = c.ExecTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 256
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
}

// Deps are the collaborating components. AI, Executor are required; the
// rest fall back to permissive defaults when nil.
type Deps struct {
	Admitter model.Admitter
	Market   model.MarketData
	AI       model.DecisionProvider
	Risk     *risk.Validator
	Executor model.Executor
	Events   model.EventSink
}

// Hooks receive pipeline activity. All fields are optional and must not block.
type Hooks struct {
	OnStage    func(stage Stage, d time.Duration)
	OnOutcome  func(code model.ErrorCode, sub string, d time.Duration)
	OnInFlight func(n int)
}

// Optional capabilities discovered on Deps.
type (
	waitAdmitter interface {
		AcquireWait(ctx context.Context, account, instrument string, tokens int, maxWait time.Duration) (bool, time.Duration)
	}
	ackTracker interface {
		InFlight(id string) bool
	}
	activityTracker interface {
		Begin(accountID string)
		End(accountID string, executed bool)
	}
)

// Orchestrator implements model.SignalHandler.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	hooks   Hooks
	log     *slog.Logger
	sem     *semaphore.Weighted
	pending *pendingSet
	now     func() time.Time
}

var _ model.SignalHandler = (*Orchestrator)(nil)

// New wires an Orchestrator.
func New(cfg Config, deps Deps, hooks Hooks, log *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Discard()
	}
	if deps.Risk == nil {
		deps.Risk = risk.New(risk.DefaultLimits())
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		hooks:   hooks,
		log:     log.With("component", "orchestrator"),
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		pending: newPendingSet(),
		now:     time.Now,
	}
}

type result struct {
	ack      model.OrderAck
	decision model.AIDecision
	market   model.MarketContext
}

// HandleSignal runs the pipeline for req under the configured total deadline
// and returns its single terminal outcome.
func (o *Orchestrator) HandleSignal(ctx context.Context, req model.SignalRequest) (out model.Outcome) {
	start := o.now()
	traceID := logger.TraceID(ctx)
	if traceID == "" {
		traceID = logger.NewTraceID()
		ctx = logger.WithTraceID(ctx, traceID)
	}
	out = model.Outcome{RequestID: req.RequestID, TraceID: traceID}

	var res result
	defer func() { o.finish(ctx, req, res, &out, start) }()

	if !o.pending.add(req.RequestID) {
		out = rejection(out, newError(model.ErrInvalidRequest, StageQueue, "duplicate", "request_id %q already in flight", req.RequestID))
		return out
	}
	// handoff releases the id exactly once: when execution takes it over or
	// on return, whichever comes first. A later request may reuse the id
	// after the handoff and must keep its entry.
	var handedOff bool
	handoff := func() {
		if !handedOff {
			handedOff = true
			o.untrack(req.RequestID)
		}
	}
	defer handoff()
	if at, ok := o.deps.Executor.(ackTracker); ok && at.InFlight(req.RequestID) {
		out = rejection(out, newError(model.ErrInvalidRequest, StageQueue, "duplicate", "request_id %q awaiting broker ack", req.RequestID))
		return out
	}
	o.notifyInFlight()

	if tr, ok := o.deps.Market.(activityTracker); ok {
		tr.Begin(req.AccountID)
		defer func() { tr.End(req.AccountID, out.Succeeded()) }()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx, o.log).Error("pipeline panic",
				"request_id", req.RequestID, "panic", r, "stack", string(debug.Stack()))
			out = rejection(out, newError(model.ErrInternal, "", "panic", "internal error: %v", r))
		}
	}()

	var perr *PipelineError
	res, perr = o.run(ctx, req, o.cfg.TotalDeadline, handoff)
	if perr != nil {
		return rejection(out, perr)
	}
	ack := res.ack
	out.Ack = &ack
	return out
}

// GenerateAndValidate runs the pipeline for req bounded by total. The error,
// when non-nil, is a *PipelineError.
func (o *Orchestrator) GenerateAndValidate(ctx context.Context, req model.SignalRequest, total time.Duration) (model.OrderAck, error) {
	res, perr := o.run(ctx, req, total, nil)
	if perr != nil {
		return model.OrderAck{}, perr
	}
	return res.ack, nil
}

func rejection(out model.Outcome, perr *PipelineError) model.Outcome {
	if perr.TraceID == "" {
		perr.TraceID = out.TraceID
	}
	out.Ack = nil
	out.Code = perr.Code
	out.Message = perr.Message
	out.Details = perr.Details()
	return out
}

func (o *Orchestrator) untrack(id string) {
	o.pending.remove(id)
	o.notifyInFlight()
}

func (o *Orchestrator) notifyInFlight() {
	if o.hooks.OnInFlight != nil {
		o.hooks.OnInFlight(o.pending.len())
	}
}

func remaining(ctx context.Context) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return time.Duration(1<<63 - 1)
	}
	return time.Until(dl)
}

func (o *Orchestrator) stageDone(stage Stage, since time.Time) {
	if o.hooks.OnStage != nil {
		o.hooks.OnStage(stage, o.now().Sub(since))
	}
}

func (o *Orchestrator) run(ctx context.Context, req model.SignalRequest, total time.Duration, handoff func()) (res result, perr *PipelineError) {
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()
	defer func() {
		if perr != nil && perr.TraceID == "" {
			perr.TraceID = logger.TraceID(ctx)
		}
	}()

	t := o.now()
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return res, timeoutAt(StageQueue)
	}
	defer o.sem.Release(1)
	o.stageDone(StageQueue, t)

	t = o.now()
	if perr = o.admit(ctx, req, total); perr != nil {
		return res, perr
	}
	o.stageDone(StageAdmission, t)

	t = o.now()
	if res.market, perr = o.enrich(ctx, req); perr != nil {
		return res, perr
	}
	o.stageDone(StageEnrichment, t)

	t = o.now()
	var d model.AIDecision
	if d, perr = o.query(ctx, req, res.market); perr != nil {
		return res, perr
	}
	o.stageDone(StageAI, t)

	t = o.now()
	d, rej := o.deps.Risk.Check(risk.Input{Request: req, Decision: d, Market: res.market, Now: o.now()})
	res.decision = d
	if rej != nil {
		return res, newError(model.ErrRiskRejected, StageRisk, rej.Reason, "%s", rej.Message)
	}
	o.stageDone(StageRisk, t)

	t = o.now()
	if res.ack, perr = o.execute(ctx, req, d, handoff); perr != nil {
		return res, perr
	}
	o.stageDone(StageExecution, t)
	return res, nil
}

func (o *Orchestrator) admit(ctx context.Context, req model.SignalRequest, total time.Duration) *PipelineError {
	if o.deps.Admitter == nil {
		return nil
	}
	maxWait := time.Duration(float64(total) * o.cfg.AdmissionFraction)
	if rem := remaining(ctx); maxWait > rem {
		maxWait = rem
	}
	var (
		ok   bool
		wait time.Duration
	)
	if wa, is := o.deps.Admitter.(waitAdmitter); is {
		ok, wait = wa.AcquireWait(ctx, req.AccountID, req.Symbol, 1, maxWait)
	} else {
		ok = o.deps.Admitter.Acquire(ctx, req.AccountID, req.Symbol, 1, maxWait)
	}
	if ok {
		return nil
	}
	if ctx.Err() != nil {
		return timeoutAt(StageAdmission)
	}
	perr := newError(model.ErrRateLimited, StageAdmission, "", "rate limit exceeded for %s/%s", req.AccountID, req.Symbol)
	perr.RetryAfter = wait
	return perr
}

func (o *Orchestrator) enrich(ctx context.Context, req model.SignalRequest) (model.MarketContext, *PipelineError) {
	if o.deps.Market == nil {
		return model.MarketContext{Symbol: req.Symbol, Price: req.Price, Indicators: map[string]float64{}}, nil
	}
	ectx, cancel := context.WithTimeout(ctx, o.cfg.EnrichmentTimeout)
	defer cancel()
	mc, err := o.deps.Market.Snapshot(ectx, req)
	if err == nil {
		return mc, nil
	}
	switch {
	case ctx.Err() != nil:
		return mc, timeoutAt(StageEnrichment)
	case errors.Is(err, context.DeadlineExceeded), ectx.Err() != nil:
		return mc, newError(model.ErrEnrichmentTimeout, StageEnrichment, "", "market data not ready within %s", o.cfg.EnrichmentTimeout)
	default:
		return mc, newError(model.ErrInternal, StageEnrichment, "", "enrichment failed: %v", err)
	}
}

func (o *Orchestrator) query(ctx context.Context, req model.SignalRequest, mc model.MarketContext) (model.AIDecision, *PipelineError) {
	budget := o.cfg.AIQuickTimeout
	if req.Deep() {
		budget = o.cfg.AIDeepTimeout
	}
	avail := remaining(ctx) - o.cfg.ExecReserve
	if avail <= 0 {
		return model.AIDecision{}, timeoutAt(StageAI)
	}
	if budget > avail {
		budget = avail
	}

	prompt, err := BuildPrompt(req, mc)
	if err != nil {
		return model.AIDecision{}, newError(model.ErrInternal, StageAI, "", "build prompt: %v", err)
	}
	ar := o.deps.AI.Ask(ctx, prompt, model.AskOptions{
		Deadline:    budget,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})

	switch {
	case !ar.Success && ctx.Err() != nil:
		return model.AIDecision{}, timeoutAt(StageAI)
	case !ar.Success:
		msg := ar.Error
		if msg == "" {
			msg = ar.Reason
		}
		return model.AIDecision{}, newError(model.ErrAIFailed, StageAI, ar.Reason, "ai worker %d failed: %s", ar.Worker, msg)
	case ar.Source == model.SourceFallback && !o.cfg.AllowFallback:
		return model.AIDecision{}, newError(model.ErrAIFailed, StageAI, model.FailureAllOpen, "no inference worker available")
	case ar.Decision == nil:
		return model.AIDecision{}, newError(model.ErrInvalidAIResponse, StageAI, "", "unparseable ai reply: %s", ar.ParseErr)
	}
	return *ar.Decision, nil
}

func (o *Orchestrator) execute(ctx context.Context, req model.SignalRequest, d model.AIDecision, handoff func()) (model.OrderAck, *PipelineError) {
	budget := o.cfg.ExecTimeout
	rem := remaining(ctx)
	if rem <= 0 || ctx.Err() != nil {
		return model.OrderAck{}, timeoutAt(StageExecution)
	}
	if budget > rem {
		budget = rem
	}
	instr := model.OrderInstruction{
		CorrelationID: req.RequestID,
		Symbol:        req.Symbol,
		Action:        d.Action,
		Lot:           d.Lot,
		StopLoss:      d.StopLoss,
		TakeProfit:    d.TakeProfit,
		Deadline:      o.now().Add(budget),
	}
	xctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// The id now belongs to the executor's pending-ack set.
	if handoff != nil {
		handoff()
	}
	ack, err := o.deps.Executor.Execute(xctx, instr)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrDisconnected):
			return ack, newError(model.ErrBrokerUnavailable, StageExecution, "", "broker channel: %v", err)
		case ctx.Err() != nil:
			return ack, timeoutAt(StageExecution)
		case errors.Is(err, context.DeadlineExceeded):
			return ack, newError(model.ErrExecutionFailed, StageExecution, "ack_timeout", "no ack within %s", budget)
		case errors.Is(err, broker.ErrDuplicateCorrelation):
			return ack, newError(model.ErrExecutionFailed, StageExecution, "duplicate", "%v", err)
		default:
			return ack, newError(model.ErrBrokerUnavailable, StageExecution, "", "dispatch failed: %v", err)
		}
	}
	if !ack.Success {
		msg := ack.Error
		if msg == "" {
			msg = "unspecified broker error"
		}
		return ack, newError(model.ErrExecutionFailed, StageExecution, "", "broker rejected order: %s", msg)
	}
	return ack, nil
}

func (o *Orchestrator) finish(ctx context.Context, req model.SignalRequest, res result, out *model.Outcome, start time.Time) {
	out.Latency = o.now().Sub(start)
	log := logger.FromContext(ctx, o.log).With(
		"request_id", req.RequestID, "account_id", req.AccountID, "symbol", req.Symbol,
		"latency_ms", out.Latency.Milliseconds())

	sub, _ := out.Details["sub_reason"].(string)
	if o.hooks.OnOutcome != nil {
		o.hooks.OnOutcome(out.Code, sub, out.Latency)
	}

	payload := map[string]any{
		"request_id": req.RequestID,
		"trace_id":   out.TraceID,
		"account_id": req.AccountID,
		"symbol":     req.Symbol,
		"strategy":   req.Strategy,
		"proposed":   string(req.Action),
		"latency_ms": out.Latency.Milliseconds(),
	}
	if res.decision.Action != "" {
		payload["action"] = string(res.decision.Action)
		payload["confidence"] = res.decision.Confidence
		payload["lot"] = res.decision.Lot
		payload["worker"] = res.decision.Worker
		payload["ai_source"] = string(res.decision.Source)
	}

	name := EventExecuted
	if out.Succeeded() {
		payload["order_id"] = out.Ack.OrderID
		log.Info("signal executed", "order_id", out.Ack.OrderID, "action", res.decision.Action, "lot", res.decision.Lot)
	} else {
		name = EventRejected
		payload["error_code"] = string(out.Code)
		payload["error_message"] = out.Message
		for k, v := range out.Details {
			payload[k] = v
		}
		log.Warn("signal rejected", "code", out.Code, "sub_reason", sub, "message", out.Message)
	}
	o.emit(ctx, name, payload)
}

// emit is fire-and-forget: sink failures are logged and never reach the caller.
func (o *Orchestrator) emit(ctx context.Context, name string, payload map[string]any) {
	if o.deps.Events == nil {
		return
	}
	if err := o.deps.Events.Emit(context.WithoutCancel(ctx), name, payload); err != nil {
		logger.FromContext(ctx, o.log).Debug("event not emitted", "event", name, "error", err)
	}
}
