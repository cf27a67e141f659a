package model

import (
	"context"
	"time"
)

// ── Component Port Interfaces ──
// These interfaces decouple the pipeline from concrete components
// (worker pool, broker channel, token buckets, sinks). Each implementation
// satisfies one of them; tests substitute fakes.

// DecisionProvider answers a prompt with a structured decision.
type DecisionProvider interface {
	// Ask submits prompt and blocks until a reply, the deadline in opts, or ctx.
	// A failed or timed-out request is reported in the result, never retried.
	Ask(ctx context.Context, prompt string, opts AskOptions) AskResult
}

// Admitter gates requests per (account, instrument).
type Admitter interface {
	// Acquire takes tokens, waiting at most maxWait. Returns false if denied.
	Acquire(ctx context.Context, account, instrument string, tokens int, maxWait time.Duration) bool
}

// Executor dispatches an order to the front-end and waits for its ack.
type Executor interface {
	Execute(ctx context.Context, instr OrderInstruction) (OrderAck, error)
}

// MarketData assembles the enrichment context of a request.
type MarketData interface {
	Snapshot(ctx context.Context, req SignalRequest) (MarketContext, error)
}

// EventSink publishes out-of-band events. Failures never reach the caller.
type EventSink interface {
	Emit(ctx context.Context, name string, payload any) error
}

// SignalHandler turns an accepted request into its terminal outcome.
type SignalHandler interface {
	HandleSignal(ctx context.Context, req SignalRequest) Outcome
}
