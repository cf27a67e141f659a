// Package aiworker is the inference side of the worker pool: the NDJSON
// protocol spoken over a worker process's stdin/stdout, the serve loop, and
// the engines that actually produce decisions.
package aiworker

import (
	"encoding/json"
	"time"
)

// Request kinds (pool → worker).
const (
	KindGenerate = "generate"
	KindShutdown = "shutdown"
)

// Reply kinds (worker → pool).
const (
	KindReady  = "ready"
	KindResult = "result"
	KindFatal  = "fatal"
)

// Request is one line on a worker's stdin.
type Request struct {
	Kind        string  `json:"kind"`
	ID          string  `json:"id,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Reply is one line on a worker's stdout.
type Reply struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id,omitempty"`
	Success   bool            `json:"success"`
	Text      string          `json:"text,omitempty"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
	LatencyMS int64           `json:"latency_ms,omitempty"`
	Error     string          `json:"error,omitempty"`
	Model     string          `json:"model,omitempty"`
}

// Latency returns LatencyMS as a duration.
func (r Reply) Latency() time.Duration {
	return time.Duration(r.LatencyMS) * time.Millisecond
}

// Shutdown is the sentinel that makes a worker exit cleanly.
func Shutdown() Request { return Request{Kind: KindShutdown} }
