package model

import "time"

// DecisionSource tells model output apart from the pool's synthetic fallback.
type DecisionSource string

const (
	SourceModel    DecisionSource = "model"
	SourceFallback DecisionSource = "fallback"
)

// AIDecision is the structured answer of an inference worker.
type AIDecision struct {
	Action     Action         `json:"action"`
	Confidence float64        `json:"confidence"`
	Lot        float64        `json:"lot"`
	StopLoss   *float64       `json:"stop_loss"`
	TakeProfit *float64       `json:"take_profit"`
	Reason     string         `json:"reason"`
	Latency    time.Duration  `json:"latency"`
	Worker     int            `json:"worker"`
	Parsed     bool           `json:"parsed"`
	Source     DecisionSource `json:"source"`
}

// Failure reasons reported by the worker pool.
const (
	FailureTimeout = "timeout"
	FailureCrashed = "crashed"
	FailureAllOpen = "all_open"
	FailureStopped = "stopped"
	FailureWorker  = "worker_error"
	FailureSend    = "send_error"
)

// AskResult is what the worker pool returns for one prompt.
type AskResult struct {
	Success  bool           `json:"success"`
	Text     string         `json:"text"`
	Decision *AIDecision    `json:"decision,omitempty"` // nil when Text was not a valid decision
	ParseErr string         `json:"parse_error,omitempty"`
	Latency  time.Duration  `json:"latency"`
	Worker   int            `json:"worker"` // -1 when no worker served the request
	Source   DecisionSource `json:"source"`
	Reason   string         `json:"reason,omitempty"` // one of the Failure* values when !Success
	Error    string         `json:"error,omitempty"`
}

// AskOptions are the generation parameters of a single prompt.
type AskOptions struct {
	Deadline    time.Duration
	MaxTokens   int
	Temperature float64
}
