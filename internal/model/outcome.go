package model

import "time"

// ErrorCode is the terminal rejection taxonomy visible to callers.
type ErrorCode string

const (
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrEnrichmentTimeout ErrorCode = "ENRICHMENT_TIMEOUT"
	ErrAIFailed          ErrorCode = "AI_FAILED"
	ErrInvalidAIResponse ErrorCode = "INVALID_AI_RESPONSE"
	ErrRiskRejected      ErrorCode = "RISK_REJECTED"
	ErrExecutionFailed   ErrorCode = "EXECUTION_FAILED"
	ErrBrokerUnavailable ErrorCode = "BROKER_UNAVAILABLE"
	ErrPipelineTimeout   ErrorCode = "PIPELINE_TIMEOUT"
	ErrInternal          ErrorCode = "INTERNAL_ERROR"

	// Wire-level rejections: the request was never accepted into a pipeline.
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
)

// Outcome is the single terminal result of an accepted SignalRequest.
// Exactly one of Ack (success) or Code (rejection) is set.
type Outcome struct {
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Ack       *OrderAck      `json:"ack,omitempty"`
	Code      ErrorCode      `json:"error_code,omitempty"`
	Message   string         `json:"error_message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Latency   time.Duration  `json:"latency"`
}

// Succeeded reports whether the outcome is an executed order.
func (o Outcome) Succeeded() bool {
	return o.Ack != nil && o.Ack.Success && o.Code == ""
}
