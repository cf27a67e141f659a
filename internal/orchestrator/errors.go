package orchestrator

import (
	"fmt"
	"time"

	"mt5-bridge/internal/model"
)

// Stage names the pipeline step that produced an outcome.
type Stage string

const (
	StageQueue      Stage = "queue"
	StageAdmission  Stage = "admission"
	StageEnrichment Stage = "enrichment"
	StageAI         Stage = "ai"
	StageRisk       Stage = "risk"
	StageExecution  Stage = "execution"
)

// PipelineError is a terminal rejection of one request.
type PipelineError struct {
	Code       model.ErrorCode
	SubReason  string // e.g. "timeout", "all_open", "LOW_CONFIDENCE"
	Stage      Stage
	Message    string
	TraceID    string
	RetryAfter time.Duration // RATE_LIMITED only
}

func (e *PipelineError) Error() string {
	if e.SubReason != "" {
		return fmt.Sprintf("%s{%s} at %s: %s", e.Code, e.SubReason, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Stage, e.Message)
}

// Details is the structured error payload framed back to the peer.
func (e *PipelineError) Details() map[string]any {
	d := map[string]any{"stage": string(e.Stage)}
	if e.SubReason != "" {
		d["sub_reason"] = e.SubReason
	}
	if e.RetryAfter > 0 {
		d["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return d
}

func newError(code model.ErrorCode, stage Stage, sub, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, SubReason: sub, Message: fmt.Sprintf(format, args...)}
}

func timeoutAt(stage Stage) *PipelineError {
	return newError(model.ErrPipelineTimeout, stage, "", "pipeline deadline exceeded during %s", stage)
}
