// Package wire defines the broker front-end protocol: self-describing JSON
// records carried one per line over TCP or one per text message over
// WebSocket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"mt5-bridge/internal/model"
)

// Frame types.
const (
	TypeSignalCreate  = "signal.create"
	TypeOrderExecute  = "order.execute"
	TypeHeartbeatPing = "heartbeat.ping"
	TypeHeartbeatPong = "heartbeat.pong"
	TypeError         = "error"
	TypeAuthRequest   = "auth.request"
	TypeAuthResponse  = "auth.response"
)

// Heartbeat senders.
const (
	SenderEA     = "ea"
	SenderBridge = "bridge"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrMissingType = errors.New("frame has no type")
	ErrUnknownType = errors.New("unknown frame type")
)

var knownTypes = map[string]bool{
	TypeSignalCreate:  true,
	TypeOrderExecute:  true,
	TypeHeartbeatPing: true,
	TypeHeartbeatPong: true,
	TypeError:         true,
	TypeAuthRequest:   true,
	TypeAuthResponse:  true,
}

// Frame is the union of every record's fields. Unused fields are omitted on
// the wire.
type Frame struct {
	Type         string          `json:"type"`
	Timestamp    int64           `json:"timestamp"`
	RequestID    string          `json:"request_id,omitempty"`
	AccountID    string          `json:"account_id,omitempty"`
	APIKey       string          `json:"api_key,omitempty"`
	OTP          string          `json:"otp,omitempty"`
	AuthToken    string          `json:"auth_token,omitempty"`
	ExpiresIn    int64           `json:"expires_in,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	OrderID      string          `json:"order_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
	LatencyMS    int64           `json:"latency_ms,omitempty"`
	Sender       string          `json:"sender,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
	Details      map[string]any  `json:"details,omitempty"`
}

// IsAck reports whether an order.execute frame is an inbound ack (it carries
// a success flag) rather than an instruction.
func (f Frame) IsAck() bool {
	return f.Type == TypeOrderExecute && f.Success != nil
}

// Time returns Timestamp as a time.Time (zero when absent).
func (f Frame) Time() time.Time {
	if f.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.Timestamp)
}

// Decode parses one record. For unknown types the decoded frame is returned
// together with ErrUnknownType so the caller can log it.
func Decode(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, ErrMalformed
	}
	t := gjson.GetBytes(raw, "type")
	if !t.Exists() || t.String() == "" {
		return Frame{}, ErrMissingType
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !knownTypes[f.Type] {
		return f, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return f, nil
}

// Encode renders f as a single line without the trailing newline.
func Encode(f Frame) ([]byte, error) {
	if f.Timestamp == 0 {
		f.Timestamp = nowMS()
	}
	return json.Marshal(f)
}

func nowMS() int64 { return time.Now().UnixMilli() }

func boolPtr(b bool) *bool { return &b }

// ── builders ──

// AuthResponse answers an auth.request.
func AuthResponse(ok bool, token string, ttl time.Duration, errMsg string) Frame {
	f := Frame{Type: TypeAuthResponse, Timestamp: nowMS(), Success: boolPtr(ok), Error: errMsg}
	if ok {
		f.AuthToken = token
		f.ExpiresIn = int64(ttl / time.Second)
	}
	return f
}

// Ping is our heartbeat probe.
func Ping() Frame {
	return Frame{Type: TypeHeartbeatPing, Timestamp: nowMS(), Sender: SenderBridge}
}

// Pong answers a peer ping.
func Pong() Frame {
	return Frame{Type: TypeHeartbeatPong, Timestamp: nowMS(), Sender: SenderBridge}
}

// ErrorFrame reports a rejected request.
func ErrorFrame(requestID string, code model.ErrorCode, msg, traceID string, details map[string]any) Frame {
	return Frame{
		Type:         TypeError,
		Timestamp:    nowMS(),
		RequestID:    requestID,
		ErrorCode:    string(code),
		ErrorMessage: msg,
		TraceID:      traceID,
		Details:      details,
	}
}

// OrderPayload is the body of an outbound order.execute instruction.
type OrderPayload struct {
	Symbol     string       `json:"symbol"`
	Action     model.Action `json:"action"`
	Lot        float64      `json:"lot"`
	StopLoss   *float64     `json:"stop_loss"`
	TakeProfit *float64     `json:"take_profit"`
	Deadline   int64        `json:"deadline"`
}

// Instruction renders an outbound order.execute. It carries no success flag.
func Instruction(in model.OrderInstruction) (Frame, error) {
	payload, err := json.Marshal(OrderPayload{
		Symbol:     in.Symbol,
		Action:     in.Action,
		Lot:        in.Lot,
		StopLoss:   in.StopLoss,
		TakeProfit: in.TakeProfit,
		Deadline:   in.Deadline.UnixMilli(),
	})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeOrderExecute, Timestamp: nowMS(), RequestID: in.CorrelationID, Payload: payload}, nil
}

// ExecutionResult is the terminal success reply for a signal.create.
func ExecutionResult(requestID, orderID string, latency time.Duration) Frame {
	ms := latency.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return Frame{
		Type:      TypeOrderExecute,
		Timestamp: nowMS(),
		RequestID: requestID,
		Success:   boolPtr(true),
		OrderID:   orderID,
		LatencyMS: ms,
	}
}

// Ack extracts an OrderAck from an inbound order.execute.
func Ack(f Frame) model.OrderAck {
	ack := model.OrderAck{
		CorrelationID: f.RequestID,
		OrderID:       f.OrderID,
		Error:         f.Error,
		Timestamp:     f.Time(),
	}
	if f.Success != nil {
		ack.Success = *f.Success
	}
	if ack.Timestamp.IsZero() {
		ack.Timestamp = time.Now()
	}
	return ack
}
