package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"mt5-bridge/internal/model"
)

// SignalSchemaJSON validates the payload of signal.create.
const SignalSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["account_id", "strategy", "symbol", "action", "lot", "confidence"],
  "properties": {
    "request_id":  {"type": "string", "maxLength": 128},
    "account_id":  {"type": "string", "minLength": 1},
    "strategy":    {"type": "string"},
    "symbol":      {"type": "string", "pattern": "^[A-Z]{6}$"},
    "action":      {"type": "string", "enum": ["BUY", "SELL", "HOLD"]},
    "lot":         {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
    "stop_loss":   {"type": ["number", "null"]},
    "take_profit": {"type": ["number", "null"]},
    "confidence":  {"type": "number", "minimum": 0, "maximum": 1},
    "price":       {"type": ["number", "null"], "minimum": 0},
    "mode":        {"type": "string", "enum": ["quick", "deep"]}
  }
}`

// SignalPayload is the body of signal.create.
type SignalPayload struct {
	RequestID  string   `json:"request_id,omitempty"`
	AccountID  string   `json:"account_id"`
	Strategy   string   `json:"strategy"`
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Lot        float64  `json:"lot"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Confidence float64  `json:"confidence"`
	Price      *float64 `json:"price,omitempty"`
	Mode       string   `json:"mode,omitempty"`
}

// ValidationError describes why a payload was refused. Details maps the
// offending JSON pointer to its message.
type ValidationError struct {
	Msg     string
	Details map[string]any
}

func (e *ValidationError) Error() string { return e.Msg }

var (
	signalOnce   sync.Once
	signalSchema *jsonschema.Schema
	signalErr    error
)

func compiledSignalSchema() (*jsonschema.Schema, error) {
	signalOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("signal.json", strings.NewReader(SignalSchemaJSON)); err != nil {
			signalErr = err
			return
		}
		signalSchema, signalErr = c.Compile("signal.json")
	})
	return signalSchema, signalErr
}

// DecodeSignal validates the payload of a signal.create frame and converts it
// into a SignalRequest. The request id comes from the frame, else from the
// payload; it is left empty when neither carries one.
func DecodeSignal(f Frame) (model.SignalRequest, error) {
	if len(f.Payload) == 0 {
		return model.SignalRequest{}, &ValidationError{Msg: "signal.create without payload"}
	}
	s, err := compiledSignalSchema()
	if err != nil {
		return model.SignalRequest{}, fmt.Errorf("compile signal schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(f.Payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return model.SignalRequest{}, &ValidationError{Msg: "payload is not JSON: " + err.Error()}
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			details := leafCauses(ve)
			return model.SignalRequest{}, &ValidationError{Msg: "invalid signal payload: " + summarize(details), Details: details}
		}
		return model.SignalRequest{}, &ValidationError{Msg: err.Error()}
	}

	var p SignalPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return model.SignalRequest{}, &ValidationError{Msg: err.Error()}
	}
	action, err := model.ParseAction(p.Action)
	if err != nil {
		return model.SignalRequest{}, &ValidationError{Msg: err.Error()}
	}

	req := model.SignalRequest{
		RequestID:  f.RequestID,
		AccountID:  p.AccountID,
		Symbol:     p.Symbol,
		Action:     action,
		Lot:        p.Lot,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Confidence: p.Confidence,
		Strategy:   p.Strategy,
		AuthToken:  f.AuthToken,
		Mode:       p.Mode,
		ReceivedAt: time.Now(),
	}
	if req.RequestID == "" {
		req.RequestID = p.RequestID
	}
	if p.Price != nil {
		req.Price = *p.Price
	}
	return req, nil
}

func leafCauses(ve *jsonschema.ValidationError) map[string]any {
	out := make(map[string]any)
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out[loc] = e.Message
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func summarize(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, details[k]))
	}
	return strings.Join(parts, "; ")
}
