// Package decision turns free-form model output into a validated AIDecision.
// Output is accepted only if it contains a JSON object that satisfies
// SchemaJSON; anything else is an explicit parse error.
package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"mt5-bridge/internal/model"
)

// SchemaJSON constrains worker generation and validates every reply.
const SchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["action", "confidence", "lot", "stop_loss", "take_profit", "reason"],
  "properties": {
    "action":      {"type": "string", "enum": ["BUY", "SELL", "HOLD"]},
    "confidence":  {"type": "number", "minimum": 0, "maximum": 1},
    "lot":         {"type": "number", "exclusiveMinimum": 0},
    "stop_loss":   {"type": ["number", "null"]},
    "take_profit": {"type": ["number", "null"]},
    "reason":      {"type": "string"}
  }
}`

var (
	// ErrNoJSON means the text contained no JSON object at all.
	ErrNoJSON = errors.New("no JSON object in model output")
	// ErrSchema wraps schema violations.
	ErrSchema = errors.New("decision violates schema")
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Schema returns the compiled decision schema.
func Schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("decision.json", strings.NewReader(SchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("decision.json")
	})
	return schema, schemaErr
}

type wireDecision struct {
	Action     string   `json:"action"`
	Confidence float64  `json:"confidence"`
	Lot        float64  `json:"lot"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
	Reason     string   `json:"reason"`
}

// Parse extracts and validates a decision from raw model output.
// The returned decision has Parsed set and Source model; latency and worker
// are filled in by the caller.
func Parse(text string) (model.AIDecision, error) {
	raw, ok := ExtractJSON(text)
	if !ok {
		return model.AIDecision{}, ErrNoJSON
	}
	if err := Validate([]byte(raw)); err != nil {
		return model.AIDecision{}, err
	}

	// The schema has fixed every field's type, so plain reads suffice.
	f := gjson.GetMany(raw, "action", "confidence", "lot", "stop_loss", "take_profit", "reason")
	action, err := model.ParseAction(f[0].String())
	if err != nil {
		return model.AIDecision{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return model.AIDecision{
		Action:     action,
		Confidence: f[1].Float(),
		Lot:        f[2].Float(),
		StopLoss:   optionalFloat(f[3]),
		TakeProfit: optionalFloat(f[4]),
		Reason:     strings.TrimSpace(f[5].String()),
		Parsed:     true,
		Source:     model.SourceModel,
	}, nil
}

func optionalFloat(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}

// Validate checks a raw JSON document against the decision schema.
func Validate(raw []byte) error {
	s, err := Schema()
	if err != nil {
		return fmt.Errorf("compile decision schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

// Marshal renders d in the schema's wire shape.
func Marshal(d model.AIDecision) ([]byte, error) {
	return json.Marshal(wireDecision{
		Action:     string(d.Action),
		Confidence: d.Confidence,
		Lot:        d.Lot,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		Reason:     d.Reason,
	})
}
