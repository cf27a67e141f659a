package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-bridge/internal/model"
)

func TestParse_PlainObject(t *testing.T) {
	d, err := Parse(`{"action":"BUY","confidence":0.75,"lot":0.01,"stop_loss":1.085,"take_profit":1.09,"reason":"trend"}`)
	require.NoError(t, err)

	assert.Equal(t, model.ActionBuy, d.Action)
	assert.InDelta(t, 0.75, d.Confidence, 1e-9)
	assert.InDelta(t, 0.01, d.Lot, 1e-9)
	require.NotNil(t, d.StopLoss)
	assert.InDelta(t, 1.085, *d.StopLoss, 1e-9)
	require.NotNil(t, d.TakeProfit)
	assert.True(t, d.Parsed)
	assert.Equal(t, model.SourceModel, d.Source)
}

func TestParse_NullStopsAndSurroundingText(t *testing.T) {
	text := "Sure, here is my analysis:\n```json\n{\"action\":\"HOLD\",\"confidence\":0.8,\"lot\":0.01,\"stop_loss\":null,\"take_profit\":null,\"reason\":\"range {bound}\"}\n```\nGood luck."
	d, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, model.ActionHold, d.Action)
	assert.Nil(t, d.StopLoss)
	assert.Nil(t, d.TakeProfit)
	assert.Equal(t, "range {bound}", d.Reason)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"no json":          "I think you should buy.",
		"truncated":        `{"action":"BUY","confidence":0.7`,
		"bad action":       `{"action":"LONG","confidence":0.7,"lot":0.1,"stop_loss":null,"take_profit":null,"reason":""}`,
		"confidence range": `{"action":"BUY","confidence":1.7,"lot":0.1,"stop_loss":null,"take_profit":null,"reason":""}`,
		"zero lot":         `{"action":"BUY","confidence":0.7,"lot":0,"stop_loss":null,"take_profit":null,"reason":""}`,
		"missing reason":   `{"action":"BUY","confidence":0.7,"lot":0.1,"stop_loss":null,"take_profit":null}`,
		"string stop":      `{"action":"BUY","confidence":0.7,"lot":0.1,"stop_loss":"1.08","take_profit":null,"reason":""}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			assert.Error(t, err)
		})
	}
}

func TestParse_ErrorKinds(t *testing.T) {
	_, err := Parse("nothing here")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = Parse(`{"action":"BUY"}`)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestMarshal_RoundTripsThroughParse(t *testing.T) {
	sl := 1.2
	in := model.AIDecision{Action: model.ActionSell, Confidence: 0.9, Lot: 0.5, StopLoss: &sl, Reason: "x"}
	raw, err := Marshal(in)
	require.NoError(t, err)

	out, err := Parse(string(raw))
	require.NoError(t, err)
	assert.Equal(t, in.Action, out.Action)
	assert.Equal(t, *in.StopLoss, *out.StopLoss)
	assert.Nil(t, out.TakeProfit)
}

func TestExtractJSON(t *testing.T) {
	obj, ok := ExtractJSON(`noise {"a":{"b":"}"}} trailing`)
	require.True(t, ok)
	assert.Equal(t, `{"a":{"b":"}"}}`, obj)

	_, ok = ExtractJSON("")
	assert.False(t, ok)
}

func TestExtractJSON_SkipsBracedProse(t *testing.T) {
	obj, ok := ExtractJSON(`Plan {step 1: check trend} then answer {"action":"SELL"} done`)
	require.True(t, ok)
	assert.Equal(t, `{"action":"SELL"}`, obj)

	_, ok = ExtractJSON(`only {prose} and {more: prose}`)
	assert.False(t, ok)
}

func TestParse_AfterBracedReasoning(t *testing.T) {
	text := `Reasoning {rsi > 70, fading}: {"action":"SELL","confidence":0.66,"lot":0.02,"stop_loss":1.091,"take_profit":null,"reason":" overbought "}`
	d, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, model.ActionSell, d.Action)
	assert.InDelta(t, 0.66, d.Confidence, 1e-9)
	assert.InDelta(t, 0.02, d.Lot, 1e-9)
	require.NotNil(t, d.StopLoss)
	assert.InDelta(t, 1.091, *d.StopLoss, 1e-9)
	assert.Nil(t, d.TakeProfit)
	assert.Equal(t, "overbought", d.Reason)
}
