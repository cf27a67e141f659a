package model

import (
	"fmt"
	"strings"
)

// Action is a trading direction shared by signals, decisions and orders.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction normalizes s (case-insensitive, surrounding space ignored).
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionHold:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Tradable reports whether the action opens a position.
func (a Action) Tradable() bool {
	return a == ActionBuy || a == ActionSell
}
