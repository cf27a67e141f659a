package indicator

import (
	"strconv"
	"strings"
)

// Config specifies a single indicator to compute.
type Config struct {
	Type   string // "SMA", "EMA", "RSI"
	Period int
}

// Key is the name an indicator value is published under, e.g. "sma_20".
func (c Config) Key() string {
	return strings.ToLower(c.Type) + "_" + strconv.Itoa(c.Period)
}

// DefaultConfigs are the indicators attached to every instrument.
var DefaultConfigs = []Config{
	{Type: "SMA", Period: 20},
	{Type: "EMA", Period: 9},
	{Type: "RSI", Period: 14},
}

// Set is one instrument's live indicator instances.
// Designed for single-goroutine use; no locks.
type Set struct {
	configs    []Config
	indicators []Indicator
}

// NewSet creates fresh indicator instances for configs.
func NewSet(configs []Config) *Set {
	inds := make([]Indicator, len(configs))
	for i, ic := range configs {
		switch strings.ToUpper(ic.Type) {
		case "EMA":
			inds[i] = NewEMA(ic.Period)
		case "RSI":
			inds[i] = NewRSI(ic.Period)
		default:
			inds[i] = NewSMA(ic.Period)
		}
	}
	return &Set{configs: configs, indicators: inds}
}

// Update feeds price to every indicator.
func (s *Set) Update(price float64) {
	for _, ind := range s.indicators {
		ind.Update(price)
	}
}

// Values returns the ready indicators keyed by Config.Key.
func (s *Set) Values() map[string]float64 {
	out := make(map[string]float64, len(s.indicators))
	for i, ind := range s.indicators {
		if ind.Ready() {
			out[s.configs[i].Key()] = ind.Value()
		}
	}
	return out
}

// Peek returns what Values would report if price were added next.
func (s *Set) Peek(price float64) map[string]float64 {
	out := make(map[string]float64, len(s.indicators))
	for i, ind := range s.indicators {
		if ind.Ready() {
			out[s.configs[i].Key()] = ind.Peek(price)
		}
	}
	return out
}
