// Package indicator computes streaming SMA, EMA and RSI values over the
// prices observed for an instrument. Values are plain float64 prices; no
// instance is safe for concurrent use, the owning store serializes access.
package indicator

// Indicator consumes prices one at a time.
type Indicator interface {
	Name() string // family, e.g. "SMA"
	Update(price float64)
	// Value is 0 until Ready.
	Value() float64
	Ready() bool
	// Peek is the value Update(price) would produce, leaving state untouched.
	Peek(price float64) float64
}
