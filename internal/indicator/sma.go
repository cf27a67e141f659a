package indicator

import "mt5-bridge/internal/ringbuf"

// SMA is the arithmetic mean of the last period prices. The window keeps at
// least period samples; the running sum is adjusted by the sample leaving it.
type SMA struct {
	period int
	win    *ringbuf.Window
	sum    float64
}

func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{period: period, win: ringbuf.New(period + 1)}
}

func (s *SMA) Name() string { return "SMA" }

func (s *SMA) Update(price float64) {
	s.sum += price - s.leaving()
	s.win.Push(price)
}

// leaving is the sample that drops out of the average on the next push.
func (s *SMA) leaving() float64 {
	v, _ := s.win.At(s.period - 1)
	if s.win.Len() < s.period {
		return 0
	}
	return v
}

func (s *SMA) Ready() bool { return s.win.Len() >= s.period }

func (s *SMA) Value() float64 {
	if !s.Ready() {
		return 0
	}
	return s.sum / float64(s.period)
}

// Peek averages over whatever is available when not yet ready.
func (s *SMA) Peek(price float64) float64 {
	if !s.Ready() {
		return (s.sum + price) / float64(s.win.Len()+1)
	}
	return (s.sum - s.leaving() + price) / float64(s.period)
}
