package indicator

// EMA is an exponential moving average with k = 2/(period+1). Until period
// prices have arrived it tracks their simple average, which becomes the seed.
type EMA struct {
	k      float64
	seed   *SMA
	value  float64
	seeded bool
}

func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{k: 2 / float64(period+1), seed: NewSMA(period)}
}

func (e *EMA) Name() string { return "EMA" }

func (e *EMA) Update(price float64) {
	if e.seeded {
		e.value = e.next(price)
		return
	}
	e.seed.Update(price)
	if e.seed.Ready() {
		e.value = e.seed.Value()
		e.seeded = true
	}
}

func (e *EMA) next(price float64) float64 { return e.value + e.k*(price-e.value) }

func (e *EMA) Ready() bool    { return e.seeded }
func (e *EMA) Value() float64 { return e.value }

// Peek returns price itself before the seed is complete.
func (e *EMA) Peek(price float64) float64 {
	if !e.seeded {
		return price
	}
	return e.next(price)
}
