package indicator

// wilder is Wilder's running average: a plain mean over the first n samples,
// then avg = (avg*(n-1) + x) / n.
type wilder struct {
	n   float64
	avg float64
	k   int
}

func (w *wilder) add(x float64) { w.avg = w.peek(x); w.k++ }

func (w *wilder) peek(x float64) float64 {
	if float64(w.k) < w.n {
		return (w.avg*float64(w.k) + x) / float64(w.k+1)
	}
	return (w.avg*(w.n-1) + x) / w.n
}

// RSI is the Relative Strength Index over period price changes, smoothed
// with Wilder's method. Ready after period+1 prices.
type RSI struct {
	period     int
	gain, loss wilder
	last       float64
	seen       bool
}

func NewRSI(period int) *RSI {
	if period < 1 {
		period = 1
	}
	return &RSI{period: period, gain: wilder{n: float64(period)}, loss: wilder{n: float64(period)}}
}

func (r *RSI) Name() string { return "RSI" }

func (r *RSI) Update(price float64) {
	if r.seen {
		up, down := split(price - r.last)
		r.gain.add(up)
		r.loss.add(down)
	}
	r.last, r.seen = price, true
}

func (r *RSI) Ready() bool { return r.gain.k >= r.period }

func (r *RSI) Value() float64 {
	if !r.Ready() {
		return 0
	}
	return rsiFrom(r.gain.avg, r.loss.avg)
}

// Peek returns the current value until the indicator is ready.
func (r *RSI) Peek(price float64) float64 {
	if !r.Ready() {
		return r.Value()
	}
	up, down := split(price - r.last)
	return rsiFrom(r.gain.peek(up), r.loss.peek(down))
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}
