// Package aipool owns the inference worker processes and exposes Ask, an
// async request/response primitive with per-worker circuit breakers,
// round-robin selection and a deterministic fallback.
package aipool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mt5-bridge/internal/aiworker"
	"mt5-bridge/internal/circuit"
	"mt5-bridge/internal/decision"
	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/model"
)

// ErrPoolStopped is reported to callers still waiting when Stop runs.
var ErrPoolStopped = errors.New("pool stopped")

// Config controls pool sizing and failure handling.
type Config struct {
	ModelPaths       []string // files or directories searched for models
	ModelGlob        string   // pattern applied inside directories
	Models           []string // explicit model list; skips discovery when set
	PoolSize         int
	StartupTimeout   time.Duration
	DefaultTimeout   time.Duration // used when AskOptions.Deadline is zero
	BreakerThreshold int
	BreakerTimeout   time.Duration
	StopGrace        time.Duration
	InboxSize        int
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.ModelGlob == "" {
		c.ModelGlob = "*.gguf"
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 120 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 8 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 60 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 3 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 16
	}
}

// Hooks receive pool activity. All fields are optional; hooks run on pool
// goroutines and must not block.
type Hooks struct {
	OnResult        func(worker int, reason string, latency time.Duration)
	OnBreakerChange func(worker int, from, to circuit.State)
	OnAliveChange   func(alive int)
}

type worker struct {
	index   int
	model   string
	proc    Process
	inbox   chan aiworker.Request
	alive   bool
	ready   bool
	breaker *circuit.Breaker
	readyCh chan struct{}
	exited  chan struct{}
	served  int64
	failed  int64
}

type callResult struct {
	reply  aiworker.Reply
	reason string // failure reason when the call did not produce a reply
	err    error
}

type pendingCall struct {
	worker int
	done   chan callResult
}

type eventKind int

const (
	evReply eventKind = iota
	evSendError
	evExited
)

type workerEvent struct {
	worker int
	kind   eventKind
	reply  aiworker.Reply
	id     string
	err    error
}

// Pool is the worker pool.
type Pool struct {
	cfg      Config
	launcher Launcher
	hooks    Hooks
	log      *slog.Logger

	mu      sync.Mutex
	workers []*worker
	next    int
	pending map[string]*pendingCall
	stopped bool

	responses chan workerEvent
	quit      chan struct{}
	dispDone  chan struct{}
	stopOnce  sync.Once
}

// New creates a pool and its response dispatcher. No worker is spawned
// until Start.
func New(cfg Config, launcher Launcher, hooks Hooks, log *slog.Logger) *Pool {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Discard()
	}
	p := &Pool{
		cfg:       cfg,
		launcher:  launcher,
		hooks:     hooks,
		log:       log.With("component", "aipool"),
		pending:   make(map[string]*pendingCall),
		responses: make(chan workerEvent, 64),
		quit:      make(chan struct{}),
		dispDone:  make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// DiscoverModels lists model files under paths. Directories are searched
// with glob (non-recursive); explicit files are kept as given.
func DiscoverModels(paths []string, glob string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, root := range paths {
		st, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !st.IsDir() {
			add(root)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(root, glob))
		if err != nil {
			return nil, fmt.Errorf("model glob %q: %w", glob, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && !fi.IsDir() {
				add(m)
			}
		}
	}
	return out, nil
}

// Start discovers models, spawns up to PoolSize workers and waits (bounded by
// StartupTimeout) for each to report ready. Workers that never become ready
// are logged and left out of rotation until they do.
func (p *Pool) Start(ctx context.Context) error {
	models := p.cfg.Models
	if len(models) == 0 {
		var err error
		models, err = DiscoverModels(p.cfg.ModelPaths, p.cfg.ModelGlob)
		if err != nil {
			return err
		}
	}
	if len(models) == 0 {
		p.log.Warn("no model files found; pool will answer with fallback decisions",
			"paths", p.cfg.ModelPaths, "glob", p.cfg.ModelGlob)
		return nil
	}

	slots := make([]*worker, p.cfg.PoolSize)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.PoolSize; i++ {
		i := i
		modelPath := models[i%len(models)]
		g.Go(func() error {
			proc, err := p.launcher.Launch(gctx, i, modelPath)
			if err != nil {
				p.log.Error("worker spawn failed", "worker", i, "model", modelPath, "error", err)
				return nil
			}
			slots[i] = p.newWorker(i, modelPath, proc)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	for _, w := range slots {
		if w != nil {
			p.workers = append(p.workers, w)
		}
	}
	started := append([]*worker(nil), p.workers...)
	p.mu.Unlock()
	p.notifyAlive()

	for _, w := range started {
		go p.writeLoop(w)
		go p.readLoop(w)
		go p.waitLoop(w)
	}

	wctx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()
	for _, w := range started {
		select {
		case <-w.readyCh:
		case <-w.exited:
			p.log.Warn("worker exited during startup", "worker", w.index, "model", filepath.Base(w.model))
		case <-wctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("worker not ready within startup timeout", "worker", w.index, "timeout", p.cfg.StartupTimeout)
		}
	}
	p.log.Info("pool started", "workers", len(started), "ready", p.readyCount())
	return nil
}

func (p *Pool) newWorker(index int, modelPath string, proc Process) *worker {
	b := circuit.New(p.cfg.BreakerThreshold, p.cfg.BreakerTimeout)
	b.OnStateChange = func(from, to circuit.State) {
		p.log.Warn("worker breaker transition", "worker", index, "from", from.String(), "to", to.String())
		if p.hooks.OnBreakerChange != nil {
			p.hooks.OnBreakerChange(index, from, to)
		}
	}
	return &worker{
		index:   index,
		model:   modelPath,
		proc:    proc,
		inbox:   make(chan aiworker.Request, p.cfg.InboxSize),
		alive:   true,
		breaker: b,
		readyCh: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// writeLoop is the only writer of a worker's stdin.
func (p *Pool) writeLoop(w *worker) {
	enc := json.NewEncoder(w.proc.Stdin())
	for req := range w.inbox {
		if err := enc.Encode(req); err != nil && req.Kind == aiworker.KindGenerate {
			p.publish(workerEvent{worker: w.index, kind: evSendError, id: req.ID, err: err})
		}
	}
	_ = w.proc.Stdin().Close()
}

// readLoop is the only reader of a worker's stdout.
func (p *Pool) readLoop(w *worker) {
	sc := bufio.NewScanner(w.proc.Stdout())
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var rep aiworker.Reply
		if err := json.Unmarshal(sc.Bytes(), &rep); err != nil {
			p.log.Warn("undecodable worker line", "worker", w.index, "error", err)
			continue
		}
		p.publish(workerEvent{worker: w.index, kind: evReply, reply: rep})
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	p.publish(workerEvent{worker: w.index, kind: evExited, err: err})
}

func (p *Pool) waitLoop(w *worker) {
	err := w.proc.Wait()
	if err != nil {
		p.log.Debug("worker process ended", "worker", w.index, "error", err)
	}
	close(w.exited)
}

func (p *Pool) publish(ev workerEvent) {
	select {
	case p.responses <- ev:
	case <-p.quit:
	}
}

// dispatch is the single consumer of the shared response channel.
func (p *Pool) dispatch() {
	defer close(p.dispDone)
	for {
		select {
		case <-p.quit:
			return
		case ev := <-p.responses:
			p.handle(ev)
		}
	}
}

func (p *Pool) handle(ev workerEvent) {
	p.mu.Lock()
	w := p.workerByIndex(ev.worker)
	if w == nil {
		p.mu.Unlock()
		return
	}

	switch ev.kind {
	case evReply:
		switch ev.reply.Kind {
		case aiworker.KindReady:
			if !w.ready {
				w.ready = true
				close(w.readyCh)
			}
			p.mu.Unlock()
			p.log.Info("worker ready", "worker", w.index, "model", ev.reply.Model)
			return
		case aiworker.KindFatal:
			w.alive = false
			p.mu.Unlock()
			p.log.Error("worker fatal", "worker", w.index, "error", ev.reply.Error)
			p.notifyAlive()
			return
		case aiworker.KindResult:
			pc, ok := p.pending[ev.reply.ID]
			if !ok {
				p.mu.Unlock()
				p.log.Debug("discarding late worker reply", "worker", w.index, "id", ev.reply.ID)
				return
			}
			delete(p.pending, ev.reply.ID)
			if ev.reply.Success {
				w.breaker.RecordSuccess()
				w.served++
			} else {
				w.breaker.RecordFailure()
				w.failed++
			}
			p.mu.Unlock()
			pc.done <- callResult{reply: ev.reply}
			return
		}
		p.mu.Unlock()

	case evSendError:
		pc, ok := p.pending[ev.id]
		if ok {
			delete(p.pending, ev.id)
		}
		w.breaker.RecordFailure()
		w.failed++
		p.mu.Unlock()
		p.log.Warn("worker send failed", "worker", w.index, "error", ev.err)
		if ok {
			pc.done <- callResult{reason: model.FailureSend, err: ev.err}
		}

	case evExited:
		wasAlive := w.alive
		w.alive = false
		var orphans []*pendingCall
		for id, pc := range p.pending {
			if pc.worker == w.index {
				orphans = append(orphans, pc)
				delete(p.pending, id)
			}
		}
		if wasAlive {
			w.breaker.RecordFailure()
		}
		stopped := p.stopped
		p.mu.Unlock()

		if !stopped {
			p.log.Error("worker exited", "worker", w.index, "model", filepath.Base(w.model),
				"error", ev.err, "orphaned", len(orphans))
		}
		for _, pc := range orphans {
			if stopped {
				pc.done <- callResult{reason: model.FailureStopped, err: ErrPoolStopped}
				continue
			}
			pc.done <- callResult{reason: model.FailureCrashed, err: fmt.Errorf("worker %d exited: %v", w.index, ev.err)}
		}
		if wasAlive {
			p.notifyAlive()
		}
	}
}

func (p *Pool) workerByIndex(i int) *worker {
	for _, w := range p.workers {
		if w.index == i {
			return w
		}
	}
	return nil
}

// selectLocked picks the next eligible worker round-robin. Caller holds p.mu.
func (p *Pool) selectLocked() *worker {
	n := len(p.workers)
	for i := 0; i < n; i++ {
		w := p.workers[(p.next+i)%n]
		if !w.alive || !w.ready {
			continue
		}
		if !w.breaker.Allow() {
			continue
		}
		p.next = (p.next + i + 1) % n
		return w
	}
	return nil
}

// Ask submits prompt to the next eligible worker and waits for its reply,
// the deadline in opts, or ctx. Failures are not retried on another worker.
// With no eligible worker it returns the fallback decision immediately.
func (p *Pool) Ask(ctx context.Context, prompt string, opts model.AskOptions) model.AskResult {
	start := time.Now()
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = p.cfg.DefaultTimeout
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return failure(-1, model.FailureStopped, ErrPoolStopped.Error(), time.Since(start))
	}
	w := p.selectLocked()
	if w == nil {
		p.mu.Unlock()
		res := Fallback(time.Since(start))
		p.observe(-1, res.Reason, res.Latency)
		return res
	}

	id := uuid.NewString()
	pc := &pendingCall{worker: w.index, done: make(chan callResult, 1)}
	req := aiworker.Request{
		Kind:        aiworker.KindGenerate,
		ID:          id,
		Prompt:      prompt,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	select {
	case w.inbox <- req:
		p.pending[id] = pc
	default:
		w.breaker.RecordFailure()
		w.failed++
		p.mu.Unlock()
		res := failure(w.index, model.FailureSend, "worker inbox full", time.Since(start))
		p.observe(w.index, res.Reason, res.Latency)
		return res
	}
	p.mu.Unlock()

	log := logger.FromContext(ctx, p.log).With("worker", w.index, "ask_id", id)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var cr callResult
	select {
	case cr = <-pc.done:
	case <-timer.C:
		if p.abandon(id, true) {
			log.Warn("ai request timed out", "deadline", deadline)
			res := failure(w.index, model.FailureTimeout, fmt.Sprintf("timeout after %s", deadline), time.Since(start))
			p.observe(w.index, res.Reason, res.Latency)
			return res
		}
		cr = <-pc.done
	case <-ctx.Done():
		if p.abandon(id, false) {
			res := failure(w.index, model.FailureTimeout, "timeout: "+ctx.Err().Error(), time.Since(start))
			p.observe(w.index, res.Reason, res.Latency)
			return res
		}
		cr = <-pc.done
	}

	latency := time.Since(start)
	if cr.reason != "" {
		msg := cr.reason
		if cr.err != nil {
			msg = cr.err.Error()
		}
		res := failure(w.index, cr.reason, msg, latency)
		p.observe(w.index, res.Reason, latency)
		return res
	}
	if !cr.reply.Success {
		res := failure(w.index, model.FailureWorker, cr.reply.Error, latency)
		p.observe(w.index, res.Reason, latency)
		return res
	}

	res := model.AskResult{
		Success: true,
		Text:    cr.reply.Text,
		Latency: latency,
		Worker:  w.index,
		Source:  model.SourceModel,
	}
	if d, err := decision.Parse(cr.reply.Text); err == nil {
		d.Latency = latency
		d.Worker = w.index
		res.Decision = &d
	} else {
		res.ParseErr = err.Error()
	}
	p.observe(w.index, "", latency)
	return res
}

// abandon drops a pending call. It returns false when the dispatcher already
// claimed it, in which case the result is about to arrive on done.
func (p *Pool) abandon(id string, countFailure bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.pending[id]
	if !ok {
		return false
	}
	delete(p.pending, id)
	if countFailure {
		if w := p.workerByIndex(pc.worker); w != nil {
			w.breaker.RecordFailure()
			w.failed++
		}
	}
	return true
}

// Stop sends shutdown sentinels, waits StopGrace for workers to exit, kills
// stragglers and resolves every pending caller with ErrPoolStopped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		workers := append([]*worker(nil), p.workers...)
		for _, w := range workers {
			select {
			case w.inbox <- aiworker.Shutdown():
			default:
			}
			close(w.inbox)
		}
		p.mu.Unlock()

		grace, cancel := context.WithTimeout(context.Background(), p.cfg.StopGrace)
		defer cancel()
		for _, w := range workers {
			select {
			case <-w.exited:
			case <-grace.Done():
			}
		}
		for _, w := range workers {
			select {
			case <-w.exited:
			default:
				p.log.Warn("killing worker after stop grace", "worker", w.index)
				_ = w.proc.Kill()
			}
		}

		close(p.quit)
		<-p.dispDone

		p.mu.Lock()
		orphans := p.pending
		p.pending = make(map[string]*pendingCall)
		for _, w := range p.workers {
			w.alive = false
		}
		p.mu.Unlock()
		for _, pc := range orphans {
			pc.done <- callResult{reason: model.FailureStopped, err: ErrPoolStopped}
		}
		p.notifyAlive()
		p.log.Info("pool stopped", "orphaned", len(orphans))
	})
}

// Fallback is the deterministic answer used when no worker is selectable:
// HOLD with zero confidence, flagged with Source fallback.
func Fallback(latency time.Duration) model.AskResult {
	d := model.AIDecision{
		Action:     model.ActionHold,
		Confidence: 0,
		Lot:        0.01,
		Reason:     "no inference worker available",
		Latency:    latency,
		Worker:     -1,
		Source:     model.SourceFallback,
	}
	text, _ := decision.Marshal(d)
	return model.AskResult{
		Success:  true,
		Text:     string(text),
		Decision: &d,
		Latency:  latency,
		Worker:   -1,
		Source:   model.SourceFallback,
		Reason:   model.FailureAllOpen,
	}
}

func failure(worker int, reason, msg string, latency time.Duration) model.AskResult {
	return model.AskResult{
		Success: false,
		Latency: latency,
		Worker:  worker,
		Source:  model.SourceModel,
		Reason:  reason,
		Error:   msg,
	}
}

func (p *Pool) observe(worker int, reason string, latency time.Duration) {
	if p.hooks.OnResult != nil {
		p.hooks.OnResult(worker, reason, latency)
	}
}

func (p *Pool) notifyAlive() {
	if p.hooks.OnAliveChange != nil {
		p.hooks.OnAliveChange(p.AliveCount())
	}
}

func (p *Pool) readyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.alive && w.ready {
			n++
		}
	}
	return n
}

// AliveCount returns how many workers are alive and ready.
func (p *Pool) AliveCount() int { return p.readyCount() }

// WorkerStat is a point-in-time view of one worker.
type WorkerStat struct {
	Index   int              `json:"index"`
	Model   string           `json:"model"`
	Alive   bool             `json:"alive"`
	Ready   bool             `json:"ready"`
	Breaker circuit.Snapshot `json:"breaker"`
	Served  int64            `json:"served"`
	Failed  int64            `json:"failed"`
}

// Stats returns per-worker state.
func (p *Pool) Stats() []WorkerStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStat, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, WorkerStat{
			Index:   w.index,
			Model:   filepath.Base(w.model),
			Alive:   w.alive,
			Ready:   w.ready,
			Breaker: w.breaker.Snapshot(),
			Served:  w.served,
			Failed:  w.failed,
		})
	}
	return out
}
