package aipool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5-bridge/internal/aiworker"
	"mt5-bridge/internal/circuit"
	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/model"
)

const buyJSON = `{"action":"BUY","confidence":0.75,"lot":0.01,"stop_loss":1.085,"take_profit":1.09,"reason":"trend"}`

// fakeEngine answers by prompt keyword: "slow" sleeps, "fail" errors,
// "block" waits for release, "garbage" returns prose.
type fakeEngine struct {
	release chan struct{}
}

func (e *fakeEngine) Load(string) error { return nil }
func (e *fakeEngine) Close() error      { return nil }
func (e *fakeEngine) Generate(ctx context.Context, prompt string, _ int, _ float64) (string, error) {
	switch {
	case strings.Contains(prompt, "slow"):
		time.Sleep(300 * time.Millisecond)
	case strings.Contains(prompt, "fail"):
		return "", errors.New("engine failure")
	case strings.Contains(prompt, "block"):
		<-e.release
	case strings.Contains(prompt, "garbage"):
		return "I would buy", nil
	}
	return buyJSON, nil
}

type recordingLauncher struct {
	inner PipeLauncher
	mu    sync.Mutex
	procs map[int]Process
}

func newRecordingLauncher(release chan struct{}) *recordingLauncher {
	return &recordingLauncher{
		inner: PipeLauncher{NewEngine: func(int, string) aiworker.Engine {
			return &fakeEngine{release: release}
		}},
		procs: make(map[int]Process),
	}
}

func (l *recordingLauncher) Launch(ctx context.Context, index int, modelPath string) (Process, error) {
	p, err := l.inner.Launch(ctx, index, modelPath)
	if err == nil {
		l.mu.Lock()
		l.procs[index] = p
		l.mu.Unlock()
	}
	return p, err
}

func (l *recordingLauncher) proc(i int) Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func startPool(t *testing.T, size int, cfg Config) (*Pool, *recordingLauncher, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	launcher := newRecordingLauncher(release)
	cfg.PoolSize = size
	if cfg.Models == nil {
		cfg.Models = []string{"model-a.gguf"}
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 100 * time.Millisecond
	}
	p := New(cfg, launcher, Hooks{}, logger.Discard())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		p.Stop()
	})
	return p, launcher, release
}

func ask(p *Pool, prompt string, deadline time.Duration) model.AskResult {
	return p.Ask(context.Background(), prompt, model.AskOptions{Deadline: deadline, MaxTokens: 64, Temperature: 0.2})
}

func TestPool_AskHappyPath(t *testing.T) {
	p, _, _ := startPool(t, 2, Config{})
	require.Equal(t, 2, p.AliveCount())

	res := ask(p, "analyse EURUSD", time.Second)
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Decision)
	assert.Equal(t, model.ActionBuy, res.Decision.Action)
	assert.Equal(t, model.SourceModel, res.Source)
	assert.True(t, res.Decision.Parsed)
	assert.Equal(t, res.Worker, res.Decision.Worker)
	assert.Greater(t, res.Latency, time.Duration(0))
}

func TestPool_RoundRobin(t *testing.T) {
	p, _, _ := startPool(t, 2, Config{})

	var got []int
	for i := 0; i < 4; i++ {
		res := ask(p, "x", time.Second)
		require.True(t, res.Success)
		got = append(got, res.Worker)
	}
	assert.Equal(t, []int{0, 1, 0, 1}, got)
}

func TestPool_TimeoutCountsBreakerFailure(t *testing.T) {
	p, _, _ := startPool(t, 1, Config{BreakerThreshold: 5})

	res := ask(p, "slow", 50*time.Millisecond)
	assert.False(t, res.Success)
	assert.Equal(t, model.FailureTimeout, res.Reason)
	assert.Contains(t, res.Error, "timeout")
	assert.Equal(t, 1, p.Stats()[0].Breaker.Failures)

	// The late reply is discarded and does not touch the breaker.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, p.Stats()[0].Breaker.Failures)

	res = ask(p, "quick", time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, 0, p.Stats()[0].Breaker.Failures)
}

func TestPool_OpenBreakerExcludesWorker(t *testing.T) {
	p, _, _ := startPool(t, 1, Config{BreakerThreshold: 2, BreakerTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		res := ask(p, "fail", time.Second)
		assert.False(t, res.Success)
		assert.Equal(t, model.FailureWorker, res.Reason)
	}
	assert.Equal(t, circuit.StateOpen, p.Stats()[0].Breaker.State)

	res := ask(p, "would succeed", time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, model.SourceFallback, res.Source)
	assert.Equal(t, model.FailureAllOpen, res.Reason)
	require.NotNil(t, res.Decision)
	assert.Equal(t, model.ActionHold, res.Decision.Action)
	assert.Equal(t, -1, res.Worker)
}

func TestPool_BreakerHalfOpenRecovers(t *testing.T) {
	p, _, _ := startPool(t, 1, Config{BreakerThreshold: 1, BreakerTimeout: 50 * time.Millisecond})

	assert.False(t, ask(p, "fail", time.Second).Success)
	assert.Equal(t, model.SourceFallback, ask(p, "x", time.Second).Source)

	time.Sleep(60 * time.Millisecond)
	res := ask(p, "x", time.Second)
	assert.Equal(t, model.SourceModel, res.Source)
	assert.True(t, res.Success)
	assert.Equal(t, circuit.StateClosed, p.Stats()[0].Breaker.State)
}

func TestPool_WorkerCrashFailsPendingAndIsSkipped(t *testing.T) {
	p, launcher, _ := startPool(t, 2, Config{})

	done := make(chan model.AskResult, 1)
	go func() { done <- ask(p, "block", 5*time.Second) }()

	// Wait until the request is in flight on worker 0.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.pending) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, launcher.proc(0).Kill())

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, model.FailureCrashed, res.Reason)
		assert.Equal(t, 0, res.Worker)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not resolved after crash")
	}

	require.Eventually(t, func() bool { return p.AliveCount() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		res := ask(p, "x", time.Second)
		require.True(t, res.Success)
		assert.Equal(t, 1, res.Worker)
	}
}

func TestPool_UnparseableReply(t *testing.T) {
	p, _, _ := startPool(t, 1, Config{})

	res := ask(p, "garbage", time.Second)
	assert.True(t, res.Success)
	assert.Nil(t, res.Decision)
	assert.NotEmpty(t, res.ParseErr)
	assert.Equal(t, "I would buy", res.Text)
}

func TestPool_NoModelsAnswersFallback(t *testing.T) {
	p := New(Config{ModelPaths: []string{filepath.Join(t.TempDir(), "missing")}}, newRecordingLauncher(nil), Hooks{}, logger.Discard())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	res := ask(p, "x", time.Second)
	assert.Equal(t, model.SourceFallback, res.Source)
	assert.Equal(t, model.FailureAllOpen, res.Reason)
}

func TestPool_StopResolvesPendingCallers(t *testing.T) {
	p, _, _ := startPool(t, 1, Config{StopGrace: 50 * time.Millisecond})

	done := make(chan model.AskResult, 1)
	go func() { done <- ask(p, "block", 5*time.Second) }()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.pending) == 1
	}, time.Second, 5*time.Millisecond)

	p.Stop()

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, model.FailureStopped, res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("pending caller not resolved by Stop")
	}

	res := ask(p, "x", time.Second)
	assert.Equal(t, model.FailureStopped, res.Reason)
}

func TestPool_HooksObserveResults(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	release := make(chan struct{})
	defer close(release)
	p := New(Config{Models: []string{"m"}, PoolSize: 1, StopGrace: 50 * time.Millisecond}, newRecordingLauncher(release), Hooks{
		OnResult: func(_ int, reason string, _ time.Duration) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	}, logger.Discard())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	ask(p, "ok", time.Second)
	ask(p, "fail", time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", model.FailureWorker}, reasons)
}

func TestDiscoverModels(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.gguf", "a.gguf", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	explicit := filepath.Join(t.TempDir(), "custom.bin")
	require.NoError(t, os.WriteFile(explicit, []byte("x"), 0o644))

	got, err := DiscoverModels([]string{dir, explicit, filepath.Join(dir, "missing")}, "*.gguf")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a.gguf", filepath.Base(got[0]))
	assert.Equal(t, "b.gguf", filepath.Base(got[1]))
	assert.Equal(t, explicit, got[2])
}
