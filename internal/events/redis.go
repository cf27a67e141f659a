package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"mt5-bridge/internal/circuit"
	"mt5-bridge/internal/logger"
)

const (
	// Stream trimming: roughly a day of busy trading.
	defaultStreamMaxLen = 50000
	defaultMaxBuffer    = 10000
)

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// NewRedisClient creates a client and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisSink publishes each event on "pub:events:<name>" and appends it to the
// stream "events:<name>". Writes go through a circuit breaker; while Redis is
// unreachable events are buffered locally and replayed when it recovers.
type RedisSink struct {
	client *goredis.Client
	cb     *circuit.Breaker
	maxLen int64
	log    *slog.Logger

	mu       sync.Mutex
	buffer   []Event
	flushing atomic.Bool
	maxBuf   int // drop oldest beyond this

	// Callbacks
	OnBuffer func()          // called when an event is buffered
	OnFlush  func(count int) // called after replaying buffered events
}

// NewRedisSink wraps client. cb may be shared with health reporting.
func NewRedisSink(client *goredis.Client, cb *circuit.Breaker, maxBuffer int, log *slog.Logger) *RedisSink {
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBuffer
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &RedisSink{
		client: client,
		cb:     cb,
		maxLen: defaultStreamMaxLen,
		log:    log.With("component", "redis-sink"),
		buffer: make([]Event, 0, 64),
		maxBuf: maxBuffer,
	}

	// Register flush on circuit close
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to circuit.State) {
		if prev != nil {
			prev(from, to)
		}
		if to == circuit.StateClosed {
			go s.flush()
		}
	}
	return s
}

func (s *RedisSink) Name() string { return "redis" }

// Write implements Sink. Failed writes are buffered, not returned.
func (s *RedisSink) Write(ctx context.Context, ev Event) error {
	err := s.cb.Execute(func() error { return s.publish(ctx, ev) })
	if err == nil {
		// A failure that never tripped the breaker leaves events behind.
		if s.PendingCount() > 0 {
			go s.flush()
		}
		return nil
	}
	if !errors.Is(err, circuit.ErrCircuitOpen) {
		s.log.Warn("redis publish failed, buffering", "event", ev.Name, "error", err)
	}
	s.bufferEvent(ev)
	return nil
}

func (s *RedisSink) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Publish(ctx, "pub:events:"+ev.Name, data)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: "events:" + ev.Name,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSink) bufferEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= s.maxBuf {
		// Buffer full: drop oldest
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, ev)
	if s.OnBuffer != nil {
		s.OnBuffer()
	}
}

// flush replays buffered events in order. Only one replay runs at a time.
func (s *RedisSink) flush() {
	if !s.flushing.CompareAndSwap(false, true) {
		return
	}
	defer s.flushing.Store(false)

	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	toFlush := s.buffer
	s.buffer = make([]Event, 0, 64)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	flushed := 0
	for i, ev := range toFlush {
		if err := s.publish(ctx, ev); err != nil {
			s.log.Warn("replay interrupted", "error", err, "remaining", len(toFlush)-i)
			s.mu.Lock()
			s.buffer = append(toFlush[i:], s.buffer...)
			s.mu.Unlock()
			break
		}
		flushed++
	}
	s.log.Info("flushed buffered events", "count", flushed)
	if s.OnFlush != nil {
		s.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered events waiting to be replayed.
func (s *RedisSink) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Ping checks connectivity for health reporting.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisSink) Close() error { return nil }
