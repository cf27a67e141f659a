// Package events publishes pipeline records to out-of-band sinks.
//
// The Bus fans every event out to its sinks through per-sink buffered
// channels. Emit never blocks: if a sink's channel is full the event is
// dropped for that sink only, so a slow sink cannot stall the pipeline.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mt5-bridge/internal/logger"
	"mt5-bridge/internal/model"
)

// ErrBusClosed is returned by Emit after Close.
var ErrBusClosed = errors.New("event bus closed")

// Event is one published record.
type Event struct {
	Name    string          `json:"event"`
	At      time.Time       `json:"ts"`
	TraceID string          `json:"trace_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Sink receives events from the bus, one goroutine per sink.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
	Close() error
}

type subscription struct {
	sink Sink
	ch   chan Event
}

// Bus implements model.EventSink.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	bufSize int
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup

	// OnDrop is called when an event is dropped for a full sink.
	OnDrop func(sink string)
	// OnError is called when a sink fails to write an event.
	OnError func(sink string)
}

var _ model.EventSink = (*Bus)(nil)

// NewBus creates a Bus with the given per-sink buffer size. timeout bounds
// each sink write.
func NewBus(bufSize int, timeout time.Duration, log *slog.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Bus{bufSize: bufSize, timeout: timeout, log: log.With("component", "events")}
}

// Attach starts delivering events to sink.
func (b *Bus) Attach(sink Sink) {
	sub := &subscription{sink: sink, ch: make(chan Event, b.bufSize)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := sub.sink.Write(ctx, ev)
		cancel()
		if err != nil {
			b.log.Warn("sink write failed", "sink", sub.sink.Name(), "event", ev.Name, "error", err)
			if b.OnError != nil {
				b.OnError(sub.sink.Name())
			}
		}
	}
}

// Emit marshals payload and offers it to every sink without blocking.
func (b *Bus) Emit(ctx context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := Event{Name: name, At: time.Now().UTC(), TraceID: logger.TraceID(ctx), Payload: raw}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			if b.OnDrop != nil {
				b.OnDrop(sub.sink.Name())
			} else {
				b.log.Warn("sink channel full, dropping event", "sink", sub.sink.Name(), "event", name)
			}
		}
	}
	return nil
}

// ChannelStat reports (length, capacity) of one sink channel.
type ChannelStat struct {
	Sink string
	Len  int
	Cap  int
}

// ChannelStats returns the saturation of each sink channel.
func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, len(b.subs))
	for i, sub := range b.subs {
		stats[i] = ChannelStat{Sink: sub.sink.Name(), Len: len(sub.ch), Cap: cap(sub.ch)}
	}
	return stats
}

// Close stops accepting events, drains what is queued (bounded by ctx) and
// closes every sink.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	subs := b.subs
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("event drain interrupted", "error", ctx.Err())
	}

	var errs []error
	for _, sub := range subs {
		if err := sub.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
