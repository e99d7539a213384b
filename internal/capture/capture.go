// Package capture feeds events from a native instrumentation backend into a
// project stream.
package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/ospy/ospy/internal/protocol"
)

// DefaultWindow is how long events are buffered before a batch is flushed.
const DefaultWindow = 50 * time.Millisecond

// ErrClosed indicates the batcher no longer accepts events.
var ErrClosed = errors.New("batcher closed")

// Device is an instrumentable device.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Process is a process running on a device.
type Process struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// Event is one raw event emitted by an attached process.
type Event struct {
	Name string
	Data []byte
}

// Instrumentation is the native backend events are captured from.
type Instrumentation interface {
	EnumerateDevices(ctx context.Context) ([]Device, error)
	EnumerateProcesses(ctx context.Context, deviceID string) ([]Process, error)
	// Attach starts capturing pid. The channel is closed when the process
	// detaches.
	Attach(ctx context.Context, deviceID string, pid int) (<-chan Event, error)
	Detach(ctx context.Context, deviceID string, pid int) error
}

// Sink receives flushed batches. *client.Stream satisfies it.
type Sink interface {
	Add(items []protocol.NewItem) error
}

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	Window time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

// Batcher coalesces events arriving within one window into a single +add.
type Batcher struct {
	sink   Sink
	window time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	items  []protocol.NewItem
	timer  clock.Timer
	closed bool
}

// NewBatcher creates a Batcher flushing into sink.
func NewBatcher(sink Sink, opts BatcherOptions) *Batcher {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Batcher{sink: sink, window: window, clock: clk, logger: logger}
}

// Push buffers e. The first event of a batch starts the flush window.
func (b *Batcher) Push(e Event) error {
	item := protocol.NewItem{Event: e.Name, Payload: encodePayload(e.Data)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.items = append(b.items, item)
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, func() {
			if err := b.Flush(); err != nil {
				b.logger.Warn("failed to deliver capture batch", "error", err)
			}
		})
	}
	return nil
}

// Flush delivers the buffered events now.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	items := b.items
	b.items = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	if err := b.sink.Add(items); err != nil {
		return fmt.Errorf("adding %d items: %w", len(items), err)
	}
	return nil
}

// Close flushes the remaining events and rejects further ones.
func (b *Batcher) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Flush()
}

// Pipe drains events into b until the channel closes or ctx is done, then
// flushes.
func Pipe(ctx context.Context, events <-chan Event, b *Batcher) error {
	for {
		select {
		case <-ctx.Done():
			if err := b.Flush(); err != nil {
				return err
			}
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return b.Flush()
			}
			if err := b.Push(e); err != nil {
				return err
			}
		}
	}
}

// Capture attaches to pid on deviceID and feeds its events into sink until
// the process detaches or ctx is done.
func Capture(ctx context.Context, inst Instrumentation, deviceID string, pid int, sink Sink, opts BatcherOptions) error {
	events, err := inst.Attach(ctx, deviceID, pid)
	if err != nil {
		return fmt.Errorf("attaching to %s/%d: %w", deviceID, pid, err)
	}

	b := NewBatcher(sink, opts)
	pipeErr := Pipe(ctx, events, b)
	closeErr := b.Close()

	if err := inst.Detach(context.WithoutCancel(ctx), deviceID, pid); err != nil {
		b.logger.Debug("detach failed", "device_id", deviceID, "pid", pid, "error", err)
	}
	return errors.Join(pipeErr, closeErr)
}

// encodePayload renders binary event data as a base64 JSON string, or null
// when empty.
func encodePayload(data []byte) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(data))
	return encoded
}
