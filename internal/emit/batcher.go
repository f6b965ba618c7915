package emit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

var (
	// ErrBufferFull is returned by Batcher.Emit when the record was dropped.
	ErrBufferFull = errors.New("emit: batch buffer full")
	// ErrClosed is returned by Batcher.Emit after Close.
	ErrClosed = errors.New("emit: batcher closed")
)

// BatchWriter persists a batch. The slice is reused after WriteBatch returns,
// implementations must not retain it.
type BatchWriter interface {
	Name() string
	WriteBatch(ctx context.Context, recs []event.Record) error
}

type BatcherOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	// per-flush deadline
	FlushTimeout time.Duration

	// OnFlush is called after every WriteBatch attempt.
	OnFlush func(sink string, records int, took time.Duration, err error)
	// OnDrop is called for every record dropped on a full buffer.
	OnDrop func(sink string)
}

func (o *BatcherOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 10_000
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
}

// Batcher buffers records in memory and writes them to a BatchWriter from a
// single background goroutine. Emit never blocks; a full buffer drops.
type Batcher struct {
	w      BatchWriter
	opts   BatcherOptions
	logger log.Logger

	buffer  chan event.Record
	done    chan struct{}
	flushed chan struct{}
	// mu orders sends against Close: a send that completed before Close
	// took the lock is seen by the drain
	mu     sync.RWMutex
	closed bool

	dropWarn *rate.Sometimes
}

// NewBatcher starts the flush loop.
func NewBatcher(w BatchWriter, opts BatcherOptions, logger log.Logger) *Batcher {
	opts.defaults()
	if logger == nil {
		logger = log.Nop()
	}
	b := &Batcher{
		w:        w,
		opts:     opts,
		logger:   logger.With("sink", w.Name()),
		buffer:   make(chan event.Record, opts.BufferSize),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
		dropWarn: &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	go b.flushLoop()
	return b
}

func (b *Batcher) Emit(ctx context.Context, rec event.Record) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	select {
	case b.buffer <- rec:
		b.mu.RUnlock()
		return nil
	default:
	}
	b.mu.RUnlock()
	if b.opts.OnDrop != nil {
		b.opts.OnDrop(b.w.Name())
	}
	b.dropWarn.Do(func() {
		b.logger.Warn(ctx, "sink buffer full, dropping records", "buffer_size", b.opts.BufferSize)
	})
	return ErrBufferFull
}

// Close stops accepting records, flushes what is buffered and waits for the
// loop to exit or ctx to end. Safe to call more than once.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
	select {
	case <-b.flushed:
		return nil
	case <-ctx.Done():
		return xerrors.Wrapf(ctx.Err(), "drain %s sink", b.w.Name())
	}
}

func (b *Batcher) flushLoop() {
	defer close(b.flushed)

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]event.Record, 0, b.opts.BatchSize)
	for {
		select {
		case rec := <-b.buffer:
			batch = append(batch, rec)
			if len(batch) >= b.opts.BatchSize {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-b.done:
		drain:
			for {
				select {
				case rec := <-b.buffer:
					batch = append(batch, rec)
					if len(batch) >= b.opts.BatchSize {
						b.flush(batch)
						batch = batch[:0]
					}
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				b.flush(batch)
			}
			return
		}
	}
}

func (b *Batcher) flush(batch []event.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := b.w.WriteBatch(ctx, batch)
	took := time.Since(start)
	if b.opts.OnFlush != nil {
		b.opts.OnFlush(b.w.Name(), len(batch), took, err)
	}
	if err != nil {
		b.logger.Error(ctx, err, "sink batch write failed", "records", len(batch))
		return
	}
	b.logger.Debug(ctx, "sink batch written", "records", len(batch), "took", took)
}
