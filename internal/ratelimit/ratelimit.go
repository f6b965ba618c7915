package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	DefaultWindow = time.Minute
	DefaultLimit  = 60
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Count includes this request; rejected requests still count.
	Count   int
	Limit   int
	ResetAt time.Time
	// Err is set when the store could not record the hit. The request is
	// refused in that case.
	Err error
}

// RetryAfter is the time left until the window resets, rounded up to whole
// seconds and never below one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	secs := math.Ceil(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Limiter admits at most limit hits per key per window.
type Limiter struct {
	store      Store
	window     time.Duration
	limit      int
	now        func() time.Time
	sweepEvery time.Duration

	// OnFirstDenied is called once per key per window, on the first rejected
	// hit. Used for logging.
	OnFirstDenied func(key string)

	// OnDenied is called on every rejected hit, used for counters.
	OnDenied func(key string)

	// OnCapacity is called when the store is full: either a live window was
	// evicted to admit key, or the store refused it.
	OnCapacity func(key string)

	// OnSweep is called after each background sweep.
	OnSweep func(removed, remaining int)
}

type Option func(*Limiter)

// WithStore replaces the default MemoryStore.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithWindow sets the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithLimit sets the number of admitted hits per window.
func WithLimit(n int) Option {
	return func(l *Limiter) { l.limit = n }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets how often expired windows are evicted in the
// background, defaulting to the window length. Zero disables the sweeper;
// lazy eviction on access and at capacity still applies.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepEvery = d }
}

func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

func WithOnCapacity(fn func(key string)) Option {
	return func(l *Limiter) { l.OnCapacity = fn }
}

func WithOnSweep(fn func(removed, remaining int)) Option {
	return func(l *Limiter) { l.OnSweep = fn }
}

// New creates a Limiter and starts the background sweeper, which stops when
// ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		window:     DefaultWindow,
		limit:      DefaultLimit,
		now:        time.Now,
		sweepEvery: -1,
	}
	for _, o := range opts {
		o(l)
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	if l.limit <= 0 {
		l.limit = DefaultLimit
	}
	if l.store == nil {
		l.store = NewMemoryStore(DefaultMaxKeys)
	}
	if l.sweepEvery < 0 {
		l.sweepEvery = l.window
	}
	if l.sweepEvery > 0 {
		go l.sweep(ctx)
	}
	return l
}

// Allow records a hit for key and reports whether it is admitted.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	w, err := l.store.Hit(key, now, l.window)
	if err != nil {
		if errors.Is(err, ErrCapacity) && l.OnCapacity != nil {
			l.OnCapacity(key)
		}
		return Decision{Limit: l.limit, ResetAt: now.Add(l.window), Err: err}
	}

	d := Decision{
		Allowed: w.Count <= l.limit,
		Count:   w.Count,
		Limit:   l.limit,
		ResetAt: w.ResetAt,
	}
	if w.Evicted && l.OnCapacity != nil {
		l.OnCapacity(key)
	}
	if d.Allowed {
		return d
	}
	if w.Count == l.limit+1 && l.OnFirstDenied != nil {
		l.OnFirstDenied(key)
	}
	if l.OnDenied != nil {
		l.OnDenied(key)
	}
	return d
}

// Now returns the limiter's clock reading.
func (l *Limiter) Now() time.Time { return l.now() }

// Keys reports how many windows are currently held.
func (l *Limiter) Keys() int { return l.store.Len() }

func (l *Limiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.store.Sweep(l.now())
			if l.OnSweep != nil {
				l.OnSweep(removed, l.store.Len())
			}
		}
	}
}
