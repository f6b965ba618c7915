package emit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/event"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
)

// TeeEmitter fans a record out to a primary and any number of secondaries.
// Only the primary's error reaches the caller.
type TeeEmitter struct {
	primary     Emitter
	secondaries []Emitter

	// OnSecondaryError is called for every failed secondary emit.
	OnSecondaryError func(err error)

	// secondary failures are logged at most once per interval
	warn *rate.Sometimes
}

func Tee(primary Emitter, secondaries ...Emitter) *TeeEmitter {
	return &TeeEmitter{
		primary:     primary,
		secondaries: secondaries,
		warn:        &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

func (t *TeeEmitter) Emit(ctx context.Context, rec event.Record) error {
	err := t.primary.Emit(ctx, rec)
	for _, s := range t.secondaries {
		serr := s.Emit(ctx, rec)
		if serr == nil {
			continue
		}
		if t.OnSecondaryError != nil {
			t.OnSecondaryError(serr)
		}
		t.warn.Do(func() {
			log.FromContext(ctx).Warn(ctx, "secondary emitter failed", "err", serr.Error())
		})
	}
	return err
}
