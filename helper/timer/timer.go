package timer

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

func (i *Interval) validate() error {
	if i.Duration <= 0 {
		return fmt.Errorf("timer: non-positive interval %v", i.Duration)
	}
	if i.Jitter < 0 || i.Jitter >= i.Duration {
		return fmt.Errorf("timer: jitter %v must be in [0, %v)", i.Jitter, i.Duration)
	}
	return nil
}

// next returns the interval with a uniformly distributed jitter in [-Jitter, +Jitter).
func (i *Interval) next() time.Duration {
	if i.Jitter == 0 {
		return i.Duration
	}
	return i.Duration + (time.Duration(rand.Int63n(int64(2*i.Jitter))) - i.Jitter)
}

// Runs the provided function periodically with a given interval, measured on clk (the wall clock when nil). Exits
// when a context is cancelled or when f() returns an error.
func RunWithTicker(ctx context.Context, clk clock.Clock, interval *Interval, f func(ctx context.Context) error) error {
	if err := interval.validate(); err != nil {
		return err
	}
	if clk == nil {
		clk = clock.New()
	}

	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	t := clk.Timer(interval.next())
	defer t.Stop()

	log.Debugf("RunWithTicker: running %s with interval %v (jitter %v)", funcName, interval.Duration, interval.Jitter)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("RunWithTicker: context cancelled for %s", funcName)
			return ctx.Err()
		case <-t.C:
			if err := f(ctx); err != nil {
				log.Errorf("RunWithTicker: function %s returned error: %v", funcName, err)
				return err
			}
			t.Reset(interval.next())
		}
	}
}
