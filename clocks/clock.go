package clocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	Every(d time.Duration, fn func(*EveryContext), label string) *Ticker
}

type Ticker struct {
	cancel  context.CancelFunc
	trigger func()
}

func (t *Ticker) Stop() {
	t.cancel()
}

// Immediately trigger the configured function, resetting the time before the
// next tick.
func (t *Ticker) Trigger() {
	t.trigger()
}

type EveryContext struct {
	retryIn time.Duration
}

// RetryIn asks for the next call to happen after d rather than waiting for
// the regular interval.
func (tc *EveryContext) RetryIn(d time.Duration) {
	tc.retryIn = d
}

type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

func (c *SystemClock) Every(d time.Duration, fn func(*EveryContext), _label string) *Ticker {
	ticker := time.NewTicker(d)

	// Context used to stop all future fn calls
	ctx, cancel := context.WithCancel(context.Background())

	// Context to get retry signal from caller
	tc := &EveryContext{}

	tick := func() {
		fn(tc)

		// If fn set retryIn
		for tc.retryIn != 0 {
			retryTimer := time.NewTimer(tc.retryIn)

			select {
			case <-retryTimer.C:
				// Reset retryIn for the next call
				tc.retryIn = 0
				fn(tc)

				// If retryIn is still 0, we're exiting so reset the ticker
				if tc.retryIn == 0 {
					ticker.Reset(d)
				}
			case <-ctx.Done():
				return
			}
		}
	}

	go func() {
		for {
			select {
			case <-ticker.C:
				tick()
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Ticker{
		cancel: cancel,
		trigger: func() {
			tick()
			ticker.Reset(d)
		},
	}
}

var _ Clock = (*SystemClock)(nil)

// FrozenClock is a Clock for tests. Time only moves with Advance and Every
// funcs only run when ticked explicitly.
type FrozenClock struct {
	now        time.Time
	everyFuncs map[string]func()
	everyCtxs  map[string]*EveryContext
	mu         *sync.Mutex
}

func NewFrozenClock() *FrozenClock {
	return &FrozenClock{
		now:        time.Unix(0, 0),
		everyFuncs: make(map[string]func()),
		everyCtxs:  make(map[string]*EveryContext),
		mu:         &sync.Mutex{},
	}
}

func (c *FrozenClock) Now() time.Time {
	return c.now
}

func (c *FrozenClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func (c *FrozenClock) Every(d time.Duration, fn func(*EveryContext), label string) *Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := &EveryContext{}
	c.everyCtxs[label] = ctx
	c.everyFuncs[label] = func() {
		// Each tick starts with a clean context, like SystemClock resetting
		// retryIn before re-calling fn.
		ctx.retryIn = 0
		fn(ctx)
	}

	return &Ticker{
		cancel:  func() {},
		trigger: c.everyFuncs[label],
	}
}

// LastRetryIn returns the retry delay the Every func registered under label
// asked for on its most recent tick, or zero when it didn't.
func (c *FrozenClock) LastRetryIn(label string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := c.everyCtxs[label]
	if ctx == nil {
		return 0
	}
	return ctx.retryIn
}

// TickEvery runs the Every func registered under label once.
func (c *FrozenClock) TickEvery(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn := c.everyFuncs[label]
	if fn == nil {
		panic(fmt.Sprintf("FrozenClock has no `every` func registered for label %s", label))
	}
	fn()
}

var _ Clock = (*FrozenClock)(nil)
