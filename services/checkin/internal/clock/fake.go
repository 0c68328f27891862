package clock

import (
	"sync"
	"time"
)

// Fake is a manually driven Clock. Advance moves time forward and fires
// every live ticker whose period has elapsed.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		c:       make(chan time.Time),
		period:  d,
		next:    f.now.Add(d),
		stopped: make(chan struct{}),
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Set moves the clock without firing tickers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock by d. Each due ticker fires once per elapsed period;
// the send blocks until the ticker's owner receives it or the ticker is stopped,
// so when Advance returns every due tick has been taken.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	live := make([]*fakeTicker, 0, len(f.tickers))
	for _, t := range f.tickers {
		if !t.isStopped() {
			live = append(live, t)
		}
	}
	f.tickers = live
	f.mu.Unlock()

	for _, t := range live {
		for !t.next.After(now) {
			fireAt := t.next
			t.next = t.next.Add(t.period)
			if !t.fire(fireAt) {
				break
			}
		}
	}
}

// Tickers reports how many tickers have not been stopped.
func (f *Fake) Tickers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tickers {
		if !t.isStopped() {
			n++
		}
	}
	return n
}

type fakeTicker struct {
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped chan struct{}
	once    sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

func (t *fakeTicker) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

func (t *fakeTicker) fire(at time.Time) bool {
	select {
	case t.c <- at:
		return true
	case <-t.stopped:
		return false
	}
}
