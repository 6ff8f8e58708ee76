package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Timer callbacks run synchronously on
// the goroutine calling Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	seq    int
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	clock  *Fake
	at     time.Time
	order  int
	period time.Duration
	fn     func()
	ch     chan time.Time
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, at: f.now.Add(d), fn: fn}
	f.add(t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, at: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.add(t)
	return fakeTicker{t}
}

// Advance moves the clock forward by d, firing every timer whose deadline
// is reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		t := f.next(target)
		if t == nil {
			break
		}
		f.now = t.at
		if t.period > 0 {
			t.at = t.at.Add(t.period)
			f.seq++
			t.order = f.seq
			select {
			case t.ch <- f.now:
			default:
			}
			continue
		}
		f.remove(t)
		fn := t.fn
		f.mu.Unlock()
		fn()
		f.mu.Lock()
	}
	f.now = target
	f.mu.Unlock()
}

// Pending returns the number of scheduled timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *Fake) add(t *fakeTimer) {
	f.seq++
	t.order = f.seq
	f.timers = append(f.timers, t)
}

func (f *Fake) next(target time.Time) *fakeTimer {
	if len(f.timers) == 0 {
		return nil
	}
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].at.Equal(f.timers[j].at) {
			return f.timers[i].order < f.timers[j].order
		}
		return f.timers[i].at.Before(f.timers[j].at)
	})
	if t := f.timers[0]; !t.at.After(target) {
		return t
	}
	return nil
}

func (f *Fake) remove(t *fakeTimer) bool {
	for i, x := range f.timers {
		if x == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.remove(t)
}

type fakeTicker struct{ t *fakeTimer }

func (k fakeTicker) C() <-chan time.Time { return k.t.ch }
func (k fakeTicker) Stop()               { k.t.Stop() }
