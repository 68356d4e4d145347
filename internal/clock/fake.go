package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Tickers deliver on a
// one-slot channel and drop ticks the consumer has not read, like
// time.Ticker.
type FakeClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	tickers []*fakeTicker
}

func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{
		clock:    c,
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     c.current.Add(d),
	}
	c.tickers = append(c.tickers, t)
	c.cond.Broadcast()
	return t
}

// Advance moves time forward by d, firing every ticker deadline passed on
// the way in chronological order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.current.Add(d)
	for {
		due := c.nextDue(target)
		if due == nil {
			break
		}
		c.current = due.next
		select {
		case due.ch <- c.current:
		default:
		}
		due.next = due.next.Add(due.interval)
	}
	c.current = target
}

func (c *FakeClock) nextDue(target time.Time) *fakeTicker {
	live := c.tickers[:0]
	for _, t := range c.tickers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.tickers = live
	sort.SliceStable(live, func(i, j int) bool { return live[i].next.Before(live[j].next) })
	if len(live) == 0 || live[0].next.After(target) {
		return nil
	}
	return live[0]
}

// WaitForTickers blocks until at least n tickers are running.
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.running() < n {
		c.cond.Wait()
	}
}

// Tickers reports how many tickers are running.
func (c *FakeClock) Tickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running()
}

func (c *FakeClock) running() int {
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type fakeTicker struct {
	clock    *FakeClock
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
	t.clock.cond.Broadcast()
}
