// Package pool implements a bounded connection pool with demand-driven
// autoscaling.
//
// Each execution path owns one Pool. Acquire hands out an idle connection,
// creates one lazily while under the current target size, or queues the
// caller; Release hands the connection straight to the oldest waiter when
// one exists. A background loop samples demand over sliding windows and
// moves the target size within [Min, Max].
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrExhausted is returned by Acquire when no connection became
	// available within the acquire timeout.
	ErrExhausted = errors.New("pool: exhausted")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)

// Conn is a pooled resource.
type Conn interface {
	Close(ctx context.Context) error
}

// healthChecker is optionally implemented by connections that can report
// a cheap local liveness signal. Unhealthy connections are discarded on
// acquire and release instead of being reused.
type healthChecker interface {
	Healthy() bool
}

// Factory creates a new connection.
type Factory func(ctx context.Context) (Conn, error)

// Config controls pool sizing and autoscaling.
type Config struct {
	// Min and Max bound the target size. The pool never holds more than
	// Max open connections and the autoscaler never aims below Min.
	Min int
	Max int

	// AcquireTimeout bounds how long Acquire waits for a connection
	// before returning ErrExhausted.
	AcquireTimeout time.Duration

	// ScaleInterval is how often the autoscaler samples demand.
	ScaleInterval time.Duration

	// ScaleWindows is how many samples the autoscaler considers.
	ScaleWindows int

	// ScaleUpWait is the average acquire wait that counts as pressure.
	// The pool grows only when the full window history averages at least
	// this long.
	ScaleUpWait time.Duration

	// ScaleDownPercent is the utilization (peak in-use over target) below
	// which a full window history triggers scale-down.
	ScaleDownPercent float64
}

func (c Config) withDefaults() Config {
	if c.Min <= 0 {
		c.Min = 1
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 10 * time.Second
	}
	if c.ScaleWindows <= 0 {
		c.ScaleWindows = 6
	}
	if c.ScaleDownPercent <= 0 {
		c.ScaleDownPercent = 0.5
	}
	return c
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Open      int
	InUse     int
	Idle      int
	Target    int
	Waiters   int
	Exhausted uint64

	// AvgWait is the mean acquire wait across the recent demand windows.
	AvgWait time.Duration
}

type waiter struct {
	ch chan Conn // cap 1; nil means "retry", a conn means ownership transfer
}

// window aggregates demand observed between two autoscaler ticks.
type window struct {
	maxInUse int
	sumWait  time.Duration
	waits    int
	waiters  int
}

// Pool is a bounded pool of connections, safe for concurrent use.
type Pool struct {
	name    string
	cfg     Config
	factory Factory
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	idle      []Conn
	total     int // open connections plus in-progress creations
	inUse     int
	target    int
	waiters   []*waiter
	closed    bool
	exhausted uint64

	// current demand window, reset every autoscaler tick
	cur window

	windows []window // ring of past samples
	drainCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a Pool. Connections are created lazily on demand; call Start
// to run the autoscaler.
func New(name string, cfg Config, factory Factory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		name:    name,
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("pool", name),
		now:     time.Now,
		target:  cfg.Min,
		drainCh: make(chan struct{}),
	}
}

// Start launches the autoscaler loop. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.scaleLoop(ctx)
}

// Acquire returns a connection, waiting up to the configured acquire
// timeout when the pool is at its target size. The caller must hand the
// connection back with Release.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	parent := ctx
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	start := p.now()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		// Reuse an idle connection, discarding stale ones.
		for n := len(p.idle); n > 0; n = len(p.idle) {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if hc, ok := c.(healthChecker); ok && !hc.Healthy() {
				p.total--
				go p.closeConn(c)
				continue
			}
			p.checkout(start)
			p.mu.Unlock()
			return c, nil
		}

		// Create lazily while under target.
		if p.total < p.target {
			p.total++
			p.mu.Unlock()
			c, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.wakeOne(nil) // freed capacity: let a waiter retry
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: create connection: %w", err)
			}
			p.mu.Lock()
			p.checkout(start)
			p.mu.Unlock()
			return c, nil
		}

		// At capacity: queue behind releases.
		w := &waiter{ch: make(chan Conn, 1)}
		p.waiters = append(p.waiters, w)
		if n := len(p.waiters); n > p.cur.waiters {
			p.cur.waiters = n
		}
		p.mu.Unlock()

		select {
		case c := <-w.ch:
			if c == nil {
				continue // a connection was discarded; retry with free capacity
			}
			p.noteWait(start)
			return c, nil
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiter(w)
			// A release may have handed a connection over just before we
			// took the lock; the handoff is buffered, so drain it.
			select {
			case c := <-w.ch:
				if c != nil {
					p.mu.Unlock()
					p.noteWait(start)
					return c, nil
				}
				// We consumed a retry signal we can no longer use; pass
				// the freed capacity along.
				p.wakeOne(nil)
				p.mu.Unlock()
			default:
				p.exhausted++
				p.noteWaitLocked(start)
				p.mu.Unlock()
			}
			// Only the acquire timeout maps to exhaustion; the caller's
			// own deadline or cancellation passes through untouched.
			if err := parent.Err(); err != nil {
				return nil, err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrExhausted
			}
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection to the pool. broken marks it unusable; it is
// closed instead of reused and a queued waiter is told to retry so a fresh
// connection gets created on demand.
func (p *Pool) Release(c Conn, broken bool) {
	p.mu.Lock()
	p.inUse--

	if p.closed {
		p.total--
		p.mu.Unlock()
		go p.closeConn(c)
		return
	}

	if hc, ok := c.(healthChecker); broken || (ok && !hc.Healthy()) {
		p.total--
		p.wakeOne(nil)
		p.mu.Unlock()
		go p.closeConn(c)
		return
	}

	// Shed surplus after a scale-down.
	if p.total > p.target {
		p.total--
		p.mu.Unlock()
		go p.closeConn(c)
		return
	}

	// Direct handoff keeps total and inUse steady across the transfer.
	if w := p.popWaiter(); w != nil {
		p.inUse++
		if p.inUse > p.cur.maxInUse {
			p.cur.maxInUse = p.inUse
		}
		w.ch <- c
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Stats returns a snapshot for metrics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	recent := make([]window, 0, len(p.windows)+1)
	recent = append(recent, p.windows...)
	recent = append(recent, p.cur)
	return Stats{
		Open:      p.total,
		InUse:     p.inUse,
		Idle:      len(p.idle),
		Target:    p.target,
		Waiters:   len(p.waiters),
		Exhausted: p.exhausted,
		AvgWait:   avgWaitOver(recent),
	}
}

// Close drains the pool: pending waiters fail, idle connections are closed,
// and in-use connections are closed as they come back. It waits for the
// autoscaler to stop or ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.drainCh)
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, c := range idle {
		p.closeConn(c)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool: close: %w", ctx.Err())
	}
}

func (p *Pool) scaleLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.resize()
		case <-ctx.Done():
			return
		case <-p.drainCh:
			return
		}
	}
}

// resize closes one demand window and adjusts the target at most one step
// in each direction per tick.
func (p *Pool) resize() {
	p.mu.Lock()
	defer p.mu.Unlock()

	sample := p.cur
	if p.inUse > sample.maxInUse {
		sample.maxInUse = p.inUse
	}
	if n := len(p.waiters); n > sample.waiters {
		sample.waiters = n
	}
	p.cur = window{}

	p.windows = append(p.windows, sample)
	if len(p.windows) > p.cfg.ScaleWindows {
		p.windows = p.windows[1:]
	}

	// Growth needs sustained pressure: a full window history whose average
	// acquire wait clears the threshold.
	if len(p.windows) == p.cfg.ScaleWindows {
		if avg := avgWaitOver(p.windows); avg >= p.cfg.ScaleUpWait {
			if p.target < p.cfg.Max {
				p.target++
				p.logger.Debug("pool scaled up",
					"target", p.target,
					"avg_wait", avg,
				)
				p.wakeOne(nil) // new capacity: let a waiter create
			}
			return
		}
	}

	if len(p.windows) < p.cfg.ScaleWindows || p.target <= p.cfg.Min {
		return
	}
	for _, w := range p.windows {
		if w.waiters > 0 || float64(w.maxInUse) >= p.cfg.ScaleDownPercent*float64(p.target) {
			return
		}
	}
	p.target--
	p.logger.Debug("pool scaled down", "target", p.target)
	// Surplus idle connections are closed now; in-use ones are shed on
	// release.
	for p.total > p.target && len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.total--
		go p.closeConn(c)
	}
}

// checkout marks a connection as handed out. Caller must hold p.mu.
func (p *Pool) checkout(start time.Time) {
	p.inUse++
	if p.inUse > p.cur.maxInUse {
		p.cur.maxInUse = p.inUse
	}
	p.noteWaitLocked(start)
}

func (p *Pool) noteWait(start time.Time) {
	p.mu.Lock()
	p.noteWaitLocked(start)
	p.mu.Unlock()
}

func (p *Pool) noteWaitLocked(start time.Time) {
	p.cur.sumWait += p.now().Sub(start)
	p.cur.waits++
}

// avgWaitOver is the mean acquire wait across the sampled windows.
func avgWaitOver(windows []window) time.Duration {
	var sum time.Duration
	var n int
	for _, w := range windows {
		sum += w.sumWait
		n += w.waits
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// popWaiter removes and returns the oldest waiter. Caller must hold p.mu.
func (p *Pool) popWaiter() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	return w
}

// wakeOne tells the oldest waiter to retry. Caller must hold p.mu.
func (p *Pool) wakeOne(c Conn) {
	if w := p.popWaiter(); w != nil {
		w.ch <- c
	}
}

// removeWaiter drops w from the queue if still present. Caller must hold p.mu.
func (p *Pool) removeWaiter(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) closeConn(c Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		p.logger.Warn("failed to close connection", "error", err)
	}
}
