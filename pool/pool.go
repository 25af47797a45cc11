// Package pool provides a bounded pool of reusable backend connections.
//
// Waiters are served in the order they started waiting. The pool mutex only
// guards accounting and is never held while dialing, probing or closing a
// connection.
package pool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrExhausted is returned when no connection became available within the
	// wait timeout.
	ErrExhausted = errors.New("connection pool exhausted")
	// ErrClosed is returned by Acquire once the pool has been closed.
	ErrClosed = errors.New("connection pool closed")
)

// DialFunc opens a new connection.
type DialFunc[C io.Closer] func(ctx context.Context) (C, error)

// ProbeFunc checks that an idle connection is still usable.
type ProbeFunc[C io.Closer] func(C) error

// Options configure a Pool.
type Options struct {
	// MaxSize bounds idle plus leased connections.
	MaxSize int
	// WaitTimeout bounds how long Acquire waits for a free slot.
	WaitTimeout time.Duration
	// IdleTimeout is the inactivity after which an idle connection is closed.
	IdleTimeout time.Duration
	// Freshness skips the probe for connections used more recently than this.
	Freshness time.Duration
	// SweepInterval is the period of the idle sweep. Zero disables it.
	SweepInterval time.Duration
}

// Stats is a snapshot of the pool accounting.
type Stats struct {
	Idle    int
	Leased  int
	MaxSize int
}

type entry[C io.Closer] struct {
	conn       C
	createdAt  time.Time
	lastUsedAt time.Time
}

// Pool is a bounded set of connections of type C.
type Pool[C io.Closer] struct {
	dial  DialFunc[C]
	probe ProbeFunc[C]
	opts  Options
	sem   *semaphore.Weighted

	mu      sync.Mutex
	idle    []*entry[C]
	leased  int
	closed  bool
	drained chan struct{}
	stop    chan struct{}

	nowFunc func() time.Time
}

// New returns a pool that opens connections with dial. probe may be nil, in
// which case idle connections are assumed alive until IdleTimeout.
func New[C io.Closer](dial DialFunc[C], probe ProbeFunc[C], opts Options) *Pool[C] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1
	}

	p := &Pool[C]{
		dial:    dial,
		probe:   probe,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxSize)),
		drained: make(chan struct{}),
		stop:    make(chan struct{}),
	}

	if opts.SweepInterval > 0 && opts.IdleTimeout > 0 {
		go p.sweepLoop()
	}

	return p
}

func (p *Pool[C]) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}

	return time.Now()
}

// Acquire leases a connection, reusing a live idle one when possible.
func (p *Pool[C]) Acquire(ctx context.Context) (*Lease[C], error) {
	return p.acquire(ctx, false)
}

// AcquireFresh leases a newly dialed connection. An idle connection is closed
// if needed to stay within MaxSize.
func (p *Pool[C]) AcquireFresh(ctx context.Context) (*Lease[C], error) {
	return p.acquire(ctx, true)
}

func (p *Pool[C]) acquire(ctx context.Context, fresh bool) (*Lease[C], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	for {
		e, evict, err := p.take(fresh)
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}

		if evict != nil {
			_ = evict.conn.Close()
		}

		if e == nil {
			break
		}

		if p.alive(e) {
			return &Lease[C]{Conn: e.conn, pool: p, entry: e}, nil
		}

		_ = e.conn.Close()
		p.forget()
	}

	conn, err := p.dial(ctx)
	if err != nil {
		p.forget()
		p.sem.Release(1)
		return nil, errors.Wrap(err, "failed dialing connection")
	}

	now := p.now()
	e := &entry[C]{conn: conn, createdAt: now, lastUsedAt: now}

	return &Lease[C]{Conn: conn, pool: p, entry: e}, nil
}

// wait blocks until a slot is free.
func (p *Pool[C]) wait(ctx context.Context) error {
	waitCtx := ctx
	if p.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.opts.WaitTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrExhausted
	}

	return nil
}

// take reserves a lease slot and pops the most recently used idle entry. In
// fresh mode nothing is popped and the oldest idle entry is returned for
// eviction when the pool would otherwise exceed MaxSize.
func (p *Pool[C]) take(fresh bool) (*entry[C], *entry[C], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrClosed
	}

	p.leased++

	if fresh {
		if len(p.idle) > 0 && len(p.idle)+p.leased > p.opts.MaxSize {
			evict := p.idle[0]
			p.idle = p.idle[1:]
			return nil, evict, nil
		}
		return nil, nil, nil
	}

	n := len(p.idle)
	if n == 0 {
		return nil, nil, nil
	}

	e := p.idle[n-1]
	p.idle = p.idle[:n-1]

	return e, nil, nil
}

// forget drops a reserved slot whose connection was closed.
func (p *Pool[C]) forget() {
	p.mu.Lock()
	p.leased--
	p.signalDrainedLocked()
	p.mu.Unlock()
}

func (p *Pool[C]) alive(e *entry[C]) bool {
	idle := p.now().Sub(e.lastUsedAt)

	if p.opts.IdleTimeout > 0 && idle >= p.opts.IdleTimeout {
		return false
	}

	if idle < p.opts.Freshness || p.probe == nil {
		return true
	}

	return p.probe(e.conn) == nil
}

func (p *Pool[C]) put(e *entry[C], healthy bool) {
	p.mu.Lock()
	if healthy && !p.closed {
		e.lastUsedAt = p.now()
		p.idle = append(p.idle, e)
		p.leased--
		p.mu.Unlock()
		p.sem.Release(1)
		return
	}
	p.mu.Unlock()

	_ = e.conn.Close()
	p.forget()
	p.sem.Release(1)
}

func (p *Pool[C]) signalDrainedLocked() {
	if !p.closed || p.leased != 0 {
		return
	}

	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

// Stats returns the current idle and leased counts.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{Idle: len(p.idle), Leased: p.leased, MaxSize: p.opts.MaxSize}
}

func (p *Pool[C]) sweepLoop() {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep closes idle connections unused for longer than IdleTimeout and
// returns how many were closed.
func (p *Pool[C]) Sweep() int {
	if p.opts.IdleTimeout <= 0 {
		return 0
	}

	now := p.now()
	var stale []*entry[C]

	p.mu.Lock()
	keep := p.idle[:0]
	for _, e := range p.idle {
		if now.Sub(e.lastUsedAt) >= p.opts.IdleTimeout {
			stale = append(stale, e)
		} else {
			keep = append(keep, e)
		}
	}
	for i := len(keep); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = keep
	p.mu.Unlock()

	for _, e := range stale {
		_ = e.conn.Close()
	}

	return len(stale)
}

// Close stops new acquires, closes idle connections and waits for leased
// connections to be released until ctx is done. Connections released after
// Close are closed instead of pooled.
func (p *Pool[C]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	p.closed = true
	idle := p.idle
	p.idle = nil
	p.signalDrainedLocked()
	p.mu.Unlock()

	close(p.stop)

	for _, e := range idle {
		_ = e.conn.Close()
	}

	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%d connections still leased", p.Stats().Leased)
	}
}

// Lease is exclusive ownership of a pooled connection.
type Lease[C io.Closer] struct {
	Conn C

	pool  *Pool[C]
	entry *entry[C]
	once  sync.Once
}

// Release returns the connection to the pool when healthy, otherwise it is
// closed. Only the first call has an effect.
func (l *Lease[C]) Release(healthy bool) {
	l.once.Do(func() {
		l.pool.put(l.entry, healthy)
	})
}

// Age returns how long ago the connection was dialed.
func (l *Lease[C]) Age() time.Duration {
	return l.pool.now().Sub(l.entry.createdAt)
}
