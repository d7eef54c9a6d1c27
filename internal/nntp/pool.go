package nntp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed        = errors.New("nntp: pool closed")
	ErrProviderUnhealthy = errors.New("nntp: provider unhealthy")
)

// UsageClass categorizes the workload behind a lease. Admission control
// keeps slots in reserve so interactive streaming never starves behind
// bulk queue processing.
type UsageClass int

const (
	UsageQueue UsageClass = iota
	UsageStreaming
	UsageBufferedStreaming
	UsageHealthCheck
	UsageRepair
	UsageAnalysis
)

func (u UsageClass) String() string {
	switch u {
	case UsageQueue:
		return "queue"
	case UsageStreaming:
		return "streaming"
	case UsageBufferedStreaming:
		return "buffered-streaming"
	case UsageHealthCheck:
		return "health-check"
	case UsageRepair:
		return "repair"
	case UsageAnalysis:
		return "analysis"
	default:
		return "unknown"
	}
}

// reserved reports whether the class may use the streaming-reserved slots.
func (u UsageClass) reserved() bool {
	return u == UsageStreaming || u == UsageBufferedStreaming
}

// ProviderRole orders failover: primaries first, backups last.
type ProviderRole string

const (
	RolePrimary ProviderRole = "primary"
	RoleBackup  ProviderRole = "backup"
)

// Provider is one upstream NNTP endpoint.
type Provider struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	MaxConnections int
	Priority       int
	Role           ProviderRole
}

func (p Provider) ID() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Options tune pool behaviour. Zero values pick the defaults below.
type Options struct {
	// StreamingReserveFraction of MaxConnections is withheld from
	// non-streaming usage classes. Reserved slots = ceil(max * fraction).
	StreamingReserveFraction float64

	// IdleTimeout closes warm connections that have not been leased.
	IdleTimeout time.Duration

	// MaxBytesPerConnection recycles a connection once its total transfer
	// exceeds this, avoiding provider-side staleness on long sessions.
	MaxBytesPerConnection int64

	// ConnectRetries bounds fresh-dial attempts per acquire.
	ConnectRetries int

	// UnhealthyCooldown is how long the provider is rejected after an
	// authentication failure.
	UnhealthyCooldown time.Duration

	// Dial replaces the network dialer in tests.
	Dial DialFunc
}

func (o *Options) withDefaults() {
	if o.StreamingReserveFraction <= 0 {
		o.StreamingReserveFraction = 0.2
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Minute
	}
	if o.MaxBytesPerConnection <= 0 {
		o.MaxBytesPerConnection = 2 << 30
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 2
	}
	if o.UnhealthyCooldown <= 0 {
		o.UnhealthyCooldown = time.Minute
	}
	if o.Dial == nil {
		o.Dial = Dial
	}
}

// pooledConn is an open session plus the bookkeeping the reaper and the
// recycler need.
type pooledConn struct {
	conn     Conn
	lastUsed time.Time
	bytes    int64
}

// Pool is a bounded set of persistent authenticated sessions to a single
// provider. Leases hand out exclusive ownership of one session; permits are
// held only while a lease is outstanding, idle sessions stay warm in a
// channel until the reaper or the byte-count recycler closes them.
type Pool struct {
	provider Provider
	opts     Options
	log      *slog.Logger

	// total admits every class; bulk excludes the streaming reserve.
	// Non-streaming acquires take bulk then total, in that order, so
	// streaming can always win the last reserved slots.
	total *semaphore.Weighted
	bulk  *semaphore.Weighted

	idle chan *pooledConn

	mu             sync.Mutex
	closed         bool
	unhealthyUntil time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates the pool for one provider. Connections are dialed lazily
// on first acquire.
func NewPool(provider Provider, opts Options) *Pool {
	opts.withDefaults()

	maxConn := provider.MaxConnections
	if maxConn <= 0 {
		maxConn = 1
	}
	reserve := int(math.Ceil(float64(maxConn) * opts.StreamingReserveFraction))
	if reserve >= maxConn {
		reserve = maxConn - 1
	}
	if reserve < 0 {
		reserve = 0
	}

	p := &Pool{
		provider: provider,
		opts:     opts,
		log:      slog.Default().With("component", "nntp-pool", "provider", provider.ID()),
		total:    semaphore.NewWeighted(int64(maxConn)),
		bulk:     semaphore.NewWeighted(int64(maxConn - reserve)),
		idle:     make(chan *pooledConn, maxConn),
		done:     make(chan struct{}),
	}

	p.wg.Add(1)
	go p.reaperLoop()

	return p
}

func (p *Pool) Provider() Provider { return p.provider }

// Healthy reports whether the provider is currently accepting leases.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && time.Now().After(p.unhealthyUntil)
}

// Acquire blocks until a slot for the usage class is available or ctx is
// done, then returns a lease over an authenticated connection.
func (p *Pool) Acquire(ctx context.Context, usage UsageClass) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if until := p.unhealthyUntil; time.Now().Before(until) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s until %s", ErrProviderUnhealthy, p.provider.ID(), until.Format(time.RFC3339))
	}
	p.mu.Unlock()

	if !usage.reserved() {
		if err := p.bulk.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("nntp: acquire %s slot: %w", usage, err)
		}
	}
	if err := p.total.Acquire(ctx, 1); err != nil {
		if !usage.reserved() {
			p.bulk.Release(1)
		}
		return nil, fmt.Errorf("nntp: acquire %s slot: %w", usage, err)
	}

	pc, err := p.connection(ctx)
	if err != nil {
		p.releasePermits(usage)
		return nil, err
	}

	return &Lease{pool: p, pc: pc, usage: usage}, nil
}

// connection hands out a warm idle session or dials a fresh one.
func (p *Pool) connection(ctx context.Context) (*pooledConn, error) {
	select {
	case pc := <-p.idle:
		return pc, nil
	default:
	}

	var lastErr error
	for attempt := 0; attempt < p.opts.ConnectRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := p.opts.Dial(ctx, p.provider)
		if err != nil {
			lastErr = err
			continue
		}

		if err := conn.Authenticate(p.provider.Username, p.provider.Password); err != nil {
			_ = conn.Close()
			if errors.Is(err, ErrAuthFailed) {
				p.markUnhealthy()
				return nil, err
			}
			lastErr = err
			continue
		}

		return &pooledConn{conn: conn, lastUsed: time.Now()}, nil
	}

	return nil, fmt.Errorf("nntp: connect to %s: %w", p.provider.ID(), lastErr)
}

func (p *Pool) markUnhealthy() {
	p.mu.Lock()
	p.unhealthyUntil = time.Now().Add(p.opts.UnhealthyCooldown)
	p.mu.Unlock()
	p.log.Warn("Provider marked unhealthy after authentication failure",
		"cooldown", p.opts.UnhealthyCooldown)
}

func (p *Pool) releasePermits(usage UsageClass) {
	p.total.Release(1)
	if !usage.reserved() {
		p.bulk.Release(1)
	}
}

// put returns a session to the idle set, recycling it when it carried too
// many bytes already.
func (p *Pool) put(pc *pooledConn) {
	pc.lastUsed = time.Now()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || pc.bytes >= p.opts.MaxBytesPerConnection {
		_ = pc.conn.Close()
		return
	}

	select {
	case p.idle <- pc:
	default:
		_ = pc.conn.Close()
	}
}

func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	interval := p.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			for n := len(p.idle); n > 0; n-- {
				select {
				case pc := <-p.idle:
					if time.Since(pc.lastUsed) > p.opts.IdleTimeout {
						_ = pc.conn.Close()
					} else {
						select {
						case p.idle <- pc:
						default:
							_ = pc.conn.Close()
						}
					}
				default:
				}
			}
		}
	}
}

// Close tears down all idle sessions and rejects pending and future
// acquires. Outstanding leases close their connections on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for {
		select {
		case pc := <-p.idle:
			_ = pc.conn.Close()
		default:
			return
		}
	}
}

// IdleConnections returns the number of warm sessions ready for reuse.
func (p *Pool) IdleConnections() int { return len(p.idle) }

// Lease is exclusive ownership of one pooled connection. Exactly one of
// Release or Discard must be called on every exit path.
type Lease struct {
	pool  *Pool
	pc    *pooledConn
	usage UsageClass

	mu   sync.Mutex
	done bool
}

// Conn returns the leased session.
func (l *Lease) Conn() Conn { return l.pc.conn }

// TrackBytes accounts transferred payload against the connection recycling
// budget.
func (l *Lease) TrackBytes(n int64) {
	l.pc.bytes += n
}

// Release returns the connection to the pool for reuse.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	l.mu.Unlock()

	l.pool.put(l.pc)
	l.pool.releasePermits(l.usage)
}

// Discard closes the connection instead of reusing it. Use after transport
// or protocol errors that leave the session in an unknown state.
func (l *Lease) Discard() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	l.mu.Unlock()

	_ = l.pc.conn.Close()
	l.pool.releasePermits(l.usage)
}
