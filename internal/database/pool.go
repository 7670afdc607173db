package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrPoolTimeout is returned when no connection could be produced within
	// the configured acquire timeout. Retryable.
	ErrPoolTimeout = errors.New("pool: acquire timed out")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("pool: closed")
)

const (
	defaultPoolSize       = 5
	defaultAcquireTimeout = 30 * time.Second
	defaultHealthInterval = 60 * time.Second
	probeTimeout          = 5 * time.Second
	joinTimeout           = 10 * time.Second
	backoffStart          = 100 * time.Millisecond
	backoffMax            = time.Second
)

// PooledConn is one dedicated connection on loan from the pool. The holder
// owns it exclusively until Release; transaction boundaries are the holder's
// responsibility.
type PooledConn struct {
	conn *sql.Conn
	gen  uint64
}

func (c *PooledConn) Conn() *sql.Conn { return c.conn }

// Pool hands out a bounded set of dedicated connections to one endpoint and
// keeps them alive. A background worker probes the endpoint periodically and
// rebuilds the idle set when the probe fails; connections already handed out
// survive until their holders release them.
type Pool struct {
	name           string
	db             *sql.DB
	size           int
	acquireTimeout time.Duration
	healthInterval time.Duration

	mu      sync.Mutex
	gen     uint64
	created int
	closed  bool
	idle    chan *PooledConn

	stopHealth chan struct{}
	healthDone chan struct{}
}

func NewPool(name string, db *sql.DB, size int, acquireTimeout, healthInterval time.Duration) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	p := &Pool{
		name:           name,
		db:             db,
		size:           size,
		acquireTimeout: acquireTimeout,
		healthInterval: healthInterval,
		idle:           make(chan *PooledConn, size),
		stopHealth:     make(chan struct{}),
		healthDone:     make(chan struct{}),
	}
	go p.healthLoop()
	log.Printf("✅ [POOL %s] created (size=%d, acquire_timeout=%s, health_interval=%s)",
		name, size, acquireTimeout, healthInterval)
	return p
}

// Acquire returns a dedicated connection, retrying with bounded backoff until
// the acquire timeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadline := time.Now().Add(p.acquireTimeout)
	backoff := backoffStart
	var lastErr error

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		gen := p.gen
		p.mu.Unlock()

		// Reuse an idle connection when one is waiting.
		select {
		case pc := <-p.idle:
			if pc.gen != gen {
				p.discard(pc)
				continue
			}
			return pc, nil
		default:
		}

		// Grow up to the bound.
		if pc, grown, err := p.grow(ctx, gen); grown {
			if err == nil {
				return pc, nil
			}
			lastErr = err
			log.Printf("⚠️ [POOL %s] connect failed, backing off %s: %v", p.name, backoff, err)
		} else {
			// Pool is at capacity; wait for a release.
			wait := backoff
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
			select {
			case pc := <-p.idle:
				if pc.gen != gen {
					p.discard(pc)
					continue
				}
				return pc, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %s: %v", ErrPoolTimeout, p.acquireTimeout, lastErr)
			}
			return nil, fmt.Errorf("%w after %s", ErrPoolTimeout, p.acquireTimeout)
		}
		if lastErr != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// grow opens one new connection if the bound allows it. The second return
// value reports whether a slot was available.
func (p *Pool) grow(ctx context.Context, gen uint64) (*PooledConn, bool, error) {
	p.mu.Lock()
	if p.closed || p.gen != gen || p.created >= p.size {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.created++
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	conn, err := p.db.Conn(connCtx)
	cancel()
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, true, err
	}
	return &PooledConn{conn: conn, gen: gen}, true, nil
}

// Release returns a connection to the pool. Connections from a generation that
// has since been rebuilt are closed instead of reused.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	stale := p.closed || pc.gen != p.gen
	p.mu.Unlock()
	if stale {
		p.discard(pc)
		return
	}
	select {
	case p.idle <- pc:
	default:
		p.discard(pc)
	}
}

func (p *Pool) discard(pc *PooledConn) {
	_ = pc.conn.Close()
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}

// rebuild throws away the idle set and bumps the generation so outstanding
// connections are discarded on release. Callers see either the old pool or the
// rebuilt one, never a half-built state.
func (p *Pool) rebuild() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.gen++
	gen := p.gen
	var drained []*PooledConn
	for {
		select {
		case pc := <-p.idle:
			drained = append(drained, pc)
		default:
			p.created -= len(drained)
			p.mu.Unlock()
			for _, pc := range drained {
				_ = pc.conn.Close()
			}
			log.Printf("🔁 [POOL %s] rebuilt (generation %d, %d idle connections dropped)", p.name, gen, len(drained))
			return
		}
	}
}

func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

// checkHealth probes the endpoint with a trivial query through a pooled
// connection and rebuilds on failure.
func (p *Pool) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	pc, err := p.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrPoolClosed):
		case errors.Is(err, ErrPoolTimeout), errors.Is(err, context.DeadlineExceeded):
			// A saturated pool is busy, not broken; rebuilding here would only
			// churn connections their holders are still using.
			log.Printf("⚠️ [POOL %s] health check skipped, no connection free: %v", p.name, err)
		default:
			log.Printf("⚠️ [POOL %s] health check could not acquire a connection: %v", p.name, err)
			p.rebuild()
		}
		return
	}
	var one int
	err = pc.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	p.Release(pc)
	if err != nil {
		log.Printf("⚠️ [POOL %s] health probe failed: %v", p.name, err)
		p.rebuild()
		return
	}
}

// Stats reports the current occupancy, for diagnostics.
func (p *Pool) Stats() (created, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, len(p.idle)
}

// Close stops the health worker (bounded join) and closes every idle
// connection. Outstanding connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopHealth)
	select {
	case <-p.healthDone:
	case <-time.After(joinTimeout):
		log.Printf("⚠️ [POOL %s] health worker did not stop within %s", p.name, joinTimeout)
	}

	for {
		select {
		case pc := <-p.idle:
			_ = pc.conn.Close()
		default:
			log.Printf("🛑 [POOL %s] closed", p.name)
			return
		}
	}
}
