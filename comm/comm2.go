package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections
	onLease int                     // number of connections given out
	timeout time.Duration           // idle time after which pooled connections are freed
	idle    []io.ReadWriteCloser    // connections available for reuse
	sem     chan struct{}           // one token per connection that may exist
	timer   *time.Timer             // reclaim timer, nil when nothing is pending
	maker   CreationFunc
	mu      sync.Mutex
}

// NewPool creates a new pool holding at most maxSize connections.  Connections
// that sit unused in the pool for timeout are closed.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		sem:     make(chan struct{}, maxSize),
		maker:   maker,
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.sem <- struct{}{}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.onLease++
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.maker()
	if err != nil {
		<-p.sem
		return nil, err
	}
	p.mu.Lock()
	p.onLease++
	p.mu.Unlock()
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	p.idle = append(p.idle, rwc)
	p.onLease--
	if p.onLease == 0 {
		p.startReclaim()
	}
	p.mu.Unlock()
	<-p.sem
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	if rwc, ok := rw.(io.Closer); ok {
		rwc.Close()
	}
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	<-p.sem
}

// ReturnWithError returns the connection to the pool if err is nil,
// otherwise destroys it
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection.  Leased connections are unaffected.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.closeIdle()
}

func (p *Pool) closeIdle() {
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}

// startReclaim arms the timer that frees idle connections; p.mu must be held
func (p *Pool) startReclaim() {
	if p.timer != nil {
		p.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.timer != t {
			return
		}
		p.timer = nil
		if p.onLease == 0 {
			p.closeIdle()
		}
	})
	p.timer = t
}

// PoolCache holds one Pool per address, created on first use
type PoolCache struct {
	mu      sync.Mutex
	pools   map[string]*Pool
	maxSize int
	timeout time.Duration
	dial    func(addr string) CreationFunc
}

// NewPoolCache returns a cache whose pools are built with dial(addr)
func NewPoolCache(maxSize int, timeout time.Duration, dial func(addr string) CreationFunc) *PoolCache {
	return &PoolCache{
		pools:   make(map[string]*Pool),
		maxSize: maxSize,
		timeout: timeout,
		dial:    dial,
	}
}

// For returns the pool for addr
func (pc *PoolCache) For(addr string) *Pool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	p, ok := pc.pools[addr]
	if !ok {
		p = NewPool(pc.maxSize, pc.timeout, pc.dial(addr))
		pc.pools[addr] = p
	}
	return p
}

// Close closes the idle connections of every pool in the cache
func (pc *PoolCache) Close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, p := range pc.pools {
		p.Close()
	}
}
