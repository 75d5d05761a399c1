package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/biocars/lauecollect/metrics"
	"github.com/biocars/lauecollect/packet"
)

// FileSystem is the FPGA file system as seen through the file server
type FileSystem interface {
	Put(path string, data []byte) error
	Get(path string) ([]byte, error)
	Del(path string) error
	Exists(path string) (bool, error)
	Dir(path string) ([]string, error)
}

// Compiler produces the packet for a descriptor
type Compiler interface {
	CompileDescriptor(desc string) (packet.Packet, error)
}

// ErrCancelled is returned by an update that was cancelled
var ErrCancelled = errors.New("sequencer: queue update cancelled")

// ErrClosed is returned for requests made after Close
var ErrClosed = errors.New("sequencer: client closed")

// Request installs Sequences (packet descriptors) on Queue.  Default and
// Next, when not empty, name the queue the FPGA falls back to and the queue
// it switches to at the next sequence boundary.
type Request struct {
	Sequences []string
	Queue     string
	Default   string
	Next      string

	done chan error
}

// Client installs queues on the FPGA.  Requests are processed in order by a
// single background worker.
type Client struct {
	FS       FileSystem
	Dir      string
	Cache    Cache
	Compiler Compiler
	Metrics  *metrics.Metrics

	// IdleSequences are the descriptors Update installs on the idle queue
	IdleSequences []string

	cancelled atomic.Bool
	requests  chan *Request
	wg        sync.WaitGroup
	closeOnce sync.Once
	quit      chan struct{}

	// sendMu is held for reading while a request is enqueued
	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	pending int
	idle    *sync.Cond
}

// NewClient creates a client and starts its worker
func NewClient(fs FileSystem, compiler Compiler, cacheDir string) *Client {
	c := &Client{
		FS:       fs,
		Dir:      DefaultDir,
		Cache:    Cache{Dir: cacheDir},
		Compiler: compiler,
		requests: make(chan *Request, 16),
		quit:     make(chan struct{}),
	}
	c.idle = sync.NewCond(&c.mu)
	c.wg.Add(1)
	go c.worker()
	return c
}

// Close stops the worker after the request in progress.  Requests still
// queued, and any made afterwards, fail with ErrClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.sendMu.Lock()
		c.closed = true
		c.sendMu.Unlock()
		c.wg.Wait()
		for {
			select {
			case req := <-c.requests:
				c.finish(req, ErrClosed)
			default:
				return
			}
		}
	})
}

func (c *Client) path(name string) string {
	return join(c.Dir, name)
}

// SetQueueSequences arranges for sequences to execute on queue.  The returned
// channel receives the outcome once the worker has processed the request.
func (c *Client) SetQueueSequences(sequences []string, queue, defaultQueue, nextQueue string) <-chan error {
	req := &Request{
		Sequences: sequences,
		Queue:     queue,
		Default:   defaultQueue,
		Next:      nextQueue,
		done:      make(chan error, 1),
	}
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		c.finish(req, ErrClosed)
		return req.done
	}
	select {
	case <-c.quit:
		c.finish(req, ErrClosed)
		return req.done
	default:
	}
	select {
	case c.requests <- req:
	case <-c.quit:
		c.finish(req, ErrClosed)
	}
	return req.done
}

// Install is SetQueueSequences waiting for the result
func (c *Client) Install(ctx context.Context, sequences []string, queue, defaultQueue, nextQueue string) error {
	select {
	case err := <-c.SetQueueSequences(sequences, queue, defaultQueue, nextQueue):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel makes the update in progress stop at the next packet.  Requests
// queued behind it are not affected.
func (c *Client) Cancel() {
	c.cancelled.Store(true)
}

// Wait blocks until no requests are pending
func (c *Client) Wait() {
	c.mu.Lock()
	for c.pending > 0 {
		c.idle.Wait()
	}
	c.mu.Unlock()
}

// Busy reports whether requests are pending
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

func (c *Client) finish(req *Request, err error) {
	req.done <- err
	c.mu.Lock()
	c.pending--
	if c.pending == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			for {
				select {
				case req := <-c.requests:
					c.finish(req, ErrClosed)
				default:
					return
				}
			}
		case req := <-c.requests:
			c.cancelled.Store(false)
			err := c.process(req)
			if err != nil {
				log.Printf("sequencer: updating %s: %v", req.Queue, err)
			}
			c.finish(req, err)
		}
	}
}

func (c *Client) process(req *Request) error {
	ids, err := c.upload(req.Sequences)
	if err != nil {
		return err
	}
	if err := c.FS.Put(c.path(req.Queue), FormatQueue(ids)); err != nil {
		return err
	}
	if err := c.resetCounters(req.Queue); err != nil {
		return err
	}
	if req.Default != "" {
		if err := c.putName(DefaultQueueName, req.Default); err != nil {
			return err
		}
	}
	if req.Next != "" {
		if err := c.FS.Put(c.path(NextQueueSequenceCount), FormatCount(0)); err != nil {
			return err
		}
		if err := c.putName(NextQueueName, req.Next); err != nil {
			return err
		}
	}
	if req.Queue == AcquisitionQueue {
		c.Metrics.Set(metrics.QueueLength, float64(len(ids)))
	}
	return c.CollectGarbage()
}

// upload makes sure every packet of sequences exists on the FPGA and returns
// their IDs in order
func (c *Client) upload(sequences []string) ([]string, error) {
	ids := make([]string, len(sequences))
	for i, d := range sequences {
		ids[i] = packet.ID(d)
	}
	remote, err := c.remotePackets()
	if err != nil {
		return nil, err
	}
	uploaded := make(map[string]bool)
	for i, d := range sequences {
		id := ids[i]
		if remote[id] || uploaded[id] {
			continue
		}
		if c.cancelled.Load() {
			return nil, ErrCancelled
		}
		data, err := c.packetData(d)
		if err != nil {
			return nil, err
		}
		if err := c.FS.Put(c.path(id), data); err != nil {
			return nil, fmt.Errorf("sequencer: uploading %s: %w", id, err)
		}
		c.Metrics.Inc(metrics.PacketsUploaded)
		uploaded[id] = true
	}
	return ids, nil
}

func (c *Client) packetData(desc string) ([]byte, error) {
	if b, ok := c.Cache.Get(desc); ok {
		c.Metrics.Inc(metrics.CacheHits)
		return b, nil
	}
	if c.Compiler == nil {
		return nil, fmt.Errorf("sequencer: no compiler for %q", desc)
	}
	p, err := c.Compiler.CompileDescriptor(desc)
	if err != nil {
		return nil, err
	}
	if err := c.Cache.Put(desc, p.Data); err != nil {
		log.Printf("sequencer: caching packet %s: %v", p.ID, err)
	}
	return p.Data, nil
}

func (c *Client) remotePackets() (map[string]bool, error) {
	names, err := c.FS.Dir(c.Dir)
	if err != nil {
		// a fresh FPGA has no directory yet
		if exists, xerr := c.FS.Exists(c.Dir); xerr == nil && !exists {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		if IsPacketName(n) {
			out[n] = true
		}
	}
	return out, nil
}

func (c *Client) resetCounters(queue string) error {
	for counter, v := range map[string]int64{SequenceCount: 0, RepeatCount: 0, MaxRepeatCount: 1} {
		if err := c.FS.Put(c.path(CounterFile(queue, counter)), FormatCount(v)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) putName(file, queue string) error {
	return c.FS.Put(c.path(file), []byte(queue+"\n"))
}

// CollectGarbage deletes packets not referenced by any queue
func (c *Client) CollectGarbage() error {
	referenced := make(map[string]bool)
	for _, q := range Queues {
		ids, err := c.QueueIDs(q)
		if err != nil {
			return err
		}
		for _, id := range ids {
			referenced[id] = true
		}
	}
	remote, err := c.remotePackets()
	if err != nil {
		return err
	}
	for id := range remote {
		if referenced[id] {
			continue
		}
		if err := c.FS.Del(c.path(id)); err != nil {
			return err
		}
		c.Metrics.Inc(metrics.PacketsDeleted)
	}
	return nil
}

// QueueIDs returns the packet IDs listed in queue
func (c *Client) QueueIDs(queue string) ([]string, error) {
	b, err := c.getOptional(queue)
	if err != nil {
		return nil, err
	}
	return ParseQueue(b), nil
}

// getOptional reads a file that may legitimately be missing
func (c *Client) getOptional(name string) ([]byte, error) {
	p := c.path(name)
	b, err := c.FS.Get(p)
	if err == nil {
		return b, nil
	}
	if exists, xerr := c.FS.Exists(p); xerr == nil && !exists {
		return nil, nil
	}
	return nil, err
}

func (c *Client) name(file string) (string, error) {
	b, err := c.getOptional(file)
	return strings.TrimSpace(string(b)), err
}

func (c *Client) count(file string) (int64, error) {
	b, err := c.getOptional(file)
	if err != nil {
		return 0, err
	}
	return ParseCount(b)
}

// CurrentQueue returns the name of the queue the FPGA is executing
func (c *Client) CurrentQueue() (string, error) {
	return c.name(CurrentQueueName)
}

// DefaultQueue returns the queue the FPGA falls back to
func (c *Client) DefaultQueue() (string, error) {
	return c.name(DefaultQueueName)
}

// QueueActive reports whether the acquisition queue is executing
func (c *Client) QueueActive() (bool, error) {
	q, err := c.CurrentQueue()
	return q == AcquisitionQueue, err
}

// Running reports whether the FPGA is executing a sequence with interrupts
// and the sequencer enabled
func (c *Client) Running() (bool, error) {
	n, err := c.count(CurrentSequenceLength)
	if err != nil {
		return false, err
	}
	ie, err := c.count(InterruptEnabled)
	if err != nil {
		return false, err
	}
	se, err := c.count(SequencerEnabled)
	if err != nil {
		return false, err
	}
	return n > 0 && ie == 1 && se == 1, nil
}

// Counters holds the three counters of one queue
type Counters struct {
	Sequence, Repeat, MaxRepeat int64
}

// QueueCounters reads the counters of queue
func (c *Client) QueueCounters(queue string) (Counters, error) {
	var ct Counters
	var err error
	if ct.Sequence, err = c.count(CounterFile(queue, SequenceCount)); err != nil {
		return ct, err
	}
	if ct.Repeat, err = c.count(CounterFile(queue, RepeatCount)); err != nil {
		return ct, err
	}
	ct.MaxRepeat, err = c.count(CounterFile(queue, MaxRepeatCount))
	return ct, err
}

// ReportedValue returns the value the FPGA last reported for a register
func (c *Client) ReportedValue(name string) (int64, error) {
	return c.count(name)
}

// QueueReady reports whether every packet listed in queue is present on the
// FPGA.  A queue that is not ready makes the FPGA fall back to the default.
func (c *Client) QueueReady(queue string) (bool, error) {
	ids, err := c.QueueIDs(queue)
	if err != nil {
		return false, err
	}
	remote, err := c.remotePackets()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if !remote[id] {
			return false, nil
		}
	}
	return true, nil
}

// SetEnabled turns interrupts and the sequencer on or off
func (c *Client) SetEnabled(on bool) error {
	v := int64(0)
	if on {
		v = 1
	}
	if err := c.FS.Put(c.path(InterruptEnabled), FormatCount(v)); err != nil {
		return err
	}
	return c.FS.Put(c.path(SequencerEnabled), FormatCount(v))
}

// IdleQueue returns the idle queue that is not executing
func (c *Client) IdleQueue() (string, error) {
	cur, err := c.CurrentQueue()
	if err != nil {
		return "", err
	}
	if cur == IdleQueue1 {
		return IdleQueue2, nil
	}
	return IdleQueue1, nil
}

// Update installs the idle sequences on the idle queue that is not
// executing, makes it the default and enables the sequencer
func (c *Client) Update(ctx context.Context) error {
	q, err := c.IdleQueue()
	if err != nil {
		return err
	}
	if err := c.Install(ctx, c.IdleSequences, q, q, q); err != nil {
		return err
	}
	return c.SetEnabled(true)
}

// SetNextQueue makes the FPGA switch to queue, from its first sequence, at
// the next sequence boundary
func (c *Client) SetNextQueue(queue string) error {
	if err := c.FS.Put(c.path(NextQueueSequenceCount), FormatCount(0)); err != nil {
		return err
	}
	return c.putName(NextQueueName, queue)
}

// StopAcquisition asks the FPGA to return to the default queue at the next
// sequence boundary
func (c *Client) StopAcquisition() error {
	def, err := c.DefaultQueue()
	if err != nil {
		return err
	}
	if def == "" {
		def = IdleQueue1
	}
	return c.SetNextQueue(def)
}
