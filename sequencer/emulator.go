package sequencer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math/bits"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/biocars/lauecollect/packet"
	"github.com/biocars/lauecollect/util"
	"golang.org/x/time/rate"
)

// Emulator plays packets from a sequencer directory one interrupt at a time,
// the way the FPGA does.  It keeps the queue counters and switches queues
// only at sequence boundaries.
type Emulator struct {
	// Dir is the local sequencer directory
	Dir string

	mu        sync.Mutex
	registers map[uint32]uint32
	prog      *packet.Program
	k         int // next interrupt of prog
	ticks     int64
}

// NewEmulator returns an emulator over dir
func NewEmulator(dir string) *Emulator {
	return &Emulator{Dir: dir, registers: make(map[uint32]uint32)}
}

func (e *Emulator) path(name string) string {
	return filepath.Join(e.Dir, name)
}

func (e *Emulator) read(name string) []byte {
	b, err := os.ReadFile(e.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("sequencer emulator: %v", err)
	}
	return b
}

func (e *Emulator) readName(name string) string {
	return strings.TrimSpace(string(e.read(name)))
}

func (e *Emulator) readCount(name string) int64 {
	n, err := ParseCount(e.read(name))
	if err != nil {
		log.Printf("sequencer emulator: %s: %v", name, err)
	}
	return n
}

func (e *Emulator) write(name string, b []byte) {
	if err := util.WriteFileAtomic(e.path(name), b); err != nil {
		log.Printf("sequencer emulator: %v", err)
	}
}

func (e *Emulator) writeCount(name string, n int64) {
	e.write(name, FormatCount(n))
}

// Ticks returns the number of interrupts executed
func (e *Emulator) Ticks() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}

// Register returns the raw content of a register address
func (e *Emulator) Register(addr uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registers[addr]
}

// Tick executes one interrupt
func (e *Emulator) Tick() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readCount(InterruptEnabled) != 1 || e.readCount(SequencerEnabled) != 1 {
		return nil
	}
	if e.prog == nil {
		if err := e.load(); err != nil {
			return err
		}
		if e.prog == nil {
			return nil
		}
	}
	e.ticks++
	for _, r := range e.prog.Interrupts[e.k] {
		e.execute(r)
	}
	e.k++
	if e.k >= len(e.prog.Interrupts) {
		e.boundary()
	}
	return nil
}

// load starts the next sequence, switching queues if requested
func (e *Emulator) load() error {
	if next := e.readName(NextQueueName); next != "" {
		e.write(CurrentQueueName, []byte(next+"\n"))
		e.writeCount(CounterFile(next, SequenceCount), e.readCount(NextQueueSequenceCount))
		e.write(NextQueueName, nil)
	}
	q := e.readName(CurrentQueueName)
	def := e.readName(DefaultQueueName)
	if q == "" {
		if def == "" {
			return nil
		}
		q = def
		e.write(CurrentQueueName, []byte(q+"\n"))
	}
	ids := ParseQueue(e.read(q))
	if len(ids) == 0 {
		e.fallBack(q, def, "empty")
		return nil
	}
	seq := e.readCount(CounterFile(q, SequenceCount))
	if seq < 0 || seq >= int64(len(ids)) {
		seq = 0
		e.writeCount(CounterFile(q, SequenceCount), seq)
	}
	data, err := os.ReadFile(e.path(ids[seq]))
	if err != nil {
		e.fallBack(q, def, "missing packet "+ids[seq])
		return nil
	}
	prog, err := packet.Parse(data)
	if err != nil || len(prog.Interrupts) == 0 {
		e.fallBack(q, def, fmt.Sprintf("bad packet %s: %v", ids[seq], err))
		return nil
	}
	e.prog = &prog
	e.k = 0
	e.writeCount(CurrentSequenceLength, int64(len(data)))
	return nil
}

func (e *Emulator) fallBack(q, def, why string) {
	e.writeCount(CurrentSequenceLength, 0)
	if def == "" || def == q {
		return
	}
	log.Printf("sequencer emulator: queue %s %s, falling back to %s", q, why, def)
	e.write(CurrentQueueName, []byte(def+"\n"))
}

// boundary advances the queue counters at the end of a sequence
func (e *Emulator) boundary() {
	e.prog = nil
	e.k = 0
	q := e.readName(CurrentQueueName)
	ids := ParseQueue(e.read(q))
	seq := e.readCount(CounterFile(q, SequenceCount)) + 1
	if seq < int64(len(ids)) {
		e.writeCount(CounterFile(q, SequenceCount), seq)
		return
	}
	repeat := e.readCount(CounterFile(q, RepeatCount)) + 1
	e.writeCount(CounterFile(q, SequenceCount), 0)
	e.writeCount(CounterFile(q, RepeatCount), repeat)
	if repeat < e.readCount(CounterFile(q, MaxRepeatCount)) {
		return
	}
	def := e.readName(DefaultQueueName)
	if def == "" || def == q {
		e.writeCount(CounterFile(q, RepeatCount), 0)
		return
	}
	e.write(CurrentQueueName, []byte(def+"\n"))
}

func (e *Emulator) execute(r packet.Record) {
	switch r.Type {
	case packet.TypeWrite:
		e.registers[r.Address] = e.registers[r.Address]&^r.Mask | r.Value&r.Mask
	case packet.TypeIncrement:
		shift := bits.TrailingZeros32(r.Mask)
		if r.Mask == 0 {
			return
		}
		field := (e.registers[r.Address] & r.Mask) >> shift
		field = (field + (r.Value&r.Mask)>>shift) & (r.Mask >> shift)
		e.registers[r.Address] = e.registers[r.Address]&^r.Mask | field<<shift
	case packet.TypeReport:
		if r.Mask == 0 || r.Text == "" {
			return
		}
		shift := bits.TrailingZeros32(r.Mask)
		v := (e.registers[r.Address] & r.Mask) >> shift
		e.writeCount(r.Text, int64(v))
	case packet.TypeOutput:
		log.Printf("sequencer emulator: %s", r.Text)
	}
}

// Run ticks at hz interrupts per second until ctx is done
func (e *Emulator) Run(ctx context.Context, hz float64) error {
	lim := rate.NewLimiter(rate.Limit(hz), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := e.Tick(); err != nil {
			return err
		}
	}
}
