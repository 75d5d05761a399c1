package timing

import (
	"errors"
	"fmt"
	"math"

	"github.com/biocars/lauecollect/mathx"
	"github.com/biocars/lauecollect/metrics"
	"github.com/biocars/lauecollect/packet"
)

// BunchClockPeriod is the period of the storage ring bunch clock, 1/351.93398 MHz
const BunchClockPeriod = 1 / 351.93398e6

// ErrTooFewInterrupts is returned when the pulses do not fit in the packet
var ErrTooFewInterrupts = errors.New("timing: not enough interrupts for the requested pulses")

// Composer turns Parameters into register specifications and packets
type Composer struct {
	Registry *Registry

	// DelayStep is the resolution of the electronic delay
	DelayStep float64

	// DelayZero is the psd_delay count at zero delay
	DelayZero int64

	// LinearStage selects the mechanical delay line
	LinearStage bool

	// LinearStageStep is the delay resolution of the linear stage
	LinearStageStep float64

	Metrics *metrics.Metrics
}

// NewComposer returns a composer for the default register map
func NewComposer(reader CountReader) *Composer {
	return &Composer{
		Registry:        NewRegistry(DefaultRegisters, reader),
		DelayStep:       BunchClockPeriod / 256,
		DelayZero:       1 << 20,
		LinearStageStep: 10e-12,
	}
}

func (c *Composer) step() float64 {
	if c.LinearStage {
		return c.LinearStageStep
	}
	return c.DelayStep
}

// DiscretizeDelay snaps t to the nearest delay the hardware can produce.
// NaN passes through.
func (c *Composer) DiscretizeDelay(t float64) float64 {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return t
	}
	return mathx.Round(t, c.step())
}

func (c *Composer) delayCount(t float64) int64 {
	if math.IsNaN(t) {
		d, _ := c.Registry.Default(PsdDelay)
		return d
	}
	return c.DelayZero + int64(math.Round(t/c.step()))
}

func constant(n int, v int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Specs returns the per-register interrupt counts for p
func (c *Composer) Specs(p Parameters) ([]packet.RegisterSpec, error) {
	n := p.N
	if n <= 0 {
		return nil, packet.ErrNoInterrupts
	}
	if p.Pulses > 0 && n < p.Pulses+2 {
		return nil, fmt.Errorf("%w: %d pulses in %d interrupts", ErrTooFewInterrupts, p.Pulses, n)
	}
	laser := p.LaserOn && !math.IsNaN(p.Delay)

	ms := make([]int64, n)
	if p.XrayOn {
		for k := 1; k < 1+p.Pulses; k++ {
			ms[k] = 1
		}
	}
	pst := make([]int64, n)
	if laser && n > 1 {
		pst[1] = 1
	}
	trans := make([]int64, n)
	if p.TransOn && p.Translation > 0 {
		width := p.Pulses
		if width < 1 {
			width = 1
		}
		for j := 0; j < p.Translation; j++ {
			k := 1 + j*width/p.Translation
			if k >= n {
				k = n - 1
			}
			for i := k; i < n; i++ {
				trans[i]++
			}
		}
	}
	img := make([]int64, n)
	img[n-1] = int64(p.ImageNumberInc)

	type column struct {
		name   string
		counts []int64
		ops    packet.Op
	}
	cols := []column{
		{Acquiring, constant(n, b2i(p.Acquiring)), packet.OpSet},
		{XdetOn, constant(n, b2i(p.XdetOn)), packet.OpSet},
		{XdetTrigCount, constant(n, b2i(p.XdetOn)), packet.OpInc | packet.OpReport},
		{PsdDelay, constant(n, c.delayCount(p.Delay)), packet.OpSet},
		{XoscTrig, constant(n, b2i(p.XrayOn)), packet.OpSet},
		{LoscTrig, constant(n, b2i(laser)), packet.OpSet},
		{MsOn, ms, packet.OpSet},
		{PstOn, pst, packet.OpSet},
		{TransOn, constant(n, b2i(p.TransOn)), packet.OpSet},
		{TransCount, trans, packet.OpInc},
		{ImageNumber, img, packet.OpInc | packet.OpReport},
	}
	out := make([]packet.RegisterSpec, 0, len(cols))
	for _, s := range cols {
		reg, err := c.Registry.Register(s.name)
		if err != nil {
			return nil, err
		}
		out = append(out, packet.RegisterSpec{Register: reg, Counts: s.counts, Ops: s.ops})
	}
	return out, nil
}

// Compile builds the packet for p
func (c *Composer) Compile(p Parameters) (packet.Packet, error) {
	return c.compile(p.Descriptor(), p)
}

// CompileDescriptor parses desc and builds its packet.  The packet keeps desc
// verbatim so its ID is the MD5 of desc.
func (c *Composer) CompileDescriptor(desc string) (packet.Packet, error) {
	p, err := ParseDescriptor(desc)
	if err != nil {
		return packet.Packet{}, err
	}
	return c.compile(desc, p)
}

func (c *Composer) compile(desc string, p Parameters) (packet.Packet, error) {
	specs, err := c.Specs(p)
	if err != nil {
		return packet.Packet{}, err
	}
	if p.Period < 0 || p.Period > 255 {
		return packet.Packet{}, fmt.Errorf("timing: interrupt period code %d out of range", p.Period)
	}
	pkt, err := packet.Compile(desc, p.N, uint8(p.Period), specs, nil)
	if err == nil {
		c.Metrics.Inc(metrics.PacketsCompiled)
	}
	return pkt, err
}

// XrayGate is the window the millisecond shutter is open for p, in seconds
// from the start of the packet.  Both are NaN when no X-rays are let through.
func (p Parameters) XrayGate() (start, stop float64) {
	if !p.XrayOn || p.Pulses < 1 {
		return math.NaN(), math.NaN()
	}
	tick := float64(p.Period) * BunchClockPeriod
	return tick, float64(1+p.Pulses) * tick
}
