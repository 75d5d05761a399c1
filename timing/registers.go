// Package timing describes the registers of the timing FPGA and composes the
// packets that drive them for one image.
package timing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/biocars/lauecollect/packet"
)

// register names
const (
	ImageNumber   = "image_number"
	XdetTrigCount = "xdet_trig_count"
	XdetOn        = "xdet_on"
	MsOn          = "ms_on"
	PstOn         = "pst_on"
	PsdDelay      = "psd_delay"
	TransCount    = "trans_count"
	TransOn       = "trans_on"
	Acquiring     = "acquiring"
	XoscTrig      = "xosct_enable"
	LoscTrig      = "losct_enable"
)

// DefaultRegisters is the register map of the BioCARS timing system
var DefaultRegisters = []packet.Register{
	{Name: ImageNumber, Address: 0x0100, Offset: 0, Bits: 24},
	{Name: XdetTrigCount, Address: 0x0104, Offset: 0, Bits: 24},
	{Name: TransCount, Address: 0x0108, Offset: 0, Bits: 16},
	{Name: PsdDelay, Address: 0x010C, Offset: 0, Bits: 32},
	{Name: XdetOn, Address: 0x0110, Offset: 0, Bits: 1},
	{Name: MsOn, Address: 0x0110, Offset: 1, Bits: 1},
	{Name: PstOn, Address: 0x0110, Offset: 2, Bits: 1},
	{Name: TransOn, Address: 0x0110, Offset: 3, Bits: 1},
	{Name: Acquiring, Address: 0x0110, Offset: 4, Bits: 1},
	{Name: XoscTrig, Address: 0x0110, Offset: 5, Bits: 1},
	{Name: LoscTrig, Address: 0x0110, Offset: 6, Bits: 1},
}

// CountReader reads the last value the FPGA reported for a register
type CountReader interface {
	ReportedValue(name string) (int64, error)
}

// Entry binds a register to its default value
type Entry struct {
	Register packet.Register
	Default  int64
}

// Registry maps variable names to registers and their defaults.  It replaces
// attribute lookups on a driver object with an explicit table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	reader  CountReader
}

// NewRegistry builds a registry of regs, all defaults zero
func NewRegistry(regs []packet.Register, reader CountReader) *Registry {
	r := &Registry{entries: make(map[string]*Entry), reader: reader}
	for _, reg := range regs {
		r.entries[reg.Name] = &Entry{Register: reg}
	}
	return r
}

// ErrUnknownRegister is returned for names not in the registry
type ErrUnknownRegister struct {
	Name string
}

func (e ErrUnknownRegister) Error() string {
	return fmt.Sprintf("timing: unknown register %q", e.Name)
}

func (r *Registry) entry(name string) (*Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, ErrUnknownRegister{name}
	}
	return e, nil
}

// Register returns the named register
func (r *Registry) Register(name string) (packet.Register, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.entry(name)
	if err != nil {
		return packet.Register{}, err
	}
	return e.Register, nil
}

// Default returns the value the register holds when a packet does not set it
func (r *Registry) Default(name string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.entry(name)
	if err != nil {
		return 0, err
	}
	return e.Default, nil
}

// SetDefault sets the default value of a register
func (r *Registry) SetDefault(name string, v int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	e.Default = v
	return nil
}

// CurrentCount returns the value last reported by the FPGA
func (r *Registry) CurrentCount(name string) (int64, error) {
	if _, err := r.Register(name); err != nil {
		return 0, err
	}
	if r.reader == nil {
		return 0, fmt.Errorf("timing: no reader for %s", name)
	}
	return r.reader.ReportedValue(name)
}

// Names lists the registers, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
