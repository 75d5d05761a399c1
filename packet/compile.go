package packet

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
)

// Register is a bit field of an FPGA register
type Register struct {
	Name    string
	Address uint32
	Offset  uint8 // bit offset
	Bits    uint8 // field width
}

// Mask is the field's bitmask in place
func (r Register) Mask() uint32 {
	return r.maxValue() << r.Offset
}

func (r Register) maxValue() uint32 {
	if r.Bits >= 32 {
		return 0xFFFFFFFF
	}
	return uint32(1)<<r.Bits - 1
}

// Op selects which records a RegisterSpec produces
type Op uint8

// register operations, combinable
const (
	OpSet Op = 1 << iota
	OpInc
	OpReport
)

// ParseOps parses a comma separated subset of {set, inc, report}
func ParseOps(s string) (Op, error) {
	var op Op
	for _, f := range strings.Split(s, ",") {
		switch strings.TrimSpace(f) {
		case "set":
			op |= OpSet
		case "inc":
			op |= OpInc
		case "report":
			op |= OpReport
		case "":
		default:
			return 0, fmt.Errorf("packet: unknown register op %q", f)
		}
	}
	return op, nil
}

// RegisterSpec describes the value of one register over the interrupts of a
// packet.  Counts holds one value per interrupt; a record is produced
// wherever a new run of equal values starts.
type RegisterSpec struct {
	Register Register
	Counts   []int64
	Ops      Op
}

// Packet is a compiled instruction stream and its identity
type Packet struct {
	ID         string
	Descriptor string
	Data       []byte
}

// ID returns the content address of a descriptor, the hex MD5 sum
func ID(descriptor string) string {
	sum := md5.Sum([]byte(descriptor))
	return hex.EncodeToString(sum[:])
}

// ErrNoInterrupts is returned when a packet would contain no interrupts
var ErrNoInterrupts = errors.New("packet: interrupt count must be positive")

// Compile builds the packet for descriptor.  n is the number of interrupts,
// period the interrupt period code.  messages optionally attaches an output
// record to an interrupt.
func Compile(descriptor string, n int, period uint8, specs []RegisterSpec, messages map[int]string) (Packet, error) {
	if n <= 0 {
		return Packet{}, ErrNoInterrupts
	}
	blocks := make([][]Record, n)
	for _, s := range specs {
		if len(s.Counts) != n {
			return Packet{}, fmt.Errorf("packet: register %s has %d counts, want %d", s.Register.Name, len(s.Counts), n)
		}
		for k, rec := range s.records() {
			blocks[k] = append(blocks[k], rec...)
		}
	}
	keys := make([]int, 0, len(messages))
	for k := range messages {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		if k < 0 || k >= n {
			return Packet{}, fmt.Errorf("packet: message for interrupt %d outside [0,%d)", k, n)
		}
		blocks[k] = append(blocks[k], Output(messages[k]))
	}

	var body []byte
	offsets := make([]uint32, n)
	var bodyOffsets []int
	var err error
	for k, recs := range blocks {
		if len(recs) == 0 {
			offsets[k] = NoOffset
			bodyOffsets = append(bodyOffsets, -1)
			continue
		}
		bodyOffsets = append(bodyOffsets, len(body))
		body, err = IndexCount(uint32(k)).AppendBinary(body)
		if err != nil {
			return Packet{}, err
		}
		for _, r := range recs {
			body, err = r.AppendBinary(body)
			if err != nil {
				return Packet{}, err
			}
		}
	}

	head := []Record{
		InterruptCount(uint32(n)),
		Descriptor(descriptor),
		Interrupt(1, period),
		SequenceLength(0),
		Index(offsets),
	}
	headLen := 0
	for _, r := range head {
		headLen += r.Len()
	}
	for k, o := range bodyOffsets {
		if o >= 0 {
			offsets[k] = uint32(headLen + o)
		}
	}
	head[3] = SequenceLength(uint32(headLen + len(body)))
	data, err := Encode(head)
	if err != nil {
		return Packet{}, err
	}
	data = append(data, body...)
	return Packet{ID: ID(descriptor), Descriptor: descriptor, Data: data}, nil
}

// records returns, per interrupt, the records for this register
func (s RegisterSpec) records() map[int][]Record {
	out := make(map[int][]Record)
	reg := s.Register
	for k, c := range s.Counts {
		if k > 0 && c == s.Counts[k-1] {
			continue
		}
		if s.Ops&OpSet != 0 {
			out[k] = append(out[k], Write(reg.Address, reg.Mask(), reg.field(c, "set")))
		}
		if s.Ops&OpInc != 0 {
			delta := c
			if k > 0 {
				delta = c - s.Counts[k-1]
			}
			if delta != 0 {
				out[k] = append(out[k], Increment(reg.Address, reg.Mask(), reg.field(delta, "increment")))
			}
		}
		if s.Ops&OpReport != 0 {
			out[k] = append(out[k], Report(reg.Address, reg.Mask(), reg.Name))
		}
	}
	return out
}

// field masks v to the register width and shifts it into place.  Negative
// increments wrap modulo the field width.
func (r Register) field(v int64, what string) uint32 {
	max := int64(r.maxValue())
	if v > max || (v < 0 && (what != "increment" || -v > max)) {
		log.Printf("packet: %s %s value %d does not fit in %d bits, truncated", r.Name, what, v, r.Bits)
	}
	return (uint32(v) & r.maxValue()) << r.Offset
}

// Program is a decoded packet, split by interrupt
type Program struct {
	Descriptor string
	Period     uint8
	Length     uint32

	// Interrupts holds the records executed at each interrupt
	Interrupts [][]Record
}

// Parse decodes a compiled packet
func Parse(data []byte) (Program, error) {
	recs, err := Decode(data)
	if err != nil {
		return Program{}, err
	}
	var p Program
	cur := -1
	for _, r := range recs {
		switch r.Type {
		case TypeInterruptCount:
			p.Interrupts = make([][]Record, r.Value)
		case TypeDescriptor:
			p.Descriptor = r.Text
		case TypeInterrupt:
			p.Period = r.Period
		case TypeSequenceLength:
			p.Length = r.Value
		case TypeIndex:
		case TypeIndexCount:
			cur = int(r.Value)
			if cur >= len(p.Interrupts) {
				return p, fmt.Errorf("packet: index count %d beyond interrupt count %d", cur, len(p.Interrupts))
			}
		default:
			if cur < 0 {
				return p, fmt.Errorf("packet: %s record before first index count", r.Type)
			}
			p.Interrupts[cur] = append(p.Interrupts[cur], r)
		}
	}
	if p.Length != 0 && int(p.Length) != len(data) {
		return p, fmt.Errorf("packet: sequence length %d, have %d bytes", p.Length, len(data))
	}
	return p, nil
}
