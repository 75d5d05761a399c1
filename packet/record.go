// Package packet encodes and decodes the binary instruction streams executed
// by the timing FPGA, one interrupt at a time.
//
// Every record starts with a four byte header (type u8, version u8,
// length u16) where length counts the header itself.  All integers are big
// endian.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is the record type code
type Type uint8

// record types
const (
	TypeInterrupt Type = iota
	TypeWrite
	TypeIncrement
	TypeDescriptor
	TypeOutput
	TypeSequenceLength
	TypeInterruptCount
	TypeReport
	TypeIndex
	TypeIndexCount
)

// Version is written in every record header
const Version = 1

const headerLen = 4

// NoOffset marks an interrupt without records in the index
const NoOffset = 0xFFFFFFFF

var typeNames = [...]string{
	"interrupt", "write", "increment", "descriptor", "output",
	"sequence length", "interrupt count", "report", "index", "index count"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

var (
	// ErrShort is returned when a buffer ends inside a record
	ErrShort = errors.New("packet: truncated record")

	// ErrTooLong is returned when a record does not fit the 16 bit length
	ErrTooLong = errors.New("packet: record longer than 65535 bytes")
)

// Record is one decoded instruction.  Which fields are meaningful depends on
// Type.
type Record struct {
	Type    Type
	Count   uint8 // interrupt
	Period  uint8 // interrupt
	Address uint32
	Mask    uint32
	Value   uint32   // write value, increment delta, sequence length, interrupt count, index count
	Text    string   // descriptor, output message, report name
	Offsets []uint32 // index
}

// Interrupt waits for count interrupts of the given period
func Interrupt(count, period uint8) Record {
	return Record{Type: TypeInterrupt, Count: count, Period: period}
}

// Write sets the masked bits of address to value
func Write(address, mask, value uint32) Record {
	return Record{Type: TypeWrite, Address: address, Mask: mask, Value: value}
}

// Increment adds delta to the masked bits of address
func Increment(address, mask, delta uint32) Record {
	return Record{Type: TypeIncrement, Address: address, Mask: mask, Value: delta}
}

// Descriptor carries the canonical descriptor string
func Descriptor(s string) Record { return Record{Type: TypeDescriptor, Text: s} }

// Output carries a diagnostic message
func Output(s string) Record { return Record{Type: TypeOutput, Text: s} }

// SequenceLength gives the total length of the packet in bytes
func SequenceLength(n uint32) Record { return Record{Type: TypeSequenceLength, Value: n} }

// InterruptCount gives the number of interrupts in the packet
func InterruptCount(n uint32) Record { return Record{Type: TypeInterruptCount, Value: n} }

// Report publishes the masked bits of address under name
func Report(address, mask uint32, name string) Record {
	return Record{Type: TypeReport, Address: address, Mask: mask, Text: name}
}

// Index holds the byte offset of each interrupt block
func Index(offsets []uint32) Record { return Record{Type: TypeIndex, Offsets: offsets} }

// IndexCount starts the block of records for interrupt i
func IndexCount(i uint32) Record { return Record{Type: TypeIndexCount, Value: i} }

func (r Record) payloadLen() int {
	switch r.Type {
	case TypeInterrupt:
		return 2
	case TypeWrite, TypeIncrement:
		return 12
	case TypeDescriptor, TypeOutput:
		return len(r.Text)
	case TypeSequenceLength, TypeInterruptCount, TypeIndexCount:
		return 4
	case TypeReport:
		return 8 + len(r.Text)
	case TypeIndex:
		return 4 * len(r.Offsets)
	}
	return 0
}

// Len is the encoded length of the record including its header
func (r Record) Len() int {
	return headerLen + r.payloadLen()
}

// AppendBinary appends the encoded record to b
func (r Record) AppendBinary(b []byte) ([]byte, error) {
	n := r.Len()
	if n > 0xFFFF {
		return b, fmt.Errorf("%w: %s", ErrTooLong, r.Type)
	}
	b = append(b, byte(r.Type), Version)
	b = binary.BigEndian.AppendUint16(b, uint16(n))
	switch r.Type {
	case TypeInterrupt:
		b = append(b, r.Count, r.Period)
	case TypeWrite, TypeIncrement:
		b = binary.BigEndian.AppendUint32(b, r.Address)
		b = binary.BigEndian.AppendUint32(b, r.Mask)
		b = binary.BigEndian.AppendUint32(b, r.Value)
	case TypeDescriptor, TypeOutput:
		b = append(b, r.Text...)
	case TypeSequenceLength, TypeInterruptCount, TypeIndexCount:
		b = binary.BigEndian.AppendUint32(b, r.Value)
	case TypeReport:
		b = binary.BigEndian.AppendUint32(b, r.Address)
		b = binary.BigEndian.AppendUint32(b, r.Mask)
		b = append(b, r.Text...)
	case TypeIndex:
		for _, o := range r.Offsets {
			b = binary.BigEndian.AppendUint32(b, o)
		}
	}
	return b, nil
}

// Encode concatenates the encoded records
func Encode(recs []Record) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	for _, r := range recs {
		b, err = r.AppendBinary(b)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// DecodeOne decodes the record at the start of b and returns its length
func DecodeOne(b []byte) (Record, int, error) {
	if len(b) < headerLen {
		return Record{}, 0, ErrShort
	}
	r := Record{Type: Type(b[0])}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n < headerLen || n > len(b) {
		return Record{}, 0, ErrShort
	}
	p := b[headerLen:n]
	need := func(k int) error {
		if len(p) < k {
			return fmt.Errorf("%w: %s needs %d payload bytes, has %d", ErrShort, r.Type, k, len(p))
		}
		return nil
	}
	switch r.Type {
	case TypeInterrupt:
		if err := need(2); err != nil {
			return r, 0, err
		}
		r.Count, r.Period = p[0], p[1]
	case TypeWrite, TypeIncrement:
		if err := need(12); err != nil {
			return r, 0, err
		}
		r.Address = binary.BigEndian.Uint32(p)
		r.Mask = binary.BigEndian.Uint32(p[4:])
		r.Value = binary.BigEndian.Uint32(p[8:])
	case TypeDescriptor, TypeOutput:
		r.Text = string(p)
	case TypeSequenceLength, TypeInterruptCount, TypeIndexCount:
		if err := need(4); err != nil {
			return r, 0, err
		}
		r.Value = binary.BigEndian.Uint32(p)
	case TypeReport:
		if err := need(8); err != nil {
			return r, 0, err
		}
		r.Address = binary.BigEndian.Uint32(p)
		r.Mask = binary.BigEndian.Uint32(p[4:])
		r.Text = string(p[8:])
	case TypeIndex:
		r.Offsets = make([]uint32, len(p)/4)
		for i := range r.Offsets {
			r.Offsets[i] = binary.BigEndian.Uint32(p[4*i:])
		}
	default:
		return r, 0, fmt.Errorf("packet: unknown record type %d", b[0])
	}
	return r, n, nil
}

// Decode splits b into records
func Decode(b []byte) ([]Record, error) {
	var out []Record
	for len(b) > 0 {
		r, n, err := DecodeOne(b)
		if err != nil {
			return out, err
		}
		out = append(out, r)
		b = b[n:]
	}
	return out, nil
}
