package packet

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	imageNumber = Register{Name: "image_number", Address: 0x10, Offset: 0, Bits: 16}
	laserOn     = Register{Name: "ms_on", Address: 0x14, Offset: 3, Bits: 1}
)

func TestRecordHeader(t *testing.T) {
	b, err := Write(0x01020304, 0xFF, 7).AppendBinary(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, Version, 0, 16}, b[:4])
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(b[4:]))
	assert.Len(t, b, 16)
}

func TestDecodeEveryType(t *testing.T) {
	recs := []Record{
		Interrupt(1, 12),
		Write(1, 2, 3),
		Increment(4, 5, 6),
		Descriptor("delay=1e-09"),
		Output("hello"),
		SequenceLength(99),
		InterruptCount(3),
		Report(7, 8, "image_number"),
		Index([]uint32{1, NoOffset, 3}),
		IndexCount(2),
	}
	b, err := Encode(recs)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestDecodeTruncated(t *testing.T) {
	b, err := Write(1, 2, 3).AppendBinary(nil)
	require.NoError(t, err)
	_, err = Decode(b[:10])
	assert.ErrorIs(t, err, ErrShort)
}

func TestCompileIdentity(t *testing.T) {
	desc := "delay=1e-09,laser_on=True,n=4"
	specs := []RegisterSpec{
		{Register: imageNumber, Counts: []int64{0, 0, 0, 1}, Ops: OpInc | OpReport},
		{Register: laserOn, Counts: []int64{1, 1, 0, 0}, Ops: OpSet},
	}
	p1, err := Compile(desc, 4, 12, specs, nil)
	require.NoError(t, err)
	p2, err := Compile(desc, 4, 12, specs, nil)
	require.NoError(t, err)

	sum := md5.Sum([]byte(desc))
	assert.Equal(t, hex.EncodeToString(sum[:]), p1.ID)
	assert.Equal(t, p1.ID, ID(desc))
	assert.True(t, bytes.Equal(p1.Data, p2.Data))
}

func TestCompileLayout(t *testing.T) {
	specs := []RegisterSpec{
		{Register: imageNumber, Counts: []int64{0, 0, 0, 1}, Ops: OpInc | OpReport},
		{Register: laserOn, Counts: []int64{1, 1, 0, 0}, Ops: OpSet},
	}
	p, err := Compile("d", 4, 12, specs, map[int]string{1: "shot"})
	require.NoError(t, err)

	recs, err := Decode(p.Data)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(recs), 5)
	assert.Equal(t, InterruptCount(4), recs[0])
	assert.Equal(t, Descriptor("d"), recs[1])
	assert.Equal(t, Interrupt(1, 12), recs[2])
	assert.Equal(t, SequenceLength(uint32(len(p.Data))), recs[3])
	assert.Equal(t, TypeIndex, recs[4].Type)

	for k, off := range recs[4].Offsets {
		if off == NoOffset {
			continue
		}
		r, _, err := DecodeOne(p.Data[off:])
		require.NoError(t, err)
		assert.Equal(t, IndexCount(uint32(k)), r)
	}

	prog, err := Parse(p.Data)
	require.NoError(t, err)
	require.Len(t, prog.Interrupts, 4)
	// interrupt 0: image_number report, ms_on set to 1
	assert.Equal(t, []Record{
		Report(0x10, 0xFFFF, "image_number"),
		Write(0x14, 0x8, 0x8),
	}, prog.Interrupts[0])
	assert.Equal(t, []Record{Output("shot")}, prog.Interrupts[1])
	assert.Equal(t, []Record{Write(0x14, 0x8, 0)}, prog.Interrupts[2])
	assert.Equal(t, []Record{
		Increment(0x10, 0xFFFF, 1),
		Report(0x10, 0xFFFF, "image_number"),
	}, prog.Interrupts[3])
}

func TestCompileEmptyInterruptsIndexed(t *testing.T) {
	specs := []RegisterSpec{{Register: laserOn, Counts: []int64{1, 1, 1}, Ops: OpSet}}
	p, err := Compile("x", 3, 1, specs, nil)
	require.NoError(t, err)
	recs, err := Decode(p.Data)
	require.NoError(t, err)
	offsets := recs[4].Offsets
	assert.NotEqual(t, uint32(NoOffset), offsets[0])
	assert.Equal(t, uint32(NoOffset), offsets[1])
	assert.Equal(t, uint32(NoOffset), offsets[2])
}

func TestCompileTruncatesWideValues(t *testing.T) {
	reg := Register{Name: "narrow", Address: 1, Offset: 4, Bits: 2}
	specs := []RegisterSpec{{Register: reg, Counts: []int64{7}, Ops: OpSet}}
	p, err := Compile("t", 1, 1, specs, nil)
	require.NoError(t, err)
	prog, err := Parse(p.Data)
	require.NoError(t, err)
	assert.Equal(t, []Record{Write(1, 0x30, 0x30)}, prog.Interrupts[0])
}

func TestCompileRejectsBadInput(t *testing.T) {
	_, err := Compile("x", 0, 1, nil, nil)
	assert.ErrorIs(t, err, ErrNoInterrupts)

	specs := []RegisterSpec{{Register: laserOn, Counts: []int64{1}, Ops: OpSet}}
	_, err = Compile("x", 2, 1, specs, nil)
	assert.Error(t, err)
}

func TestParseOps(t *testing.T) {
	op, err := ParseOps("set, report")
	require.NoError(t, err)
	assert.Equal(t, OpSet|OpReport, op)
	_, err = ParseOps("set,toggle")
	assert.Error(t, err)
}

func TestNegativeIncrementWraps(t *testing.T) {
	reg := Register{Name: "count", Address: 2, Bits: 8}
	specs := []RegisterSpec{{Register: reg, Counts: []int64{3, 1}, Ops: OpInc}}
	p, err := Compile("n", 2, 1, specs, nil)
	require.NoError(t, err)
	prog, err := Parse(p.Data)
	require.NoError(t, err)
	assert.Equal(t, []Record{Increment(2, 0xFF, 3)}, prog.Interrupts[0])
	assert.Equal(t, []Record{Increment(2, 0xFF, 0xFE)}, prog.Interrupts[1])
}
