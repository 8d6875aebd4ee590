package dfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryMap_Example(t *testing.T) {
	mm, err := ParseMemoryMap("@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg")
	require.NoError(t, err)
	assert.Equal(t, "Internal Flash", mm.Name)
	require.Len(t, mm.Segments, 3)

	assert.Equal(t, MemorySegment{
		Start: 0x08000000, End: 0x08010000, SectorSize: 16384,
		Readable: true, Erasable: true, Writable: true,
	}, mm.Segments[0])
	assert.Equal(t, MemorySegment{
		Start: 0x08010000, End: 0x08020000, SectorSize: 65536,
		Readable: true, Erasable: true, Writable: true,
	}, mm.Segments[1])
	assert.Equal(t, MemorySegment{
		Start: 0x08020000, End: 0x08100000, SectorSize: 131072,
		Readable: true, Erasable: true, Writable: true,
	}, mm.Segments[2])
}

func TestParseMemoryMap_SegmentsNonOverlapping(t *testing.T) {
	mm, err := ParseMemoryMap("@Internal Flash/0x08000000/16*001Kg,48*001Kg")
	require.NoError(t, err)
	for i := 1; i < len(mm.Segments); i++ {
		assert.LessOrEqual(t, mm.Segments[i-1].End, mm.Segments[i].Start)
	}
}

func TestParseMemoryMap_SingleSectorRun(t *testing.T) {
	mm, err := ParseMemoryMap("@Option Bytes/0x1FFFC000/1*1Kg")
	require.NoError(t, err)
	require.Len(t, mm.Segments, 1)
	assert.Equal(t, uint32(0x1FFFC000), mm.Segments[0].Start)
	assert.Equal(t, uint32(0x1FFFC400), mm.Segments[0].End)
	assert.Equal(t, uint32(1024), mm.Segments[0].SectorSize)
}

func TestParseMemoryMap_PermBits(t *testing.T) {
	cases := []struct {
		letter                      byte
		readable, erasable, writable bool
	}{
		{'a', true, false, false},
		{'b', false, true, false},
		{'c', true, true, false},
		{'d', false, false, true},
		{'e', true, false, true},
		{'f', false, true, true},
		{'g', true, true, true},
	}
	for _, c := range cases {
		s := "@M/0x0/1*1K" + string(c.letter)
		mm, err := ParseMemoryMap(s)
		require.NoError(t, err, c.letter)
		require.Len(t, mm.Segments, 1)
		assert.Equal(t, c.readable, mm.Segments[0].Readable, "letter %c readable", c.letter)
		assert.Equal(t, c.erasable, mm.Segments[0].Erasable, "letter %c erasable", c.letter)
		assert.Equal(t, c.writable, mm.Segments[0].Writable, "letter %c writable", c.letter)
	}
}

func TestParseMemoryMap_MalformedInputs(t *testing.T) {
	cases := []string{
		"not-a-map",
		"@NoSlash",
		"@M/0x0/",
		"@M/0x0/1*1Kz", // invalid perm letter
		"@M/nothex/1*1Kg",
	}
	for _, s := range cases {
		_, err := ParseMemoryMap(s)
		assert.Error(t, err, s)
		var de *Error
		require.ErrorAs(t, err, &de)
		assert.Equal(t, KindMalformedMemoryMap, de.Kind)
	}
}

func TestDescribeMemoryMap(t *testing.T) {
	mm, err := ParseMemoryMap("@Internal Flash/0x08000000/16*001Kg")
	require.NoError(t, err)
	desc := DescribeMemoryMap(mm)
	assert.Contains(t, desc, "Internal Flash")
	assert.Contains(t, desc, "16 sectors")
}
