package dfu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeSegmentMap() *MemoryMap {
	return &MemoryMap{
		Name: "Internal Flash",
		Segments: []MemorySegment{
			{Start: 0x0, End: 0x1000, SectorSize: 0x400, Readable: true, Erasable: true, Writable: true},
			{Start: 0x1000, End: 0x1400, SectorSize: 0x400, Readable: true, Erasable: false, Writable: false},
			{Start: 0x1400, End: 0x2400, SectorSize: 0x400, Readable: true, Erasable: true, Writable: true},
		},
	}
}

// newDfuseTestTransport returns a fakeTransport whose GET_STATUS replies
// track a single "committed" latch: busy-free (dfuDOWNLOAD_IDLE) until the
// final zero-length commit WRITE is observed, then dfuMANIFEST.
func newDfuseTestTransport() (*fakeTransport, *bool) {
	committed := false
	ft := &fakeTransport{}
	ft.onControlOut = func(setup Setup, data []byte) (int, error) {
		if setup.Request == reqDnload && setup.Value == 0 && len(data) == 0 {
			committed = true
		}
		return len(data), nil
	}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		if setup.Request == reqGetStatus {
			if committed {
				return statusReplyBytes(0, 0, StateDfuManifest), nil
			}
			return statusReplyBytes(0, 0, StateDfuDownloadIdle), nil
		}
		return make([]byte, length), nil
	}
	return ft, &committed
}

// TestErasePlan_SkipsNonErasableSegment checks that erasing [0x0, 0x2000)
// over the three-segment map above issues exactly seven ERASE_SECTOR
// commands, skipping the non-erasable 0x1000..0x1400 region, and that
// EraseProgress totals 0x2000.
func TestErasePlan_SkipsNonErasableSegment(t *testing.T) {
	ft, _ := newDfuseTestTransport()
	eng := newDfuseEngine(ft, 0, threeSegmentMap())

	var total, lastDone int
	sink := func(ev Event) {
		if ev.Kind == EventEraseProgress {
			total = ev.Total
			lastDone = ev.Done
		}
	}
	err := eng.erasePlan(context.Background(), 0x0, 0x2000, sink)
	require.NoError(t, err)

	erases := ft.eraseCalls()
	assert.Equal(t, []uint32{0x0, 0x400, 0x800, 0xC00, 0x1400, 0x1800, 0x1C00}, erases)
	assert.Equal(t, 0x2000, total)
	assert.Equal(t, total, lastDone)
}

func TestErasePlan_NoErasableSegments(t *testing.T) {
	ft, _ := newDfuseTestTransport()
	mm := &MemoryMap{Segments: []MemorySegment{
		{Start: 0x0, End: 0x1000, SectorSize: 0x400, Readable: true, Erasable: false},
	}}
	eng := newDfuseEngine(ft, 0, mm)

	err := eng.erasePlan(context.Background(), 0x0, 0x1000, nil)
	require.NoError(t, err)
	assert.Empty(t, ft.eraseCalls())
}

// TestDfuseWrite_SetAddressPrecedesEveryDataChunk checks the invariant that
// every WRITE carrying a payload is immediately preceded by a SET_ADDRESS
// whose parameter is the resolved start address plus the cumulative byte
// offset already written.
func TestDfuseWrite_SetAddressPrecedesEveryDataChunk(t *testing.T) {
	ft, _ := newDfuseTestTransport()
	mm := &MemoryMap{Segments: []MemorySegment{
		{Start: 0x08000000, End: 0x08010000, SectorSize: 0x400, Readable: true, Erasable: true, Writable: true},
	}}
	eng := newDfuseEngine(ft, 0, mm)

	data := make([]byte, 2500)
	err := eng.Write(context.Background(), 1000, data, true, nil)
	require.NoError(t, err)

	var expectAddr uint32 = 0x08000000
	offset := 0
	for i, c := range ft.calls {
		if !c.out || c.setup.Request != reqDnload || c.setup.Value != 2 || len(c.data) == 0 {
			continue
		}
		require.Greater(t, i, 0)
		prev := ft.calls[i-1]
		require.True(t, prev.out)
		require.Equal(t, reqDnload, prev.setup.Request)
		require.Equal(t, uint16(0), prev.setup.Value)
		require.Len(t, prev.data, 5)
		require.Equal(t, cmdSetAddress, prev.data[0])
		addr := uint32(prev.data[1]) | uint32(prev.data[2])<<8 | uint32(prev.data[3])<<16 | uint32(prev.data[4])<<24
		assert.Equal(t, expectAddr+uint32(offset), addr)
		offset += len(c.data)
	}
	assert.Equal(t, len(data), offset)
}

func TestDfuseWrite_ZeroLengthSkipsEraseButStillCommits(t *testing.T) {
	ft, _ := newDfuseTestTransport()
	eng := newDfuseEngine(ft, 0, threeSegmentMap())

	err := eng.Write(context.Background(), 1024, nil, true, nil)
	require.NoError(t, err)
	assert.Empty(t, ft.eraseCalls())

	var sawCommit bool
	for _, c := range ft.calls {
		if c.out && c.setup.Request == reqDnload && c.setup.Value == 0 && len(c.data) == 0 {
			sawCommit = true
		}
	}
	assert.True(t, sawCommit, "zero-length write must still issue the final empty commit WRITE")
}

func TestDfuseRead_MaxSizeZeroReturnsEmptyNoUpload(t *testing.T) {
	ft, _ := newDfuseTestTransport()
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		switch setup.Request {
		case reqGetStatus:
			return statusReplyBytes(0, 0, StateDfuDownloadIdle), nil
		case reqGetState:
			return []byte{uint8(StateDfuIdle)}, nil
		}
		return make([]byte, length), nil
	}
	eng := newDfuseEngine(ft, 0, threeSegmentMap())

	data, err := eng.Read(context.Background(), 256, 0, true, nil)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Empty(t, ft.uploadCalls())
}
