package dfu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPlainEngine_Write_2050Bytes checks that a 2050-byte
// manifestation-tolerant write at xfer_size=1024 issues WRITE(0,1024) ·
// WRITE(1,1024) · WRITE(2,2) · WRITE(3,0), each followed by GETSTATUS, then
// a USB reset.
func TestPlainEngine_Write_2050Bytes(t *testing.T) {
	ft := &fakeTransport{}
	var committed bool
	ft.onControlOut = func(setup Setup, data []byte) (int, error) {
		if setup.Request == reqDnload && len(data) == 0 {
			committed = true
		}
		return len(data), nil
	}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		if committed {
			return statusReplyBytes(0, 0, StateDfuIdle), nil
		}
		return statusReplyBytes(0, 0, StateDfuDownloadIdle), nil
	}
	eng := newPlainEngine(ft, 0)

	data := make([]byte, 2050)
	err := eng.Write(context.Background(), 1024, data, true, nil)
	require.NoError(t, err)

	writes := ft.writeCalls()
	require.Len(t, writes, 4)
	assert.Equal(t, uint16(0), writes[0].setup.Value)
	assert.Len(t, writes[0].data, 1024)
	assert.Equal(t, uint16(1), writes[1].setup.Value)
	assert.Len(t, writes[1].data, 1024)
	assert.Equal(t, uint16(2), writes[2].setup.Value)
	assert.Len(t, writes[2].data, 2)
	assert.Equal(t, uint16(3), writes[3].setup.Value)
	assert.Len(t, writes[3].data, 0)

	assert.Equal(t, 1, ft.resetCalls)
}

// TestPlainEngine_Write_ChunkCountInvariant checks the general property:
// for N bytes at chunk size C, exactly ceil(N/C)+1 WRITEs are issued, the
// last carrying zero bytes, block numbers 0..ceil(N/C).
func TestPlainEngine_Write_ChunkCountInvariant(t *testing.T) {
	ft := &fakeTransport{}
	var committed bool
	ft.onControlOut = func(setup Setup, data []byte) (int, error) {
		if setup.Request == reqDnload && len(data) == 0 {
			committed = true
		}
		return len(data), nil
	}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		if committed {
			return statusReplyBytes(0, 0, StateDfuIdle), nil
		}
		return statusReplyBytes(0, 0, StateDfuDownloadIdle), nil
	}
	eng := newPlainEngine(ft, 0)

	const n, c = 3333, 500
	err := eng.Write(context.Background(), c, make([]byte, n), true, nil)
	require.NoError(t, err)

	writes := ft.writeCalls()
	expectedCount := (n + c - 1) / c
	require.Len(t, writes, expectedCount+1)
	for i, w := range writes {
		assert.Equal(t, uint16(i), w.setup.Value)
	}
	assert.Empty(t, writes[len(writes)-1].data)
}

func TestPlainEngine_Write_ZeroBytes(t *testing.T) {
	ft := &fakeTransport{}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		return statusReplyBytes(0, 0, StateDfuIdle), nil
	}
	eng := newPlainEngine(ft, 0)

	err := eng.Write(context.Background(), 1024, nil, true, nil)
	require.NoError(t, err)

	writes := ft.writeCalls()
	require.Len(t, writes, 1)
	assert.Equal(t, uint16(0), writes[0].setup.Value)
	assert.Empty(t, writes[0].data)
}

// TestPlainEngine_Read_ShortBlockTerminates checks that an UPLOAD loop
// stops as soon as it receives a block shorter than xfer_size.
func TestPlainEngine_Read_ShortBlockTerminates(t *testing.T) {
	full := make([]byte, 1024)
	blockData := [][]byte{full[:512], full[:512], full[:200]}

	ft := &fakeTransport{}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		block := int(setup.Value)
		return blockData[block], nil
	}
	eng := newPlainEngine(ft, 0)

	data, err := eng.Read(context.Background(), 512, 0, false, nil)
	require.NoError(t, err)
	assert.Len(t, data, 1224)

	uploads := ft.uploadCalls()
	require.Len(t, uploads, 3)
	assert.Equal(t, 0, ft.resetCalls, "no abort/reset on a short-block read")
}

func TestPlainEngine_Read_MaxSizeTriggersAbort(t *testing.T) {
	ft := &fakeTransport{}
	var abortCalled bool
	ft.onControlOut = func(setup Setup, data []byte) (int, error) {
		if setup.Request == reqAbort {
			abortCalled = true
		}
		return 0, nil
	}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		switch setup.Request {
		case reqUpload:
			return make([]byte, length), nil // always full-size: never short
		case reqGetState:
			return []byte{uint8(StateDfuIdle)}, nil
		default:
			return statusReplyBytes(0, 0, StateDfuIdle), nil
		}
	}
	eng := newPlainEngine(ft, 0)

	data, err := eng.Read(context.Background(), 256, 1000, true, nil)
	require.NoError(t, err)
	assert.Len(t, data, 1000)
	assert.True(t, abortCalled, "engine must abort_to_idle after reaching max_size")
}
