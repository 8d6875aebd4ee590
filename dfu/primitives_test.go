package dfu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStatus_Decoding(t *testing.T) {
	ft := &fakeTransport{}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		return []byte{0x00, 0xE8, 0x03, 0x00, 0x05, 0x00}, nil
	}
	p := &protocol{t: ft, iface: 0}

	report, err := p.getStatus()
	require.NoError(t, err)
	assert.Equal(t, uint8(0), report.Status)
	assert.Equal(t, uint32(1000), report.PollTimeoutMs)
	assert.Equal(t, StateDfuDownloadIdle, report.State)
}

func TestGetStatus_TruncatesPollTimeoutTo24Bits(t *testing.T) {
	ft := &fakeTransport{}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		return []byte{0x00, 0xFF, 0xFF, 0xFF, 0x02, 0x00}, nil
	}
	p := &protocol{t: ft, iface: 0}

	report, err := p.getStatus()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFF), report.PollTimeoutMs)
}

// TestPollUntil_OneGetStatusPerIteration checks the invariant that
// pollUntil issues exactly one GET_STATUS before the predicate first holds
// and stops immediately once it does, with zero sleeps when the device is
// already in the target state.
func TestPollUntil_OneGetStatusPerIteration(t *testing.T) {
	ft := &fakeTransport{}
	calls := 0
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		calls++
		return statusReplyBytes(0, 0, StateDfuIdle), nil
	}
	p := &protocol{t: ft, iface: 0}

	report, err := p.pollUntil(context.Background(), func(r DfuStatusReport) bool {
		return r.State == StateDfuIdle
	})
	require.NoError(t, err)
	assert.Equal(t, StateDfuIdle, report.State)
	assert.Equal(t, 1, calls)
}

func TestPollUntil_StopsOnError(t *testing.T) {
	ft := &fakeTransport{}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		return statusReplyBytes(3, 0, StateDfuError), nil
	}
	p := &protocol{t: ft, iface: 0}

	report, err := p.pollUntil(context.Background(), func(r DfuStatusReport) bool {
		return r.State == StateDfuIdle
	})
	require.NoError(t, err)
	assert.Equal(t, StateDfuError, report.State)
}

func TestAbortToIdle_ClearsLatchedError(t *testing.T) {
	ft := &fakeTransport{}
	getStateCalls := 0
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		if setup.Request == reqGetState {
			getStateCalls++
			if getStateCalls == 1 {
				return []byte{uint8(StateDfuError)}, nil
			}
			return []byte{uint8(StateDfuIdle)}, nil
		}
		return make([]byte, length), nil
	}
	p := &protocol{t: ft, iface: 0}

	err := p.abortToIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, getStateCalls)

	var clrCalled bool
	for _, c := range ft.calls {
		if c.out && c.setup.Request == reqClrStatus {
			clrCalled = true
		}
	}
	assert.True(t, clrCalled)
}

func TestAbortToIdle_FailsIfNotIdle(t *testing.T) {
	ft := &fakeTransport{}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		return []byte{uint8(StateDfuDownloadBusy)}, nil
	}
	p := &protocol{t: ft, iface: 0}

	err := p.abortToIdle(context.Background())
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindProtocol, de.Kind)
}
