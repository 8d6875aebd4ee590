package dfu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSession_InterfaceNameRecovery checks that, given two DFU alternates
// sharing a configuration, each with a distinct iInterface string index
// encoding a DfuSe memory map, Init with forced name recovery backs every
// candidate's InterfaceName, and Connect parses the selected one's memory
// map.
func TestSession_InterfaceNameRecovery(t *testing.T) {
	iface0 := buildInterfaceDescriptor(0, 0, 1, 0x011A)
	iface1 := buildInterfaceDescriptor(0, 1, 2, 0x011A)
	raw := buildConfigDescriptor(1, iface0, iface1)

	ft := &fakeTransport{identity: DeviceIdentity{
		Configurations: []ConfigurationIdentity{{ConfigurationValue: 1, Raw: raw}},
	}}
	ft.onControlIn = func(setup Setup, length int) ([]byte, error) {
		switch setup.Value & 0xFF {
		case 1:
			return encodeUCS2String("@A/0x0/1*1Kg"), nil
		case 2:
			return encodeUCS2String("@B/0x10000/1*1Kg"), nil
		}
		return make([]byte, length), nil
	}

	s := NewSession(ft, nil)
	s.SetForceInterfacesName(true)
	require.NoError(t, s.Init(context.Background()))

	candidates := s.Candidates()
	require.Len(t, candidates, 2)
	assert.Equal(t, "@A/0x0/1*1Kg", candidates[0].InterfaceName)
	assert.Equal(t, "@B/0x10000/1*1Kg", candidates[1].InterfaceName)
	assert.Equal(t, uint8(1), ft.selectedConfig)

	require.NoError(t, s.Connect(context.Background(), 0))
	assert.Equal(t, EngineDfuSe, s.EngineType())
	require.NotNil(t, s.MemoryMap())
	assert.Equal(t, "A", s.MemoryMap().Name)
	require.Len(t, s.MemoryMap().Segments, 1)
	assert.Equal(t, uint32(0x0), s.MemoryMap().Segments[0].Start)
	assert.Equal(t, uint32(0x400), s.MemoryMap().Segments[0].End)
}

func TestSession_ConnectWithoutInitFails(t *testing.T) {
	s := NewSession(&fakeTransport{}, nil)
	err := s.Connect(context.Background(), 0)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindNotConnected, de.Kind)
}

func TestSession_ConnectIndexOutOfRange(t *testing.T) {
	iface0 := buildInterfaceDescriptor(0, 0, 0, 0x0110)
	raw := buildConfigDescriptor(1, iface0)
	ft := &fakeTransport{identity: DeviceIdentity{
		Configurations: []ConfigurationIdentity{{ConfigurationValue: 1, Raw: raw}},
	}}
	s := NewSession(ft, nil)
	require.NoError(t, s.Init(context.Background()))

	err := s.Connect(context.Background(), 5)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindInterfaceNotFound, de.Kind)
}

func TestSession_PlainDFUEngineSelectedForNonDfuseVersion(t *testing.T) {
	iface0 := buildInterfaceDescriptor(0, 0, 0, 0x0110)
	raw := buildConfigDescriptor(1, iface0)
	ft := &fakeTransport{identity: DeviceIdentity{
		Configurations: []ConfigurationIdentity{{ConfigurationValue: 1, Raw: raw}},
	}}
	s := NewSession(ft, nil)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Connect(context.Background(), 0))
	assert.Equal(t, EngineDFU, s.EngineType())
	assert.Nil(t, s.MemoryMap())
}

func TestSession_WaitDisconnected_ReturnsOnDisconnectCallback(t *testing.T) {
	s := NewSession(&fakeTransport{}, nil)
	go s.handleDisconnect(nil)
	err := s.WaitDisconnected(context.Background(), 1000)
	assert.NoError(t, err)
}

func TestSession_WaitDisconnected_TimesOut(t *testing.T) {
	s := NewSession(&fakeTransport{}, nil)
	err := s.WaitDisconnected(context.Background(), 50)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindTimeout, de.Kind)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s := NewSession(&fakeTransport{}, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())
}
