package dfu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFunctionalDescriptor_DecodesAllFields(t *testing.T) {
	body := []byte{
		0x0F,       // bmAttributes: canWrite|canRead|manifestationTolerant|willDetach
		0xE8, 0x03, // wDetachTimeOut = 1000
		0x00, 0x04, // wTransferSize = 1024
		0x1A, 0x01, // bcdDFUVersion = 0x011A
	}
	fd, err := ParseFunctionalDescriptor(body)
	require.NoError(t, err)
	assert.True(t, fd.CanWrite)
	assert.True(t, fd.CanRead)
	assert.True(t, fd.ManifestationTolerant)
	assert.True(t, fd.WillDetach)
	assert.Equal(t, uint16(1000), fd.DetachTimeOut)
	assert.Equal(t, uint16(1024), fd.TransferSize)
	assert.Equal(t, uint16(0x011A), fd.DFUVersion)
}

func TestParseFunctionalDescriptor_AttributeBitsIndependent(t *testing.T) {
	body := []byte{0x01, 0, 0, 0, 0, 0, 0} // canWrite only
	fd, err := ParseFunctionalDescriptor(body)
	require.NoError(t, err)
	assert.True(t, fd.CanWrite)
	assert.False(t, fd.CanRead)
	assert.False(t, fd.ManifestationTolerant)
	assert.False(t, fd.WillDetach)
}

func TestParseFunctionalDescriptor_TooShort(t *testing.T) {
	_, err := ParseFunctionalDescriptor([]byte{0x0F, 0, 0})
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindMalformedDescriptor, de.Kind)
}

func TestIsDFUCandidate(t *testing.T) {
	cases := []struct {
		name                    string
		class, subClass, proto uint8
		want                    bool
	}{
		{"dfu11", 0xFE, 0x01, 0x01, true},
		{"dfuse", 0xFE, 0x01, 0x02, true},
		{"wrong class", 0x03, 0x01, 0x02, false},
		{"wrong subclass", 0xFE, 0x02, 0x02, false},
		{"unknown protocol", 0xFE, 0x01, 0x00, false},
	}
	for _, c := range cases {
		rec := InterfaceRecord{Class: c.class, SubClass: c.subClass, Protocol: c.proto}
		assert.Equal(t, c.want, rec.IsDFUCandidate(), c.name)
	}
}

// TestParseConfiguration_MultipleInterfaces is a regression for the
// inDFUInterface bookkeeping: a non-DFU interface's 0x21 descriptor (e.g.
// HID's class descriptor, same byte value) must not be attributed to a
// DFU interface that precedes or follows it.
func TestParseConfiguration_MultipleInterfaces(t *testing.T) {
	hidIface := []byte{9, 0x04, 0, 0, 0, 0x03, 0x00, 0x00, 0}
	hidDescriptor := []byte{9, 0x21, 0x11, 0x01, 0, 1, 0x22, 0x20, 0}
	dfuIface := buildInterfaceDescriptor(1, 0, 3, 0x011A)

	raw := buildConfigDescriptor(1, append(append([]byte{}, hidIface...), hidDescriptor...), dfuIface)
	cfg, err := ParseConfiguration(raw)
	require.NoError(t, err)
	require.Len(t, cfg.Interfaces, 2)

	assert.False(t, cfg.Interfaces[0].IsDFUCandidate())
	assert.Nil(t, cfg.Interfaces[0].Functional)

	assert.True(t, cfg.Interfaces[1].IsDFUCandidate())
	require.NotNil(t, cfg.Interfaces[1].Functional)
	assert.Equal(t, uint16(0x011A), cfg.Interfaces[1].Functional.DFUVersion)
	assert.Equal(t, uint8(3), cfg.Interfaces[1].InterfaceNameIndex)
}

func TestParseConfiguration_TooShortHeader(t *testing.T) {
	_, err := ParseConfiguration([]byte{1, 2, 3})
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindMalformedDescriptor, de.Kind)
}

func TestParseConfiguration_OverrunRecordLength(t *testing.T) {
	raw := append([]byte{9, 0x02, 11, 0, 1, 1, 0, 0x80, 0x32}, []byte{20, 0x04}...)
	_, err := ParseConfiguration(raw)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindMalformedDescriptor, de.Kind)
}
