package dfu

import (
	"fmt"

	usb "github.com/daedaluz/godfu/usb"
)

// RequestType mirrors the bmRequestType type field carried by a Setup.
type RequestType uint8

const (
	RequestTypeStandard RequestType = iota
	RequestTypeClass
)

// Recipient mirrors the bmRequestType recipient field carried by a Setup.
type Recipient uint8

const (
	RecipientDevice Recipient = iota
	RecipientInterface
)

// Setup describes one USB control transfer, independent of the concrete
// transport backing it.
type Setup struct {
	Type      RequestType
	Recipient Recipient
	Request   uint8
	Value     uint16
	Index     uint16
}

// TransportErrorKind classifies a transport-level failure so the engine can
// tell "device already gone" apart from a real protocol error without
// comparing error strings.
type TransportErrorKind uint8

const (
	TransportErrorOther TransportErrorKind = iota
	TransportErrorDisconnected
	TransportErrorDeviceUnavailable
	TransportErrorResetUnsupported
)

// TransportError is returned by a Transport implementation when the
// failure belongs to a known taxonomy the engine can act on.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func isDeviceGoneErr(err error) bool {
	te, ok := err.(*TransportError)
	if !ok {
		return false
	}
	switch te.Kind {
	case TransportErrorDisconnected, TransportErrorDeviceUnavailable, TransportErrorResetUnsupported:
		return true
	default:
		return false
	}
}

// InterfaceIdentity is one interface/alternate-setting triple as reported by
// a transport's device enumeration, before any DFU-specific parsing.
type InterfaceIdentity struct {
	InterfaceNumber    uint8
	AlternateSetting   uint8
	Class              uint8
	SubClass           uint8
	Protocol           uint8
	InterfaceNameIndex uint8
}

// ConfigurationIdentity is one configuration and its interfaces as reported
// by a transport.
type ConfigurationIdentity struct {
	ConfigurationValue uint8
	Interfaces         []InterfaceIdentity
	Raw                []byte // full configuration descriptor, for dfu.ParseConfiguration
}

// DeviceIdentity is the read-only device information a Transport
// exposes.
type DeviceIdentity struct {
	VendorID       uint16
	ProductID      uint16
	ProductName    string
	SerialNumber   string
	Configurations []ConfigurationIdentity
}

// Transport is the abstract USB control-transfer capability the dfu core
// requires. The core never talks to a device directly; a
// concrete implementation (usbTransport, below, or a fake in tests) is
// supplied by the caller.
type Transport interface {
	IsOpen() bool
	Open() error
	Close() error

	SelectConfiguration(value uint8) error
	ClaimInterface(number uint8) error
	SelectAlternate(iface, alt uint8) error

	ControlIn(setup Setup, length int) ([]byte, error)
	ControlOut(setup Setup, data []byte) (int, error)

	Reset() error

	// OnDisconnect registers cb to be invoked when the transport detects
	// the device has gone away. Implementations that cannot detect
	// disconnects out-of-band (such as usbTransport, which only learns of
	// a disconnect the next time it issues a transfer) may call cb
	// synchronously from within a failing transfer instead of watching in
	// the background.
	OnDisconnect(cb func(error))

	Identity() (DeviceIdentity, error)
}

// usbTransport adapts *usb.Device (claimed interface transfers over Linux
// usbdevfs) to the Transport capability.
type usbTransport struct {
	dev        *usb.Device
	iface      uint8
	onDisc     func(error)
	disc       bool
	busNumber  int
	deviceAddr int
}

// NewUSBTransport wraps dev as a dfu.Transport. dev need not be open yet.
func NewUSBTransport(dev *usb.Device) Transport {
	return &usbTransport{dev: dev, busNumber: dev.BusNumber, deviceAddr: dev.DeviceNumber}
}

func (t *usbTransport) IsOpen() bool { return t.dev.IsOpen() }

func (t *usbTransport) Open() error {
	if t.dev.IsOpen() {
		return nil
	}
	return t.dev.Open()
}

func (t *usbTransport) Close() error {
	if !t.dev.IsOpen() {
		return nil
	}
	return t.dev.Close()
}

func (t *usbTransport) SelectConfiguration(value uint8) error {
	return t.dev.SetConfiguration(int(value))
}

func (t *usbTransport) ClaimInterface(number uint8) error {
	t.iface = number
	return t.dev.ClaimInterface(int(number))
}

func (t *usbTransport) SelectAlternate(iface, alt uint8) error {
	return t.dev.SelectAlternate(uint32(iface), uint32(alt))
}

func (t *usbTransport) requestType(setup Setup) usb.RequestType {
	rt := usb.RequestTypeStandard
	if setup.Type == RequestTypeClass {
		rt = usb.RequestTypeClass
	}
	recip := usb.RequestRecipientDevice
	if setup.Recipient == RecipientInterface {
		recip = usb.RequestRecipientInterface
	}
	return rt | recip
}

func (t *usbTransport) ControlIn(setup Setup, length int) ([]byte, error) {
	buff := make([]byte, length)
	n, err := t.dev.Ctrl(t.requestType(setup)|usb.RequestDirectionIn, setup.Request, setup.Value, setup.Index, buff)
	if err != nil {
		return nil, t.classify(err)
	}
	return buff[:n], nil
}

func (t *usbTransport) ControlOut(setup Setup, data []byte) (int, error) {
	n, err := t.dev.Ctrl(t.requestType(setup)|usb.RequestDirectionOut, setup.Request, setup.Value, setup.Index, data)
	if err != nil {
		return n, t.classify(err)
	}
	return n, nil
}

func (t *usbTransport) Reset() error {
	err := t.dev.Reset()
	if err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *usbTransport) OnDisconnect(cb func(error)) {
	t.onDisc = cb
}

// classify maps a raw syscall-level failure to the transport error
// taxonomy the engine filters on, notifying any registered disconnect
// callback the first time a "device gone" condition is seen.
func (t *usbTransport) classify(err error) error {
	if err == nil {
		return nil
	}
	kind := TransportErrorOther
	switch {
	case isENODEV(err), isENOENT(err):
		kind = TransportErrorDisconnected
	case isEIO(err):
		kind = TransportErrorDeviceUnavailable
	}
	te := &TransportError{Kind: kind, Err: err}
	if kind != TransportErrorOther && !t.disc {
		t.disc = true
		if t.onDisc != nil {
			t.onDisc(te)
		}
	}
	return te
}

func (t *usbTransport) Identity() (DeviceIdentity, error) {
	dd := t.dev.GetDeviceDescriptor()
	id := DeviceIdentity{VendorID: dd.IDVendor, ProductID: dd.IDProduct}
	if s, err := t.dev.GetStringDescriptor(dd.ISerialNumber, 0x0409); err == nil {
		id.SerialNumber = s
	}
	if s, err := t.dev.GetStringDescriptor(dd.IProduct, 0x0409); err == nil {
		id.ProductName = s
	}
	for cfgIdx := uint8(0); cfgIdx < dd.BNumConfigurations; cfgIdx++ {
		raw, err := t.dev.GetDescriptor(usb.DescriptorTypeConfig, cfgIdx, 0)
		if err != nil {
			return DeviceIdentity{}, &TransportError{Kind: TransportErrorOther, Err: err}
		}
		cfg, err := ParseConfiguration(raw)
		if err != nil {
			return DeviceIdentity{}, err
		}
		ci := ConfigurationIdentity{ConfigurationValue: cfg.ConfigurationValue, Raw: raw}
		for _, iface := range cfg.Interfaces {
			ci.Interfaces = append(ci.Interfaces, InterfaceIdentity{
				InterfaceNumber:    iface.InterfaceNumber,
				AlternateSetting:   iface.AlternateSetting,
				Class:              iface.Class,
				SubClass:           iface.SubClass,
				Protocol:           iface.Protocol,
				InterfaceNameIndex: iface.InterfaceNameIndex,
			})
		}
		id.Configurations = append(id.Configurations, ci)
	}
	return id, nil
}
