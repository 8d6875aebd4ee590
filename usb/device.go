package usb

import (
	"fmt"
	"github.com/daedaluz/godfu/usb/usbfs"
	"syscall"
)

type (
	Device struct {
		fd           int
		BusNumber    int
		DeviceNumber int
		Name         string
		Descriptors  []Descriptor
	}
)

func (d *Device) GetDeviceDescriptor() *DeviceDescriptor {
	return d.Descriptors[0].(*DeviceDescriptor)
}

func (d *Device) Open() error {
	if d.fd != -1 {
		return fmt.Errorf("device already open")
	}
	fd, err := usbfs.OpenDevice(d.BusNumber, d.DeviceNumber)
	if err != nil {
		return err
	}
	d.fd = fd
	return nil
}

func (d *Device) IsOpen() bool {
	return d.fd != -1
}

func (d *Device) GetDriver(iface uint32) (string, error) {
	return usbfs.GetDriver(d.fd, iface)
}

func (d *Device) DetachKernel(iface uint32) error {
	return usbfs.Disconnect(d.fd, iface)
}

func (d *Device) AttachKernel(iface uint32) error {
	return usbfs.Connect(d.fd, iface)
}

func (d *Device) Ctrl(typ RequestType, req uint8, value uint16, index uint16, payload []byte) (int, error) {
	return usbfs.ControlTransfer(d.fd, uint8(typ), req, value, index, 1000, payload)
}

func (d *Device) CtrlTimeout(typ RequestType, req uint8, value uint16, index uint16, payload []byte, timeout uint32) (int, error) {
	return usbfs.ControlTransfer(d.fd, uint8(typ), req, value, index, timeout, payload)
}

func (d *Device) Bulk(ep uint8, data []byte) (int, error) {
	return usbfs.BulkTransfer(d.fd, uint32(ep)&0xFF, 1000, data)
}

func (d *Device) BulkTimeout(ep uint8, data []byte, timeout uint32) (int, error) {
	return usbfs.BulkTransfer(d.fd, uint32(ep)&0xFF, timeout, data)
}

func (d *Device) Close() error {
	e := syscall.Close(d.fd)
	d.fd = -1
	return e
}

// ClaimInterface claims exclusive access to the given interface number so
// the process may issue control and data transfers against it.
func (d *Device) ClaimInterface(iface int) error {
	return usbfs.ClaimInterface(d.fd, iface)
}

// ReleaseInterface releases a previously claimed interface.
func (d *Device) ReleaseInterface(iface int) error {
	return usbfs.ReleaseInterface(d.fd, iface)
}

// SelectAlternate selects an alternate setting for the given interface via
// the USBDEVFS_SETINTERFACE ioctl, letting the kernel handle the endpoint
// state reset that accompanies it. Use SetInterface instead to issue the
// equivalent standard control request directly over the wire.
func (d *Device) SelectAlternate(iface, altSetting uint32) error {
	return usbfs.SetInterface(d.fd, iface, altSetting)
}

// Reset issues a USB port reset for the device.
func (d *Device) Reset() error {
	return usbfs.ResetDevice(d.fd)
}
