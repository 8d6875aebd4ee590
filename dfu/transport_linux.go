package dfu

import (
	"errors"
	"syscall"
)

// isENODEV/isENOENT/isEIO classify the raw errno a usbdevfs ioctl returns
// once a device has been unplugged, the way kevmo314-go-usb's
// errors_common.go names each errno instead of matching on message text.
func isENODEV(err error) bool { return errors.Is(err, syscall.ENODEV) }
func isENOENT(err error) bool { return errors.Is(err, syscall.ENOENT) }
func isEIO(err error) bool    { return errors.Is(err, syscall.EIO) }
