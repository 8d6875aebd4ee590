// Command lsusb enumerates USB devices reachable through sysfs and prints
// their DFU-capable interfaces, if any, alongside each device's PTM status
// and BOS capability descriptors.
package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/daedaluz/godfu/dfu"
	usb "github.com/daedaluz/godfu/usb"
)

func main() {
	_, err := usb.FindDevices(func(device *usb.Device) bool {
		if err := device.Open(); err != nil {
			return true
		}
		defer device.Close()

		dd := device.GetDeviceDescriptor()
		fmt.Printf("Bus %03d Device %03d: ID %04x:%04x\n", device.BusNumber, device.DeviceNumber, dd.IDVendor, dd.IDProduct)

		transport := dfu.NewUSBTransport(device)
		identity, err := transport.Identity()
		if err != nil {
			log.Println("identity:", err)
			return true
		}
		for _, cfg := range identity.Configurations {
			record, err := dfu.ParseConfiguration(cfg.Raw)
			if err != nil {
				continue
			}
			for _, iface := range record.Interfaces {
				if !iface.IsDFUCandidate() {
					continue
				}
				fmt.Printf("  DFU interface: config=%d number=%d alt=%d protocol=0x%02x\n",
					record.ConfigurationValue, iface.InterfaceNumber, iface.AlternateSetting, iface.Protocol)
				if iface.Functional != nil {
					fmt.Printf("    transferSize=%d dfuVersion=0x%04x manifestationTolerant=%v\n",
						iface.Functional.TransferSize, iface.Functional.DFUVersion, iface.Functional.ManifestationTolerant)
				}
			}
		}

		ptm, _ := device.GetDevicePTMStatus()
		data, _ := json.Marshal(ptm)
		log.Println(string(data))

		if raw, err := device.GetDescriptor(usb.DescriptorTypeBOS, 0, 0); err == nil {
			if caps, err := usb.ParseBOSCapabilities(raw); err == nil {
				for _, c := range caps {
					fmt.Printf("  BOS capability: %T %+v\n", c, c)
				}
			}
		}
		return true
	})
	if err != nil {
		log.Fatal(err)
	}
}
