package dfu

import "encoding/binary"

// FunctionalDescriptor is the 9-byte DFU functional descriptor
// (bDescriptorType = 0x21, USB DFU 1.1 §4.1.2).
type FunctionalDescriptor struct {
	WillDetach            bool
	ManifestationTolerant bool
	CanRead               bool
	CanWrite              bool
	TransferSize          uint16
	DetachTimeOut         uint16
	DFUVersion            uint16
}

const functionalDescriptorLen = 9

// ParseFunctionalDescriptor decodes a 9-byte DFU functional descriptor body
// (everything after bLength/bDescriptorType has already been consumed by
// the caller, which is why data is expected to start at bmAttributes).
func ParseFunctionalDescriptor(data []byte) (*FunctionalDescriptor, error) {
	if len(data) < 7 {
		return nil, malformedDescriptor("ParseFunctionalDescriptor", "bmAttributes")
	}
	attrs := data[0]
	return &FunctionalDescriptor{
		CanWrite:              attrs&0b0001 != 0,
		CanRead:               attrs&0b0010 != 0,
		ManifestationTolerant: attrs&0b0100 != 0,
		WillDetach:            attrs&0b1000 != 0,
		DetachTimeOut:         binary.LittleEndian.Uint16(data[1:3]),
		TransferSize:          binary.LittleEndian.Uint16(data[3:5]),
		DFUVersion:            binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

// InterfaceRecord is one alternate setting found while walking a
// configuration descriptor, with its DFU functional descriptor attached if
// one followed it.
type InterfaceRecord struct {
	InterfaceNumber    uint8
	AlternateSetting   uint8
	Class              uint8
	SubClass           uint8
	Protocol           uint8
	InterfaceNameIndex uint8
	Functional         *FunctionalDescriptor
}

// IsDFUCandidate reports whether this interface record advertises the DFU
// class/subclass and a recognized protocol (run-time bProtocol 0x01, DfuSe
// bProtocol 0x02).
func (r InterfaceRecord) IsDFUCandidate() bool {
	if r.Class != 0xFE || r.SubClass != 0x01 {
		return false
	}
	return r.Protocol == 0x01 || r.Protocol == 0x02
}

// ConfigRecord is the result of walking one configuration descriptor.
type ConfigRecord struct {
	ConfigurationValue uint8
	Interfaces         []InterfaceRecord
}

// ParseConfiguration walks a configuration descriptor buffer (9-byte header
// followed by concatenated sub-descriptors) the same TLV-advance loop
// usb.ReadDescriptors uses, but tracks which interface record is currently
// open (inDFUInterface) and has no counterpart in the generic
// reflection-based walker (usb/descriptor.go), since bDescriptorType 0x21
// is ambiguous at the device level: it is also HID's class descriptor,
// disambiguated only by which interface it trails.
func ParseConfiguration(data []byte) (*ConfigRecord, error) {
	if len(data) < 9 {
		return nil, malformedDescriptor("ParseConfiguration", "header")
	}
	cfg := &ConfigRecord{ConfigurationValue: data[5]}

	buf := data[9:]
	inDFUInterface := false
	var current *InterfaceRecord

	for len(buf) >= 2 {
		length := int(buf[0])
		typ := buf[1]
		if length < 2 {
			return nil, malformedDescriptor("ParseConfiguration", "bLength")
		}
		if length > len(buf) {
			return nil, malformedDescriptor("ParseConfiguration", "record overruns buffer")
		}
		record := buf[:length]

		if typ == 0x04 { // INTERFACE
			if length < 9 {
				return nil, malformedDescriptor("ParseConfiguration", "interface record")
			}
			iface := InterfaceRecord{
				InterfaceNumber:    record[2],
				AlternateSetting:   record[3],
				Class:              record[5],
				SubClass:           record[6],
				Protocol:           record[7],
				InterfaceNameIndex: record[8],
			}
			inDFUInterface = iface.Class == 0xFE && iface.SubClass == 0x01
			cfg.Interfaces = append(cfg.Interfaces, iface)
			current = &cfg.Interfaces[len(cfg.Interfaces)-1]
		}
		if typ == 0x21 && inDFUInterface {
			if length < functionalDescriptorLen {
				return nil, malformedDescriptor("ParseConfiguration", "functional descriptor")
			}
			fd, err := ParseFunctionalDescriptor(record[2:length])
			if err != nil {
				return nil, err
			}
			if current != nil {
				current.Functional = fd
			}
		}

		buf = buf[length:]
	}
	return cfg, nil
}

// InterfaceSelection identifies one DFU-capable alternate setting.
// It is immutable once built by enumeration; InterfaceName is
// backfilled later by interface-name recovery if it was empty at discovery
// time.
type InterfaceSelection struct {
	ConfigurationValue uint8
	InterfaceNumber    uint8
	AlternateSetting   uint8
	InterfaceName      string
}
