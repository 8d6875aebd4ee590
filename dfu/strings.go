package dfu

const (
	reqGetDescriptorStd  uint8 = 0x06
	descriptorTypeString uint8 = 0x03
)

// fetchStringDescriptor issues the two-step string descriptor read: a
// 1-byte probe for bLength, then a full re-read of bLength bytes. index 0
// with langID 0 fetches the device's LANGID table instead of a UCS-2
// string; callers decode the two cases differently (see decodeUCS2 vs.
// decodeLangIDs).
func fetchStringDescriptor(t Transport, index uint8, langID uint16) ([]byte, error) {
	if index == 0 && langID != 0 {
		return nil, nil
	}
	setup := Setup{
		Type:      RequestTypeStandard,
		Recipient: RecipientDevice,
		Request:   reqGetDescriptorStd,
		Value:     uint16(descriptorTypeString)<<8 | uint16(index),
		Index:     langID,
	}
	head, err := t.ControlIn(setup, 1)
	if err != nil {
		return nil, wrapErr("fetchStringDescriptor", KindTransportFailed, err)
	}
	if len(head) < 1 {
		return nil, malformedDescriptor("fetchStringDescriptor", "bLength")
	}
	length := int(head[0])
	if length < 2 {
		return nil, malformedDescriptor("fetchStringDescriptor", "bLength")
	}
	full, err := t.ControlIn(setup, length)
	if err != nil {
		return nil, wrapErr("fetchStringDescriptor", KindTransportFailed, err)
	}
	return full, nil
}

// decodeLangIDs decodes the string descriptor index 0 body (bLength,
// bDescriptorType, then little-endian wLANGID entries) into the list of
// language IDs the device supports.
func decodeLangIDs(raw []byte) []uint16 {
	if len(raw) <= 2 {
		return nil
	}
	body := raw[2:]
	n := len(body) / 2
	ids := make([]uint16, n)
	for i := 0; i < n; i++ {
		ids[i] = uint16(body[2*i]) | uint16(body[2*i+1])<<8
	}
	return ids
}

// GetLanguageIDs fetches and decodes the device's string descriptor index
// 0, the table of LANGIDs it supports for every other string descriptor.
func GetLanguageIDs(t Transport) ([]uint16, error) {
	raw, err := fetchStringDescriptor(t, 0, 0)
	if err != nil {
		return nil, err
	}
	return decodeLangIDs(raw), nil
}

// decodeUCS2 decodes a string descriptor body (bLength, bDescriptorType,
// then little-endian UCS-2 code units) into a Go string.
func decodeUCS2(raw []byte) string {
	if len(raw) <= 2 {
		return ""
	}
	body := raw[2:]
	n := len(body) / 2
	runes := make([]rune, n)
	for i := 0; i < n; i++ {
		runes[i] = rune(uint16(body[2*i]) | uint16(body[2*i+1])<<8)
	}
	return string(runes)
}

// getInterfaceName fetches and decodes the US English (0x0409) string
// descriptor for a given iInterface index.
func getInterfaceName(t Transport, index uint8) (string, error) {
	if index == 0 {
		return "", nil
	}
	raw, err := fetchStringDescriptor(t, index, 0x0409)
	if err != nil {
		return "", err
	}
	return decodeUCS2(raw), nil
}
