// Package idcode decodes IEEE 1149.1 IDCODE registers read from a scan chain.
package idcode

// IDCode is one device entry of a scanned chain.
type IDCode struct {
	Raw              uint32
	Version          uint8  // [31:28]
	PartNumber       uint16 // [27:12]
	ManufacturerCode uint16 // [11:1]
	HasIDCode        bool   // bit 0; false means the device sat in BYPASS
}

// Width is the number of DR bits the device contributes after reset.
func (id IDCode) Width() int {
	if id.HasIDCode {
		return 32
	}
	return 1
}

// Manufacturer represents a JEP106 manufacturer entry
type Manufacturer struct {
	Code         uint16
	Name         string
	Abbreviation string
}
