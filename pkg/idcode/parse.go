package idcode

import "fmt"

// ParseIDCode parses a raw 32-bit IDCODE into its component fields
func ParseIDCode(raw uint32) IDCode {
	return IDCode{
		Raw:              raw,
		Version:          uint8((raw >> 28) & 0xF),
		PartNumber:       uint16((raw >> 12) & 0xFFFF),
		ManufacturerCode: uint16((raw >> 1) & 0x7FF),
		HasIDCode:        (raw & 0x1) == 0x1,
	}
}

// Bypass is the entry reported for a device that resets into BYPASS.
func Bypass() IDCode {
	return IDCode{}
}

// String renders the code the way probe output and logs show it.
func (id IDCode) String() string {
	if !id.HasIDCode {
		return "bypass (no IDCODE)"
	}
	m, _ := LookupManufacturer(id.ManufacturerCode)
	return fmt.Sprintf("0x%08X %s part 0x%04X rev %d", id.Raw, m.Abbreviation, id.PartNumber, id.Version)
}

// Valid reports whether the code is a plausible IDCODE: bit 0 set and a
// manufacturer other than the reserved 0x7F filler.
func (id IDCode) Valid() bool {
	return id.HasIDCode && id.ManufacturerCode&0x7F != 0x7F
}
