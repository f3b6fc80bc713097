package deviceinfo

import "github.com/OpenTraceLab/OpenTraceXVC/pkg/idcode"

// DeviceInfo names a known part and the JTAG facts a bridge user needs when
// pointing Vivado or iMPACT at it.
type DeviceInfo struct {
	IDCode       idcode.IDCode
	Manufacturer idcode.Manufacturer

	Name        string // "XC7A35T"
	Family      string // "Artix-7"
	Description string

	IsFPGA     bool
	HasARMCore bool

	IRLength int
}
