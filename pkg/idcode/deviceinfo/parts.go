package deviceinfo

func init() {
	const (
		xilinx  = 0x049
		arm     = 0x23B
		lattice = 0x021
	)

	fpga := func(name, family string, part uint16, ir int) {
		register(key{ManufacturerCode: xilinx, PartNumber: part}, DeviceInfo{
			Name:     name,
			Family:   family,
			IsFPGA:   true,
			IRLength: ir,
		})
	}

	// Spartan-3E (Papilio One)
	fpga("XC3S250E", "Spartan-3E", 0x1C1A, 6)
	fpga("XC3S500E", "Spartan-3E", 0x1C22, 6)

	// Spartan-6
	fpga("XC6SLX9", "Spartan-6", 0x4001, 6)
	fpga("XC6SLX16", "Spartan-6", 0x4002, 6)
	fpga("XC6SLX25", "Spartan-6", 0x4004, 6)
	fpga("XC6SLX45", "Spartan-6", 0x4008, 6)

	// 7 series
	fpga("XC7A35T", "Artix-7", 0x362D, 6)
	fpga("XC7A50T", "Artix-7", 0x362C, 6)
	fpga("XC7A100T", "Artix-7", 0x3631, 6)
	fpga("XC7A200T", "Artix-7", 0x3636, 6)
	fpga("XC7K325T", "Kintex-7", 0x3651, 6)
	fpga("XC7Z010", "Zynq-7000", 0x3722, 6)
	fpga("XC7Z020", "Zynq-7000", 0x3727, 6)

	register(key{ManufacturerCode: arm, PartNumber: 0xBA00}, DeviceInfo{
		Name:        "JTAG-DP",
		Family:      "CoreSight",
		Description: "ARM debug access port (Zynq PS, Cortex-M/A)",
		HasARMCore:  true,
		IRLength:    4,
	})

	register(key{ManufacturerCode: lattice, PartNumber: 0x1111}, DeviceInfo{
		Name:     "LFE5U-25F",
		Family:   "ECP5",
		IsFPGA:   true,
		IRLength: 8,
	})
}
