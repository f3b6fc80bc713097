// Package deviceinfo maps scanned IDCODEs to known parts.
package deviceinfo

import "github.com/OpenTraceLab/OpenTraceXVC/pkg/idcode"

type key struct {
	ManufacturerCode uint16
	PartNumber       uint16
}

var db = make(map[key]DeviceInfo)

func register(k key, info DeviceInfo) {
	db[k] = info
}

// Lookup returns device information for a given IDCODE. Unknown parts get a
// generic entry with the manufacturer filled in.
func Lookup(id idcode.IDCode) DeviceInfo {
	m, _ := idcode.LookupManufacturer(id.ManufacturerCode)

	k := key{ManufacturerCode: id.ManufacturerCode, PartNumber: id.PartNumber}
	if info, ok := db[k]; ok && id.HasIDCode {
		info.IDCode = id
		info.Manufacturer = m
		return info
	}

	return DeviceInfo{
		IDCode:       id,
		Manufacturer: m,
		Name:         "Unknown device",
	}
}
