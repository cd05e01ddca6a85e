// Package bledb resolves Bluetooth SIG assigned numbers to human readable names.
//
// The tables cover the services, characteristics, descriptors and company
// identifiers a central typically meets; unknown values resolve to "".
package bledb

import (
	"strings"

	"github.com/srg/blecentral/pkg/device"
)

// DataVersion identifies the snapshot of the assigned numbers in bledb_table.go
const DataVersion = "2024-06"

// NormalizeUUID reduces a UUID to its lookup key: 4 lowercase hex digits for
// SIG UUIDs, 32 lowercase hex digits without dashes for vendor UUIDs.
// Input that is not a UUID is returned lowercased and trimmed.
func NormalizeUUID(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "{}")
	u, err := device.ParseUUID(s)
	if err != nil {
		return strings.ToLower(s)
	}
	if short := u.Short(); len(short) == 4 {
		return short
	}
	return strings.ReplaceAll(u.String(), "-", "")
}

// LookupService returns the name of a GATT service
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the name of a GATT characteristic
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the name of a GATT descriptor
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// Lookup resolves a UUID against every attribute table, services first
func Lookup(uuid string) string {
	key := NormalizeUUID(uuid)
	for _, table := range []map[string]string{services, characteristics, descriptors} {
		if name, ok := table[key]; ok {
			return name
		}
	}
	return ""
}

// LookupVendor returns the company name for a manufacturer data company id
func LookupVendor(company uint16) string {
	return vendors[company]
}

// LookupAppearance returns the category name of a GAP Appearance value
func LookupAppearance(code uint16) string {
	return appearanceCategories[code>>6]
}
