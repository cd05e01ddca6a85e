package gattvalue

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/pkg/device"
)

// Well-known GATT characteristic UUIDs with a decoder
var (
	CharacteristicAppearance   = device.MustParseUUID("2A01")
	CharacteristicBatteryLevel = device.MustParseUUID("2A19")
)

var characteristicParsers = map[device.UUID]func([]byte) (string, error){
	CharacteristicAppearance:   parseAppearance,
	CharacteristicBatteryLevel: parseBatteryLevel,
}

// parseAppearance returns the category name, or "" for unknown codes
func parseAppearance(value []byte) (string, error) {
	if len(value) != 2 {
		return "", fmt.Errorf("appearance value must be 2 bytes, got %d", len(value))
	}
	return bledb.LookupAppearance(binary.LittleEndian.Uint16(value)), nil
}

func parseBatteryLevel(value []byte) (string, error) {
	if len(value) != 1 {
		return "", fmt.Errorf("battery level must be 1 byte, got %d", len(value))
	}
	if value[0] > 100 {
		return "", fmt.Errorf("battery level out of range: %d", value[0])
	}
	return fmt.Sprintf("%d%%", value[0]), nil
}

// DescribeCharacteristic renders the value of a characteristic with a known
// encoding. Reports "" for other characteristics and for values that do not
// decode.
func DescribeCharacteristic(uuid device.UUID, value []byte) string {
	parse, ok := characteristicParsers[uuid]
	if !ok || len(value) == 0 {
		return ""
	}
	s, err := parse(value)
	if err != nil {
		return ""
	}
	return s
}
