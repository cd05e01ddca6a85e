package gattvalue

import (
	"testing"

	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/assert"
)

func TestDescribeCharacteristic(t *testing.T) {
	tests := []struct {
		name  string
		uuid  device.UUID
		value []byte
		want  string
	}{
		{"battery level", CharacteristicBatteryLevel, []byte{87}, "87%"},
		{"battery out of range", CharacteristicBatteryLevel, []byte{101}, ""},
		{"appearance watch", CharacteristicAppearance, []byte{0xC1, 0x00}, "Watch"},
		{"appearance bad length", CharacteristicAppearance, []byte{0xC1}, ""},
		{"unknown characteristic", device.MustParseUUID("2A29"), []byte("ACME"), ""},
		{"empty value", CharacteristicBatteryLevel, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DescribeCharacteristic(tt.uuid, tt.value))
		})
	}
}
