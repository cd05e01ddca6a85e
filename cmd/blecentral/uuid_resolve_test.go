package main

import (
	"testing"

	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoBatteries exposes the Battery Level characteristic in two services
func twoBatteries() []device.Service {
	return testutils.CreateMockPeripheralFromJSON(TestDeviceAddress1, `{
		"services": [
			{ "uuid": "180F", "characteristics": [ { "uuid": "2A19", "properties": "read,notify" } ] },
			{ "uuid": "12345678-1234-5678-1234-56789abcdef0", "characteristics": [
				{ "uuid": "2A19", "properties": "read",
				  "descriptors": [ { "uuid": "2901" } ] }
			] }
		]
	}`).Services()
}

func TestResolveTargetAcrossServices(t *testing.T) {
	services := testutils.BatteryPeripheral(TestDeviceAddress1).Services()

	got, err := resolveTarget(services, "2A29", "", "")
	require.NoError(t, err)
	assert.Equal(t, device.MustParseUUID("180A"), got.Service)
	assert.Equal(t, device.MustParseUUID("2A29"), got.Characteristic.UUID)
	assert.Nil(t, got.Descriptor)
}

func TestResolveTargetAmbiguous(t *testing.T) {
	services := twoBatteries()

	_, err := resolveTarget(services, "2a19", "", "")
	assert.ErrorContains(t, err, "ambiguous", "a characteristic in two services MUST need --service")

	got, err := resolveTarget(services, "2a19", "1234567812345678123456789ABCDEF0", "2901")
	require.NoError(t, err)
	require.NotNil(t, got.Descriptor)
	assert.Equal(t, device.MustParseUUID("2901"), *got.Descriptor)
}

func TestResolveTargetErrors(t *testing.T) {
	services := twoBatteries()

	tests := []struct {
		name    string
		char    string
		service string
		desc    string
		kind    device.ErrorKind
		msg     string
	}{
		{name: "unknown characteristic", char: "2a37", kind: device.KindCharacteristicNotFound},
		{name: "wrong service", char: "2a19", service: "180a", kind: device.KindCharacteristicNotFound},
		{name: "unknown descriptor", char: "2a19", service: "180f", desc: "2902", kind: device.KindDescriptorNotFound},
		{name: "malformed characteristic", char: "xyz", msg: "invalid characteristic UUID"},
		{name: "malformed service", char: "2a19", service: "1", msg: "invalid service UUID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveTarget(services, tt.char, tt.service, tt.desc)
			require.Error(t, err)
			if tt.msg != "" {
				assert.ErrorContains(t, err, tt.msg)
				return
			}
			assert.Equal(t, tt.kind, device.KindOf(err))
		})
	}
}

func TestParseCSVUUIDs(t *testing.T) {
	assert.Equal(t, []string{"2a19", "2a29"}, parseCSVUUIDs(" 2a19, ,2a29,"))
	assert.Empty(t, parseCSVUUIDs(" , "))
}
