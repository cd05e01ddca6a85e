package gattvalue

import (
	"testing"

	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ----------------------------
// Parsers
// ----------------------------

func TestParseClientConfig(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected *ClientConfig
		wantErr  bool
	}{
		{name: "disabled", data: []byte{0x00, 0x00}, expected: &ClientConfig{}},
		{name: "notifications", data: []byte{0x01, 0x00}, expected: &ClientConfig{Notifications: true}},
		{name: "indications", data: []byte{0x02, 0x00}, expected: &ClientConfig{Indications: true}},
		{name: "both", data: []byte{0x03, 0x00}, expected: &ClientConfig{Notifications: true, Indications: true}},
		{name: "too short", data: []byte{0x01}, wantErr: true},
		{name: "too long", data: []byte{0x01, 0x00, 0x00}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClientConfig(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseExtendedAndServerConfig(t *testing.T) {
	ext, err := ParseExtendedProperties([]byte{0x03, 0x00})
	require.NoError(t, err)
	assert.Equal(t, &ExtendedProperties{ReliableWrite: true, WritableAuxiliaries: true}, ext)

	srv, err := ParseServerConfig([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.True(t, srv.Broadcasts)

	_, err = ParseServerConfig(nil)
	assert.Error(t, err)
}

func TestParseUserDescription(t *testing.T) {
	s, err := ParseUserDescription([]byte("Battery\x00\x00"))
	require.NoError(t, err)
	assert.Equal(t, "Battery", s, "trailing NULs MUST be dropped")

	_, err = ParseUserDescription([]byte{0xff, 0xfe})
	assert.ErrorContains(t, err, "invalid UTF-8")
}

func TestParsePresentationFormat(t *testing.T) {
	// uint8, exponent -1, unit 0x27AD (percentage), namespace SIG, description 0x0106
	got, err := ParsePresentationFormat([]byte{0x04, 0xFF, 0xAD, 0x27, 0x01, 0x06, 0x01})
	require.NoError(t, err)
	assert.Equal(t, &PresentationFormat{Format: FormatUint8, Exponent: -1, Unit: 0x27AD, Namespace: 1, Description: 0x0106}, got)

	_, err = ParsePresentationFormat([]byte{0x04})
	assert.ErrorContains(t, err, "expected 7")
}

func TestParseValidRange(t *testing.T) {
	got, err := ParseValidRange([]byte{0x00, 0x64, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, got.Min)
	assert.Equal(t, []byte{0x64, 0x00}, got.Max, "odd extra byte MUST go to Max")

	_, err = ParseValidRange([]byte{0x01})
	assert.Error(t, err)
}

// ----------------------------
// Decode / Describe
// ----------------------------

func TestDecodeFallsBackToRawBytes(t *testing.T) {
	v, err := Decode(device.MustParseUUID("2A19"), []byte{0x64})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x64}, v)

	v, err = Decode(DescriptorClientConfig, nil)
	require.NoError(t, err)
	assert.Nil(t, v, "empty data MUST decode to nil")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		uuid device.UUID
		data []byte
		want string
	}{
		{DescriptorClientConfig, []byte{0x01, 0x00}, "notifications=on indications=off"},
		{DescriptorServerConfig, []byte{0x00, 0x00}, "broadcasts=off"},
		{DescriptorUserDescription, []byte("Level"), `"Level"`},
		{DescriptorPresentationFormat, []byte{0x04, 0x00, 0xAD, 0x27, 0x01, 0x00, 0x00}, "format=uint8 exponent=0 unit=0x27AD"},
		{DescriptorValidRange, []byte{0x00, 0x64}, "min=00 max=64"},
		{DescriptorClientConfig, []byte{0x01}, "01"},
		{device.MustParseUUID("2908"), []byte{0x10, 0x00}, "1000"},
		{DescriptorClientConfig, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.uuid.Short(), func(t *testing.T) {
			assert.Equal(t, tt.want, Describe(tt.uuid, tt.data))
		})
	}
}
