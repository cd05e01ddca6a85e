// Package gattvalue decodes the values of well-known GATT descriptors.
package gattvalue

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/srg/blecentral/pkg/device"
)

// Well-known GATT descriptor UUIDs
var (
	DescriptorExtendedProperties = device.MustParseUUID("2900")
	DescriptorUserDescription    = device.MustParseUUID("2901")
	DescriptorClientConfig       = device.MustParseUUID("2902")
	DescriptorServerConfig       = device.MustParseUUID("2903")
	DescriptorPresentationFormat = device.MustParseUUID("2904")
	DescriptorValidRange         = device.MustParseUUID("2906")
)

// ExtendedProperties is the Characteristic Extended Properties descriptor (0x2900)
type ExtendedProperties struct {
	ReliableWrite       bool `json:"reliable_write"`
	WritableAuxiliaries bool `json:"writable_auxiliaries"`
}

// ClientConfig is the Client Characteristic Configuration descriptor (0x2902)
type ClientConfig struct {
	Notifications bool `json:"notifications"`
	Indications   bool `json:"indications"`
}

// ServerConfig is the Server Characteristic Configuration descriptor (0x2903)
type ServerConfig struct {
	Broadcasts bool `json:"broadcasts"`
}

// PresentationFormat is the Characteristic Presentation Format descriptor (0x2904)
type PresentationFormat struct {
	Format      uint8  `json:"format"`
	Exponent    int8   `json:"exponent"` // value = raw * 10^Exponent
	Unit        uint16 `json:"unit"`     // 0x2700 = unitless
	Namespace   uint8  `json:"namespace"`
	Description uint16 `json:"description"`
}

// ValidRange is the Valid Range descriptor (0x2906). The encoding of the
// bounds follows the characteristic value format.
type ValidRange struct {
	Min []byte `json:"min"`
	Max []byte `json:"max"`
}

// Format types for PresentationFormat.Format
const (
	FormatBoolean  = 0x01
	FormatUint2    = 0x02
	FormatUint4    = 0x03
	FormatUint8    = 0x04
	FormatUint12   = 0x05
	FormatUint16   = 0x06
	FormatUint24   = 0x07
	FormatUint32   = 0x08
	FormatUint48   = 0x09
	FormatUint64   = 0x0A
	FormatUint128  = 0x0B
	FormatSint8    = 0x0C
	FormatSint12   = 0x0D
	FormatSint16   = 0x0E
	FormatSint24   = 0x0F
	FormatSint32   = 0x10
	FormatSint48   = 0x11
	FormatSint64   = 0x12
	FormatSint128  = 0x13
	FormatFloat32  = 0x14
	FormatFloat64  = 0x15
	FormatSFloat16 = 0x16
	FormatFloat16  = 0x17
	FormatDuint16  = 0x18
	FormatUTF8     = 0x19
	FormatUTF16    = 0x1A
	FormatStruct   = 0x1B
)

var formatNames = map[uint8]string{
	FormatBoolean: "boolean", FormatUint2: "uint2", FormatUint4: "uint4", FormatUint8: "uint8",
	FormatUint12: "uint12", FormatUint16: "uint16", FormatUint24: "uint24", FormatUint32: "uint32",
	FormatUint48: "uint48", FormatUint64: "uint64", FormatUint128: "uint128", FormatSint8: "sint8",
	FormatSint12: "sint12", FormatSint16: "sint16", FormatSint24: "sint24", FormatSint32: "sint32",
	FormatSint48: "sint48", FormatSint64: "sint64", FormatSint128: "sint128", FormatFloat32: "float32",
	FormatFloat64: "float64", FormatSFloat16: "sfloat", FormatFloat16: "float", FormatDuint16: "duint16",
	FormatUTF8: "utf8s", FormatUTF16: "utf16s", FormatStruct: "struct",
}

func parseFlags16(name string, data []byte) (uint16, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("invalid length for %s: expected 2, got %d", name, len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ParseExtendedProperties decodes bit 0 (reliable write) and bit 1 (writable auxiliaries)
func ParseExtendedProperties(data []byte) (*ExtendedProperties, error) {
	v, err := parseFlags16("extended properties", data)
	if err != nil {
		return nil, err
	}
	return &ExtendedProperties{ReliableWrite: v&0x0001 != 0, WritableAuxiliaries: v&0x0002 != 0}, nil
}

// ParseClientConfig decodes bit 0 (notifications) and bit 1 (indications)
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	v, err := parseFlags16("client config", data)
	if err != nil {
		return nil, err
	}
	return &ClientConfig{Notifications: v&0x0001 != 0, Indications: v&0x0002 != 0}, nil
}

// ParseServerConfig decodes bit 0 (broadcasts)
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	v, err := parseFlags16("server config", data)
	if err != nil {
		return nil, err
	}
	return &ServerConfig{Broadcasts: v&0x0001 != 0}, nil
}

// ParseUserDescription decodes a UTF-8 string, dropping trailing NULs
func ParseUserDescription(data []byte) (string, error) {
	str := strings.TrimRight(string(data), "\x00")
	if !utf8.ValidString(str) {
		return "", fmt.Errorf("invalid UTF-8 in user description")
	}
	return str, nil
}

// ParsePresentationFormat decodes Format(1) Exponent(1) Unit(2) Namespace(1) Description(2)
func ParsePresentationFormat(data []byte) (*PresentationFormat, error) {
	if len(data) != 7 {
		return nil, fmt.Errorf("invalid length for presentation format: expected 7, got %d", len(data))
	}
	return &PresentationFormat{
		Format:      data[0],
		Exponent:    int8(data[1]),
		Unit:        binary.LittleEndian.Uint16(data[2:4]),
		Namespace:   data[4],
		Description: binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

// ParseValidRange splits the value in half; an odd extra byte goes to Max
func ParseValidRange(data []byte) (*ValidRange, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("invalid length for valid range: expected at least 2, got %d", len(data))
	}
	mid := len(data) / 2
	return &ValidRange{
		Min: append([]byte(nil), data[:mid]...),
		Max: append([]byte(nil), data[mid:]...),
	}, nil
}

// Decode returns the typed value of a well-known descriptor, or the raw bytes
// for any other UUID. Empty data decodes to nil.
func Decode(uuid device.UUID, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	switch uuid {
	case DescriptorExtendedProperties:
		return ParseExtendedProperties(data)
	case DescriptorUserDescription:
		return ParseUserDescription(data)
	case DescriptorClientConfig:
		return ParseClientConfig(data)
	case DescriptorServerConfig:
		return ParseServerConfig(data)
	case DescriptorPresentationFormat:
		return ParsePresentationFormat(data)
	case DescriptorValidRange:
		return ParseValidRange(data)
	default:
		return data, nil
	}
}

// Describe renders a descriptor value as one line of text. Values that do
// not decode fall back to upper-case hex.
func Describe(uuid device.UUID, data []byte) string {
	v, err := Decode(uuid, data)
	if err != nil {
		return fmt.Sprintf("%X", data)
	}

	switch d := v.(type) {
	case nil:
		return ""
	case string:
		return fmt.Sprintf("%q", d)
	case *ClientConfig:
		return fmt.Sprintf("notifications=%s indications=%s", onOff(d.Notifications), onOff(d.Indications))
	case *ServerConfig:
		return "broadcasts=" + onOff(d.Broadcasts)
	case *ExtendedProperties:
		return fmt.Sprintf("reliable-write=%s writable-auxiliaries=%s", onOff(d.ReliableWrite), onOff(d.WritableAuxiliaries))
	case *PresentationFormat:
		format, ok := formatNames[d.Format]
		if !ok {
			format = fmt.Sprintf("0x%02X", d.Format)
		}
		return fmt.Sprintf("format=%s exponent=%d unit=0x%04X", format, d.Exponent, d.Unit)
	case *ValidRange:
		return fmt.Sprintf("min=%X max=%X", d.Min, d.Max)
	default:
		return fmt.Sprintf("%X", data)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
