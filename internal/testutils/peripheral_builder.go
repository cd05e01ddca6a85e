package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
)

// DescriptorConfig represents a GATT descriptor for mocking
type DescriptorConfig struct {
	UUID  string `json:"uuid"`
	Value []byte `json:"value,omitempty"`
}

// CharacteristicConfig represents a GATT characteristic for mocking
type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value       []byte             `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`
}

// ServiceConfig represents a GATT service for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete GATT profile of a mocked peripheral
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
	RSSI     int             `json:"rssi,omitempty"`
	MTU      int             `json:"mtu,omitempty"`
}

// PeripheralBuilder describes a peripheral and installs matching
// expectations on a MockAdapter.
//
//	testutils.NewPeripheralBuilder("AA:BB").
//	    WithService("180F").
//	    WithCharacteristic("2A19", "read,notify", []byte{0x64}).
//	    Attach(adapter)
type PeripheralBuilder struct {
	id      device.DeviceID
	profile DeviceProfileConfig
}

// NewPeripheralBuilder creates a builder for the peripheral with the given id
func NewPeripheralBuilder(id device.DeviceID) *PeripheralBuilder {
	return &PeripheralBuilder{
		id:      id,
		profile: DeviceProfileConfig{Services: []ServiceConfig{}, RSSI: -50, MTU: 185},
	}
}

// WithService adds a service to the profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := &b.profile.Services[len(b.profile.Services)-1]
	svc.Characteristics = append(svc.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic
func (b *PeripheralBuilder) WithDescriptor(uuid string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithDescriptor: no service added yet, call WithService first")
	}
	svc := &b.profile.Services[len(b.profile.Services)-1]
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	chr := &svc.Characteristics[len(svc.Characteristics)-1]
	chr.Descriptors = append(chr.Descriptors, DescriptorConfig{UUID: uuid, Value: value})
	return b
}

// WithRSSI sets the value returned by ReadRSSI
func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.profile.RSSI = rssi
	return b
}

// WithMTU sets the upper bound RequestMTU negotiates to
func (b *PeripheralBuilder) WithMTU(mtu int) *PeripheralBuilder {
	b.profile.MTU = mtu
	return b
}

// FromJSON replaces the profile with a JSON description. Fields missing from
// the JSON keep their defaults.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	config := DeviceProfileConfig{RSSI: b.profile.RSSI, MTU: b.profile.MTU}
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// ID returns the peripheral id
func (b *PeripheralBuilder) ID() device.DeviceID {
	return b.id
}

// Services converts the profile into the tree Discover returns
func (b *PeripheralBuilder) Services() []device.Service {
	services := make([]device.Service, 0, len(b.profile.Services))
	for _, sc := range b.profile.Services {
		svcUUID := device.MustParseUUID(sc.UUID)
		svc := device.Service{DeviceID: b.id, UUID: svcUUID, Primary: true}
		for _, cc := range sc.Characteristics {
			chrUUID := device.MustParseUUID(cc.UUID)
			chr := device.Characteristic{
				DeviceID:    b.id,
				ServiceUUID: svcUUID,
				UUID:        chrUUID,
				Properties:  parseProperties(cc.Properties),
			}
			for _, dc := range cc.Descriptors {
				chr.Descriptors = append(chr.Descriptors, device.Descriptor{
					DeviceID:           b.id,
					ServiceUUID:        svcUUID,
					CharacteristicUUID: chrUUID,
					UUID:               device.MustParseUUID(dc.UUID),
				})
			}
			svc.Characteristics = append(svc.Characteristics, chr)
		}
		services = append(services, svc)
	}
	return services
}

func parseProperties(props string) device.Property {
	if props == "" {
		return device.PropRead | device.PropWrite | device.PropNotify
	}
	return device.ParseProperties(props)
}

// Attach installs expectations on m for this peripheral: connect and
// disconnect are confirmed by events, discovery returns the profile, reads
// return the configured values and writes/subscriptions succeed. All
// expectations are optional. Expectations registered on m before Attach take
// precedence over these.
func (b *PeripheralBuilder) Attach(m *MockAdapter) *MockAdapter {
	id := b.id

	m.ExpectConnect(id).Maybe()
	m.ExpectDisconnect(id).Maybe()
	m.On("Discover", mock.Anything, id).Return(b.Services(), nil).Maybe()
	m.On("ReadRSSI", mock.Anything, id).Return(b.profile.RSSI, nil).Maybe()
	m.On("RequestMTU", mock.Anything, id, mock.Anything).Return(b.profile.MTU, nil).Maybe()
	m.On("SetConnectionPriority", id, mock.Anything).Return(nil).Maybe()
	m.On("CreateBond", mock.Anything, id).Return(nil).Maybe()
	m.On("RemoveBond", mock.Anything, id).Return(nil).Maybe()

	for _, sc := range b.profile.Services {
		svcUUID := device.MustParseUUID(sc.UUID)
		for _, cc := range sc.Characteristics {
			chrUUID := device.MustParseUUID(cc.UUID)
			props := parseProperties(cc.Properties)

			if props.Has(device.PropRead) {
				m.On("Read", mock.Anything, id, svcUUID, chrUUID).Return(cc.Value, nil).Maybe()
			} else {
				m.On("Read", mock.Anything, id, svcUUID, chrUUID).
					Return(nil, device.Errorf(device.KindGattFailure, "characteristic does not support read")).Maybe()
			}
			m.On("Write", mock.Anything, id, svcUUID, chrUUID, mock.Anything, mock.Anything).Return(nil).Maybe()
			m.On("SetNotify", mock.Anything, id, svcUUID, chrUUID, mock.Anything).Return(nil).Maybe()

			for _, dc := range cc.Descriptors {
				dscUUID := device.MustParseUUID(dc.UUID)
				m.On("ReadDescriptor", mock.Anything, id, svcUUID, chrUUID, dscUUID).Return(dc.Value, nil).Maybe()
				m.On("WriteDescriptor", mock.Anything, id, svcUUID, chrUUID, dscUUID, mock.Anything).Return(nil).Maybe()
			}
		}
	}
	return m
}

// Notify emits a Notification for a characteristic of this peripheral
func (b *PeripheralBuilder) Notify(m *MockAdapter, service, characteristic string, value []byte) {
	m.Emit(device.Notification{
		ID:             b.id,
		Service:        device.MustParseUUID(service),
		Characteristic: device.MustParseUUID(characteristic),
		Value:          value,
	})
}
