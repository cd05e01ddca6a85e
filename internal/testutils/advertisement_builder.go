package testutils

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/srg/blecentral/pkg/device"
)

// AdvertisementBuilder builds device snapshots as an adapter would report
// them in a ScanResult. Only explicitly set fields are populated.
type AdvertisementBuilder struct {
	address     string
	name        *string
	rssi        *int
	services    []string
	manufData   map[uint16][]byte
	serviceData map[string][]byte
	txPower     *int
	connectable bool
	seenAt      time.Time
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{connectable: true}
}

// WithAddress sets the device id the advertisement is reported for
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithName sets the local name
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = &name
	return b
}

// WithRSSI sets the signal strength
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = &rssi
	return b
}

// WithServices adds advertised service UUIDs, in short or full form
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithManufacturerData sets the payload for a company id
func (b *AdvertisementBuilder) WithManufacturerData(company uint16, data []byte) *AdvertisementBuilder {
	if b.manufData == nil {
		b.manufData = make(map[uint16][]byte)
	}
	b.manufData[company] = data
	return b
}

// WithServiceData adds service-specific data for the given service UUID
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	if b.serviceData == nil {
		b.serviceData = make(map[string][]byte)
	}
	b.serviceData[uuid] = data
	return b
}

// WithTxPower sets the transmission power level
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = &power
	return b
}

// WithConnectable sets whether the device accepts connections
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// SeenAt stamps the snapshot with a reception time
func (b *AdvertisementBuilder) SeenAt(t time.Time) *AdvertisementBuilder {
	b.seenAt = t
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Address          string            `json:"address"`
		Name             *string           `json:"name"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		ManufacturerData map[uint16][]byte `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          *int              `json:"txPower"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	if data.Address != "" {
		b.address = data.Address
	}
	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	b.WithServices(data.Services...)
	for company, payload := range data.ManufacturerData {
		b.WithManufacturerData(company, payload)
	}
	for uuid, payload := range data.ServiceData {
		b.WithServiceData(uuid, payload)
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Connectable != nil {
		b.connectable = *data.Connectable
	}
	return b
}

// Build returns the device snapshot carried by the advertisement
func (b *AdvertisementBuilder) Build() device.Device {
	adv := device.Advertisement{
		TxPowerLevel: b.txPower,
		Connectable:  b.connectable,
	}
	if b.name != nil {
		adv.LocalName = *b.name
	}
	for _, s := range b.services {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, device.MustParseUUID(s))
	}
	if b.manufData != nil {
		adv.ManufacturerData = make(map[uint16][]byte, len(b.manufData))
		for k, v := range b.manufData {
			adv.ManufacturerData[k] = v
		}
	}
	if b.serviceData != nil {
		adv.ServiceData = make(map[device.UUID][]byte, len(b.serviceData))
		for k, v := range b.serviceData {
			adv.ServiceData[device.MustParseUUID(k)] = v
		}
	}

	seen := b.seenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	return device.Device{
		ID:            device.DeviceID(b.address),
		Name:          b.name,
		RSSI:          b.rssi,
		ServiceUUIDs:  append([]device.UUID(nil), adv.ServiceUUIDs...),
		Advertisement: adv,
		LastSeen:      seen,
	}.Clone()
}

// BuildEvent wraps the snapshot in a ScanResult event
func (b *AdvertisementBuilder) BuildEvent() device.ScanResult {
	return device.ScanResult{Device: b.Build()}
}
