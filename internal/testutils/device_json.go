package testutils

import (
	"fmt"

	"github.com/srg/blecentral/pkg/device"
)

type DeviceJSON struct {
	ID               string           `json:"id"`
	Name             *string          `json:"name"`
	RSSI             *int             `json:"rssi"`
	TxPower          *int             `json:"tx_power,omitempty"`
	Connectable      bool             `json:"connectable"`
	Connected        bool             `json:"connected"`
	Stale            bool             `json:"stale"`
	ServiceUUIDs     []string         `json:"service_uuids"`
	ManufacturerData map[string][]int `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]int `json:"service_data,omitempty"`
	DisplayName      string           `json:"display_name"`
}

type ServiceJSON struct {
	UUID            string               `json:"uuid"`
	Characteristics []CharacteristicJSON `json:"characteristics"`
}

type CharacteristicJSON struct {
	UUID        string           `json:"uuid"`
	Properties  string           `json:"properties"`
	Notifying   bool             `json:"notifying"`
	Descriptors []DescriptorJSON `json:"descriptors"`
}

type DescriptorJSON struct {
	UUID string `json:"uuid"`
}

// bytesToInts avoids base64 encoding so expectations stay readable
func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// DeviceToJSON renders a device snapshot for JSON assertions
func DeviceToJSON(d device.Device) string {
	j := DeviceJSON{
		ID:           string(d.ID),
		Name:         d.Name,
		RSSI:         d.RSSI,
		TxPower:      d.Advertisement.TxPowerLevel,
		Connectable:  d.Advertisement.Connectable,
		Connected:    d.Connected,
		Stale:        d.Stale,
		ServiceUUIDs: make([]string, 0, len(d.ServiceUUIDs)),
		DisplayName:  d.DisplayName(),
	}
	for _, u := range d.ServiceUUIDs {
		j.ServiceUUIDs = append(j.ServiceUUIDs, u.Short())
	}
	if len(d.Advertisement.ManufacturerData) > 0 {
		j.ManufacturerData = make(map[string][]int)
		for company, payload := range d.Advertisement.ManufacturerData {
			j.ManufacturerData[companyKey(company)] = bytesToInts(payload)
		}
	}
	if len(d.Advertisement.ServiceData) > 0 {
		j.ServiceData = make(map[string][]int)
		for u, payload := range d.Advertisement.ServiceData {
			j.ServiceData[u.Short()] = bytesToInts(payload)
		}
	}
	return MustJSON(j)
}

// ServicesToJSON renders a discovered GATT tree for JSON assertions. UUIDs
// use their short form where one exists.
func ServicesToJSON(services []device.Service) string {
	out := make([]ServiceJSON, 0, len(services))
	for _, svc := range services {
		sj := ServiceJSON{UUID: svc.UUID.Short(), Characteristics: []CharacteristicJSON{}}
		for _, chr := range svc.Characteristics {
			cj := CharacteristicJSON{
				UUID:        chr.UUID.Short(),
				Properties:  chr.Properties.String(),
				Notifying:   chr.Notifying,
				Descriptors: []DescriptorJSON{},
			}
			for _, d := range chr.Descriptors {
				cj.Descriptors = append(cj.Descriptors, DescriptorJSON{UUID: d.UUID.Short()})
			}
			sj.Characteristics = append(sj.Characteristics, cj)
		}
		out = append(out, sj)
	}
	return MustJSON(out)
}

func companyKey(company uint16) string {
	return fmt.Sprintf("0x%04x", company)
}
