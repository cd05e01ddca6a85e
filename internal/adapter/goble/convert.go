package goble

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/device"
)

// txPowerUnavailable is what go-ble reports when the advertisement carries no TX power
const txPowerUnavailable = 127

// propertyBits pairs go-ble characteristic flags with their device.Property bits
var propertyBits = []struct {
	ble  ble.Property
	prop device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropAuthenticatedSignedWrites},
	{ble.CharExtended, device.PropExtendedProperties},
}

// convertProperties converts go-ble characteristic flags
func convertProperties(p ble.Property) device.Property {
	var out device.Property
	for _, pb := range propertyBits {
		if p&pb.ble != 0 {
			out |= pb.prop
		}
	}
	return out
}

// convertUUID converts a go-ble UUID. go-ble renders UUIDs as undashed hex
// (4 or 32 digits), both of which device.ParseUUID accepts.
func convertUUID(u ble.UUID) (device.UUID, error) {
	return device.ParseUUID(u.String())
}

func convertUUIDs(in []ble.UUID) []device.UUID {
	out := make([]device.UUID, 0, len(in))
	for _, u := range in {
		if du, err := convertUUID(u); err == nil {
			out = append(out, du)
		}
	}
	return out
}

// convertAdvertisement builds the device snapshot carried by a ScanResult
func convertAdvertisement(adv ble.Advertisement, now time.Time) device.Device {
	services := convertUUIDs(adv.Services())
	services = append(services, convertUUIDs(adv.OverflowService())...)

	a := device.Advertisement{
		LocalName:    adv.LocalName(),
		ServiceUUIDs: services,
		Connectable:  adv.Connectable(),
	}
	if tx := adv.TxPowerLevel(); tx != txPowerUnavailable {
		a.TxPowerLevel = &tx
	}
	if md := adv.ManufacturerData(); len(md) >= 2 {
		// first two octets are the little-endian company identifier
		a.ManufacturerData = map[uint16][]byte{
			binary.LittleEndian.Uint16(md[:2]): append([]byte(nil), md[2:]...),
		}
	}
	if sd := adv.ServiceData(); len(sd) > 0 {
		a.ServiceData = make(map[device.UUID][]byte, len(sd))
		for _, entry := range sd {
			if u, err := convertUUID(entry.UUID); err == nil {
				a.ServiceData[u] = append([]byte(nil), entry.Data...)
			}
		}
	}

	rssi := adv.RSSI()
	d := device.Device{
		ID:            device.DeviceID(adv.Addr().String()),
		RSSI:          &rssi,
		ServiceUUIDs:  append([]device.UUID(nil), services...),
		Advertisement: a,
		LastSeen:      now,
	}
	if name := adv.LocalName(); name != "" {
		d.Name = &name
	}
	return d
}

// gattIndex resolves device UUIDs back to the go-ble handles of one link
type gattIndex struct {
	characteristics map[charKey]*ble.Characteristic
	descriptors     map[descKey]*ble.Descriptor
}

type charKey struct {
	service, characteristic device.UUID
}

type descKey struct {
	charKey
	descriptor device.UUID
}

// convertProfile converts a discovered profile and indexes its handles.
// Entries with malformed UUIDs are skipped. Output is sorted by UUID at
// every level.
func convertProfile(id device.DeviceID, profile *ble.Profile) ([]device.Service, *gattIndex) {
	idx := &gattIndex{
		characteristics: make(map[charKey]*ble.Characteristic),
		descriptors:     make(map[descKey]*ble.Descriptor),
	}
	if profile == nil {
		return nil, idx
	}

	services := make([]device.Service, 0, len(profile.Services))
	for _, bs := range profile.Services {
		su, err := convertUUID(bs.UUID)
		if err != nil {
			continue
		}
		svc := device.Service{DeviceID: id, UUID: su, Primary: true}

		for _, bc := range bs.Characteristics {
			cu, err := convertUUID(bc.UUID)
			if err != nil {
				continue
			}
			ck := charKey{service: su, characteristic: cu}
			idx.characteristics[ck] = bc

			ch := device.Characteristic{
				DeviceID:    id,
				ServiceUUID: su,
				UUID:        cu,
				Properties:  convertProperties(bc.Property),
			}
			for _, bd := range bc.Descriptors {
				du, err := convertUUID(bd.UUID)
				if err != nil {
					continue
				}
				idx.descriptors[descKey{charKey: ck, descriptor: du}] = bd
				ch.Descriptors = append(ch.Descriptors, device.Descriptor{
					DeviceID:           id,
					ServiceUUID:        su,
					CharacteristicUUID: cu,
					UUID:               du,
				})
			}
			sort.Slice(ch.Descriptors, func(i, j int) bool {
				return ch.Descriptors[i].UUID < ch.Descriptors[j].UUID
			})
			svc.Characteristics = append(svc.Characteristics, ch)
		}
		sort.Slice(svc.Characteristics, func(i, j int) bool {
			return svc.Characteristics[i].UUID < svc.Characteristics[j].UUID
		})
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].UUID < services[j].UUID
	})
	return services, idx
}
