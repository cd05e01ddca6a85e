package tinygo

import (
	"sort"
	"time"

	"github.com/srg/blecentral/pkg/device"
	"tinygo.org/x/bluetooth"
)

// advertisement is the part of bluetooth.AdvertisementPayload read from scan results
type advertisement interface {
	LocalName() string
	HasServiceUUID(bluetooth.UUID) bool
	ManufacturerData() []bluetooth.ManufacturerDataElement
	ServiceData() []bluetooth.ServiceDataElement
}

// fromStackUUID converts a stack UUID, rendered in dashed 128-bit form
func fromStackUUID(u bluetooth.UUID) (device.UUID, error) {
	return device.ParseUUID(u.String())
}

// toStackUUID converts a canonical UUID into the stack representation
func toStackUUID(u device.UUID) (bluetooth.UUID, error) {
	bu, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, &device.Error{Kind: device.KindInvalidArgument, Msg: "uuid " + u.String(), Err: err}
	}
	return bu, nil
}

// convertScanResult builds the device snapshot carried by a ScanResult. The
// payload does not enumerate advertised services, so only the ones from
// filter that the payload carries are reported.
func convertScanResult(id device.DeviceID, rssi int, adv advertisement, filter []bluetooth.UUID, now time.Time) device.Device {
	var services []device.UUID
	for _, f := range filter {
		if !adv.HasServiceUUID(f) {
			continue
		}
		if u, err := fromStackUUID(f); err == nil {
			services = append(services, u)
		}
	}

	a := device.Advertisement{
		LocalName:    adv.LocalName(),
		ServiceUUIDs: services,
		Connectable:  true,
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		a.ManufacturerData = make(map[uint16][]byte, len(md))
		for _, e := range md {
			a.ManufacturerData[e.CompanyID] = append([]byte(nil), e.Data...)
		}
	}
	if sd := adv.ServiceData(); len(sd) > 0 {
		a.ServiceData = make(map[device.UUID][]byte, len(sd))
		for _, e := range sd {
			if u, err := fromStackUUID(e.UUID); err == nil {
				a.ServiceData[u] = append([]byte(nil), e.Data...)
			}
		}
	}

	d := device.Device{
		ID:            id,
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

func sortServices(services []device.Service) {
	sort.Slice(services, func(i, j int) bool { return services[i].UUID < services[j].UUID })
}

func sortCharacteristics(chars []device.Characteristic) {
	sort.Slice(chars, func(i, j int) bool { return chars[i].UUID < chars[j].UUID })
}
