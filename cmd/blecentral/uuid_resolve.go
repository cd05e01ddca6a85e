package main

import (
	"fmt"
	"strings"

	"github.com/srg/blecentral/pkg/device"
)

// target is a resolved characteristic, optionally narrowed to one of its descriptors
type target struct {
	Service        device.UUID
	Characteristic device.Characteristic
	Descriptor     *device.UUID
}

// resolveTarget finds a characteristic (and optionally a descriptor) in a
// discovered profile.
//
// With serviceUUID set the characteristic is looked up in that service only.
// Otherwise every service is searched and a characteristic present in more
// than one service is reported as ambiguous.
func resolveTarget(services []device.Service, charUUID, serviceUUID, descUUID string) (target, error) {
	chr, err := device.ParseUUID(charUUID)
	if err != nil {
		return target{}, fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	var svc device.UUID
	if serviceUUID != "" {
		if svc, err = device.ParseUUID(serviceUUID); err != nil {
			return target{}, fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	var found []target
	for _, s := range services {
		if svc != "" && s.UUID != svc {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID == chr {
				found = append(found, target{Service: s.UUID, Characteristic: c})
			}
		}
	}

	switch {
	case len(found) == 0 && svc != "":
		return target{}, &device.Error{
			Kind: device.KindCharacteristicNotFound,
			Op:   "resolve",
			Msg:  fmt.Sprintf("characteristic %s not found in service %s", chr.Short(), svc.Short()),
		}
	case len(found) == 0:
		return target{}, &device.Error{
			Kind: device.KindCharacteristicNotFound,
			Op:   "resolve",
			Msg:  fmt.Sprintf("characteristic %s not found", chr.Short()),
		}
	case len(found) > 1:
		in := make([]string, 0, len(found))
		for _, f := range found {
			in = append(in, f.Service.Short())
		}
		return target{}, fmt.Errorf("characteristic %s is ambiguous, found in services %s: use --service",
			chr.Short(), strings.Join(in, ", "))
	}

	t := found[0]
	if descUUID == "" {
		return t, nil
	}

	desc, err := device.ParseUUID(descUUID)
	if err != nil {
		return target{}, fmt.Errorf("invalid descriptor UUID: %w", err)
	}
	for _, d := range t.Characteristic.Descriptors {
		if d.UUID == desc {
			t.Descriptor = &desc
			return t, nil
		}
	}
	return target{}, &device.Error{
		Kind: device.KindDescriptorNotFound,
		Op:   "resolve",
		Msg:  fmt.Sprintf("descriptor %s not found on characteristic %s", desc.Short(), chr.Short()),
	}
}

// parseCSVUUIDs splits a comma-separated UUID list, dropping empty entries
func parseCSVUUIDs(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
