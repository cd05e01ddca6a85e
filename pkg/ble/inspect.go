package ble

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/gattvalue"
	"github.com/srg/blecentral/pkg/device"
)

// InspectOptions defines options for inspecting a device's GATT profile
type InspectOptions struct {
	Connect   device.ConnectOptions
	ReadLimit int  // bytes kept per value preview; 0 disables characteristic reads
	KeepLink  bool // leave the device connected afterwards
}

// InspectResult is a structured representation of a device's GATT discovery results
// together with a snapshot of the registry entry
type InspectResult struct {
	Device   device.Device `json:"-"`
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Services []ServiceInfo `json:"services"`
}

type ServiceInfo struct {
	UUID            string               `json:"uuid"`
	Name            string               `json:"name,omitempty"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

type CharacteristicInfo struct {
	UUID        string           `json:"uuid"`
	Name        string           `json:"name,omitempty"`
	Properties  string           `json:"properties"`
	ValueHex    string           `json:"value_hex,omitempty"`
	ValueASCII  string           `json:"value_ascii,omitempty"`
	Value       string           `json:"value,omitempty"` // decoded form of well-known characteristics
	ReadError   string           `json:"read_error,omitempty"`
	Descriptors []DescriptorInfo `json:"descriptors,omitempty"`
}

type DescriptorInfo struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name,omitempty"`
	ValueHex  string `json:"value_hex,omitempty"`
	Value     string `json:"value,omitempty"` // decoded form of well-known descriptors
	ReadError string `json:"read_error,omitempty"`
}

var gapDeviceName = device.MustParseUUID("2A00")

// Inspect connects to a device (unless already linked), discovers its
// profile and optionally reads every readable characteristic and every
// descriptor for a preview. Read failures are recorded per attribute and do
// not fail the call.
func (c *Client) Inspect(ctx context.Context, id device.DeviceID, opts InspectOptions, callOpts ...CallOption) (*InspectResult, error) {
	connected := false
	if !c.State(id).AcceptsGATT() {
		c.logger.WithField("device", id).Info("Connecting to BLE device...")
		if _, err := c.Connect(id, opts.Connect, callOpts...).Wait(ctx); err != nil {
			return nil, err
		}
		connected = true
	}
	if connected && !opts.KeepLink {
		defer func() {
			// detached from ctx so an interrupted inspect still releases the link
			if _, err := c.Disconnect(id).Wait(context.Background()); err != nil {
				c.logger.WithFields(logrus.Fields{
					"device": id,
					"error":  err,
				}).Warn("Failed to disconnect after inspect")
			}
		}()
	}

	c.logger.WithField("device", id).Info("Discovering profile (services/characteristics)...")
	services, err := c.DiscoverServices(id, callOpts...).Wait(ctx)
	if err != nil {
		return nil, err
	}

	res := &InspectResult{ID: string(id), Services: make([]ServiceInfo, 0, len(services))}
	for _, svc := range services {
		si := ServiceInfo{
			UUID:            svc.UUID.Short(),
			Name:            bledb.LookupService(svc.UUID.String()),
			Characteristics: make([]CharacteristicInfo, 0, len(svc.Characteristics)),
		}

		for _, ch := range svc.Characteristics {
			ci := CharacteristicInfo{
				UUID:       ch.UUID.Short(),
				Name:       bledb.LookupCharacteristic(ch.UUID.String()),
				Properties: ch.Properties.String(),
			}

			if opts.ReadLimit > 0 && ch.Properties.Has(device.PropRead) {
				data, err := c.Read(id, svc.UUID.String(), ch.UUID.String(), callOpts...).Wait(ctx)
				switch {
				case err != nil:
					ci.ReadError = err.Error()
					c.logger.WithFields(logrus.Fields{
						"device":         id,
						"characteristic": ch.UUID.Short(),
						"error":          err,
					}).Debug("Inspect read failed")
				case len(data) > 0:
					ci.Value = gattvalue.DescribeCharacteristic(ch.UUID, data)
					trim := data
					if len(trim) > opts.ReadLimit {
						trim = trim[:opts.ReadLimit]
					}
					ci.ValueHex = strings.ToUpper(hex.EncodeToString(trim))
					ci.ValueASCII = asciiPreview(trim)
					if ch.UUID == gapDeviceName {
						res.Name = ci.ValueASCII
					}
				}
				if ctx.Err() != nil {
					return nil, device.NormalizeError("inspect", id, ctx.Err())
				}
			}

			for _, d := range ch.Descriptors {
				di := DescriptorInfo{
					UUID: d.UUID.Short(),
					Name: bledb.LookupDescriptor(d.UUID.String()),
				}
				if opts.ReadLimit > 0 {
					data, err := c.ReadDescriptor(id, svc.UUID.String(), ch.UUID.String(), d.UUID.String(), callOpts...).Wait(ctx)
					switch {
					case err != nil:
						di.ReadError = err.Error()
					case len(data) > 0:
						di.Value = gattvalue.Describe(d.UUID, data)
						if len(data) > opts.ReadLimit {
							data = data[:opts.ReadLimit]
						}
						di.ValueHex = strings.ToUpper(hex.EncodeToString(data))
					}
					if ctx.Err() != nil {
						return nil, device.NormalizeError("inspect", id, ctx.Err())
					}
				}
				ci.Descriptors = append(ci.Descriptors, di)
			}
			si.Characteristics = append(si.Characteristics, ci)
		}
		res.Services = append(res.Services, si)
	}

	if dev, ok := c.Device(id); ok {
		res.Device = dev
		if res.Name == "" && dev.Name != nil {
			res.Name = *dev.Name
		}
	}
	return res, nil
}

// asciiPreview returns a safe ASCII preview, replacing non-printable bytes with '.'
func asciiPreview(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
