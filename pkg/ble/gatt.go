package ble

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/connection"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/future"
)

// MTU bounds accepted by RequestMTU
const (
	MinMTU = 23
	MaxMTU = 517
)

func (c *Client) call(callOpts []CallOption) callOptions {
	return applyCallOptions(c.cfg.OperationTimeout, callOpts)
}

// parseUUIDs parses GATT path components, naming the offending one on failure
func parseUUIDs(op string, id device.DeviceID, names []string, values ...string) ([]device.UUID, error) {
	out := make([]device.UUID, len(values))
	for i, v := range values {
		u, err := device.ParseUUID(v)
		if err != nil {
			return nil, &device.Error{Kind: device.KindInvalidArgument, Op: op, DeviceID: id, Msg: names[i], Err: err}
		}
		out[i] = u
	}
	return out, nil
}

var (
	chrPath = []string{"service", "characteristic"}
	dscPath = []string{"service", "characteristic", "descriptor"}
)

// discoveredLink rejects GATT attribute access unless the link is up and
// discovery has completed since it came up. kind is reported for a link that
// is up but not yet discovered.
func (c *Client) discoveredLink(op string, id device.DeviceID, kind device.ErrorKind) error {
	if state := c.machine.State(id); !state.AcceptsGATT() {
		return &device.Error{Kind: device.KindNotConnected, Op: op, DeviceID: id, Msg: "link is " + state.String()}
	}
	if !c.registry.Discovered(id) {
		return &device.Error{Kind: kind, Op: op, DeviceID: id,
			Msg: "services not discovered on the current link"}
	}
	return nil
}

// cachedCharacteristic returns the characteristic from the discovery cache of
// the current link
func (c *Client) cachedCharacteristic(op string, id device.DeviceID, svc, chr device.UUID) (device.Characteristic, error) {
	if err := c.discoveredLink(op, id, device.KindCharacteristicNotFound); err != nil {
		return device.Characteristic{}, err
	}
	ch, err := c.registry.Characteristic(id, svc, chr)
	if err != nil {
		return device.Characteristic{}, device.NormalizeError(op, id, err)
	}
	return ch, nil
}

// ----------------------------
// Discovery
// ----------------------------

// DiscoverServices returns the GATT services of a connected device. Once a
// discovery has succeeded on the current link the cached tree is returned
// without radio traffic.
func (c *Client) DiscoverServices(id device.DeviceID, callOpts ...CallOption) *future.Future[[]device.Service] {
	if err := c.ready("discover"); err != nil {
		return future.Failed[[]device.Service](err)
	}
	co := c.call(callOpts)

	if c.machine.State(id) == connection.Ready && c.registry.Discovered(id) {
		services, err := c.registry.Services(id)
		if err == nil {
			return future.Resolved(services)
		}
	}
	return c.machine.Discover(id, co.tx)
}

// DiscoverCharacteristics returns the characteristics of one service,
// discovering the device first if needed
func (c *Client) DiscoverCharacteristics(id device.DeviceID, service string, callOpts ...CallOption) *future.Future[[]device.Characteristic] {
	uuids, err := parseUUIDs("discover_characteristics", id, chrPath[:1], service)
	if err != nil {
		return future.Failed[[]device.Characteristic](err)
	}
	return future.Map(c.DiscoverServices(id, callOpts...), func([]device.Service) ([]device.Characteristic, error) {
		svc, err := c.registry.Service(id, uuids[0])
		if err != nil {
			return nil, device.NormalizeError("discover_characteristics", id, err)
		}
		return svc.Characteristics, nil
	})
}

// DiscoverDescriptors returns the descriptors of one characteristic,
// discovering the device first if needed
func (c *Client) DiscoverDescriptors(id device.DeviceID, service, characteristic string, callOpts ...CallOption) *future.Future[[]device.Descriptor] {
	uuids, err := parseUUIDs("discover_descriptors", id, chrPath, service, characteristic)
	if err != nil {
		return future.Failed[[]device.Descriptor](err)
	}
	return future.Map(c.DiscoverServices(id, callOpts...), func([]device.Service) ([]device.Descriptor, error) {
		ch, err := c.registry.Characteristic(id, uuids[0], uuids[1])
		if err != nil {
			return nil, device.NormalizeError("discover_descriptors", id, err)
		}
		return ch.Descriptors, nil
	})
}

// ----------------------------
// Characteristic I/O
// ----------------------------

// Read reads a characteristic value
func (c *Client) Read(id device.DeviceID, service, characteristic string, callOpts ...CallOption) *future.Future[[]byte] {
	const op = "read"
	if err := c.ready(op); err != nil {
		return future.Failed[[]byte](err)
	}
	uuids, err := parseUUIDs(op, id, chrPath, service, characteristic)
	if err != nil {
		return future.Failed[[]byte](err)
	}
	svc, chr := uuids[0], uuids[1]

	ch, err := c.cachedCharacteristic(op, id, svc, chr)
	if err != nil {
		return future.Failed[[]byte](err)
	}
	if !ch.Properties.Has(device.PropRead) {
		return future.Failed[[]byte](&device.Error{Kind: device.KindUnsupported, Op: op, DeviceID: id,
			Msg: fmt.Sprintf("characteristic %s is not readable (%s)", chr.Short(), ch.Properties)})
	}

	co := c.call(callOpts)
	return connection.Do(c.machine, id, op, co.tx, co.timeout, func(ctx context.Context) ([]byte, error) {
		return c.adapter.Read(ctx, id, svc, chr)
	})
}

// Write writes a characteristic value
func (c *Client) Write(id device.DeviceID, service, characteristic string, data []byte, opts device.WriteOptions, callOpts ...CallOption) *future.Future[Void] {
	const op = "write"
	if err := c.ready(op); err != nil {
		return future.Failed[Void](err)
	}
	uuids, err := parseUUIDs(op, id, chrPath, service, characteristic)
	if err != nil {
		return future.Failed[Void](err)
	}
	svc, chr := uuids[0], uuids[1]

	ch, err := c.cachedCharacteristic(op, id, svc, chr)
	if err != nil {
		return future.Failed[Void](err)
	}
	required := device.PropWriteWithoutResponse
	if opts.WithResponse {
		required = device.PropWrite
	}
	if !ch.Properties.Has(required) {
		return future.Failed[Void](&device.Error{Kind: device.KindUnsupported, Op: op, DeviceID: id,
			Msg: fmt.Sprintf("characteristic %s does not support %s (%s)", chr.Short(), required, ch.Properties)})
	}

	payload := append([]byte(nil), data...)
	co := c.call(callOpts)
	return connection.Do(c.machine, id, op, co.tx, co.timeout, func(ctx context.Context) (Void, error) {
		return Void{}, c.adapter.Write(ctx, id, svc, chr, payload, opts)
	})
}

// ReadDescriptor reads a descriptor value
func (c *Client) ReadDescriptor(id device.DeviceID, service, characteristic, descriptor string, callOpts ...CallOption) *future.Future[[]byte] {
	const op = "read_descriptor"
	if err := c.ready(op); err != nil {
		return future.Failed[[]byte](err)
	}
	uuids, err := parseUUIDs(op, id, dscPath, service, characteristic, descriptor)
	if err != nil {
		return future.Failed[[]byte](err)
	}
	if err := c.checkDescriptor(op, id, uuids); err != nil {
		return future.Failed[[]byte](err)
	}

	co := c.call(callOpts)
	return connection.Do(c.machine, id, op, co.tx, co.timeout, func(ctx context.Context) ([]byte, error) {
		return c.adapter.ReadDescriptor(ctx, id, uuids[0], uuids[1], uuids[2])
	})
}

// WriteDescriptor writes a descriptor value
func (c *Client) WriteDescriptor(id device.DeviceID, service, characteristic, descriptor string, data []byte, callOpts ...CallOption) *future.Future[Void] {
	const op = "write_descriptor"
	if err := c.ready(op); err != nil {
		return future.Failed[Void](err)
	}
	uuids, err := parseUUIDs(op, id, dscPath, service, characteristic, descriptor)
	if err != nil {
		return future.Failed[Void](err)
	}
	if err := c.checkDescriptor(op, id, uuids); err != nil {
		return future.Failed[Void](err)
	}

	payload := append([]byte(nil), data...)
	co := c.call(callOpts)
	return connection.Do(c.machine, id, op, co.tx, co.timeout, func(ctx context.Context) (Void, error) {
		return Void{}, c.adapter.WriteDescriptor(ctx, id, uuids[0], uuids[1], uuids[2], payload)
	})
}

func (c *Client) checkDescriptor(op string, id device.DeviceID, uuids []device.UUID) error {
	if err := c.discoveredLink(op, id, device.KindDescriptorNotFound); err != nil {
		return err
	}
	if _, err := c.registry.Descriptor(id, uuids[0], uuids[1], uuids[2]); err != nil {
		return device.NormalizeError(op, id, err)
	}
	return nil
}

// ----------------------------
// Notifications
// ----------------------------

// Subscribe enables notifications (or indications) of a characteristic.
// Values arrive as Notification events. Requires a discovered device.
func (c *Client) Subscribe(id device.DeviceID, service, characteristic string, callOpts ...CallOption) *future.Future[Void] {
	return c.setNotify("subscribe", id, service, characteristic, true, callOpts)
}

// Unsubscribe disables notifications of a characteristic
func (c *Client) Unsubscribe(id device.DeviceID, service, characteristic string, callOpts ...CallOption) *future.Future[Void] {
	return c.setNotify("unsubscribe", id, service, characteristic, false, callOpts)
}

func (c *Client) setNotify(op string, id device.DeviceID, service, characteristic string, enable bool, callOpts []CallOption) *future.Future[Void] {
	if err := c.ready(op); err != nil {
		return future.Failed[Void](err)
	}
	uuids, err := parseUUIDs(op, id, chrPath, service, characteristic)
	if err != nil {
		return future.Failed[Void](err)
	}
	svc, chr := uuids[0], uuids[1]

	if err := c.discoveredLink(op, id, device.KindCharacteristicNotFound); err != nil {
		return future.Failed[Void](err)
	}
	if err := c.checkNotify(op, id, svc, chr, enable); err != nil {
		return future.Failed[Void](err)
	}

	co := c.call(callOpts)
	return connection.Do(c.machine, id, op, co.tx, co.timeout, func(ctx context.Context) (Void, error) {
		// operations of one device are serialized, so this sees every earlier toggle
		if err := c.checkNotify(op, id, svc, chr, enable); err != nil {
			return Void{}, err
		}
		if err := c.adapter.SetNotify(ctx, id, svc, chr, enable); err != nil {
			return Void{}, err
		}
		if err := c.registry.SetNotifying(id, svc, chr, enable); err != nil {
			return Void{}, err
		}
		c.logger.WithFields(logrus.Fields{
			"device":         id,
			"service":        svc.Short(),
			"characteristic": chr.Short(),
			"enabled":        enable,
		}).Debug("Notification state changed")
		return Void{}, nil
	})
}

func (c *Client) checkNotify(op string, id device.DeviceID, svc, chr device.UUID, enable bool) error {
	ch, err := c.registry.Characteristic(id, svc, chr)
	if err != nil {
		return device.NormalizeError(op, id, err)
	}
	switch {
	case !ch.Properties.CanNotify():
		return &device.Error{Kind: device.KindUnsupported, Op: op, DeviceID: id,
			Msg: fmt.Sprintf("characteristic %s does not support notify or indicate (%s)", chr.Short(), ch.Properties)}
	case enable && ch.Notifying:
		return &device.Error{Kind: device.KindSubscriptionExists, Op: op, DeviceID: id,
			Msg: fmt.Sprintf("characteristic %s is already subscribed", chr.Short())}
	case !enable && !ch.Notifying:
		return &device.Error{Kind: device.KindNotSubscribed, Op: op, DeviceID: id,
			Msg: fmt.Sprintf("characteristic %s is not subscribed", chr.Short())}
	}
	return nil
}

// ----------------------------
// Link extras
// ----------------------------

// ReadRSSI samples the signal strength of a connected device. The value is
// stored in the registry and published as an RSSIRead event.
func (c *Client) ReadRSSI(id device.DeviceID, callOpts ...CallOption) *future.Future[int] {
	const op = "read_rssi"
	if err := c.ready(op); err != nil {
		return future.Failed[int](err)
	}
	co := c.call(callOpts)
	return connection.Do(c.machine, id, op, co.tx, co.timeout, func(ctx context.Context) (int, error) {
		rssi, err := c.adapter.ReadRSSI(ctx, id)
		if err != nil {
			return 0, err
		}
		c.registry.SetRSSI(id, rssi)
		c.bus.Emit(device.RSSIRead{ID: id, RSSI: rssi})
		return rssi, nil
	})
}

// RequestMTU negotiates the ATT MTU and returns the value actually agreed
func (c *Client) RequestMTU(id device.DeviceID, mtu int, callOpts ...CallOption) *future.Future[int] {
	const op = "request_mtu"
	if err := c.ready(op); err != nil {
		return future.Failed[int](err)
	}
	if mtu < MinMTU || mtu > MaxMTU {
		return future.Failed[int](&device.Error{Kind: device.KindInvalidArgument, Op: op, DeviceID: id,
			Msg: fmt.Sprintf("mtu %d out of range [%d, %d]", mtu, MinMTU, MaxMTU)})
	}
	co := c.call(callOpts)
	return connection.Do(c.machine, id, op, co.tx, co.timeout, func(ctx context.Context) (int, error) {
		return c.adapter.RequestMTU(ctx, id, mtu)
	})
}

// SetConnectionPriority passes a connection priority hint to the adapter.
// Adapters that do not support it succeed without doing anything.
func (c *Client) SetConnectionPriority(id device.DeviceID, priority device.ConnectionPriority) error {
	const op = "set_connection_priority"
	if err := c.ready(op); err != nil {
		return err
	}
	if state := c.machine.State(id); !state.AcceptsGATT() {
		return &device.Error{Kind: device.KindNotConnected, Op: op, DeviceID: id, Msg: "link is " + state.String()}
	}

	err := c.adapter.SetConnectionPriority(id, priority)
	if device.IsKind(err, device.KindUnsupported) {
		c.logger.WithFields(logrus.Fields{
			"device":   id,
			"priority": priority.String(),
		}).Debug("Connection priority not supported by adapter, ignoring")
		return nil
	}
	return device.NormalizeError(op, id, err)
}

// ----------------------------
// Bonding
// ----------------------------

// CreateBond pairs with a connected device when the adapter supports
// bonding and succeeds without doing anything otherwise
func (c *Client) CreateBond(id device.DeviceID, callOpts ...CallOption) *future.Future[Void] {
	return c.bond("create_bond", id, true, callOpts)
}

// RemoveBond removes the pairing with a connected device when the adapter
// supports bonding and succeeds without doing anything otherwise
func (c *Client) RemoveBond(id device.DeviceID, callOpts ...CallOption) *future.Future[Void] {
	return c.bond("remove_bond", id, false, callOpts)
}

func (c *Client) bond(op string, id device.DeviceID, bonded bool, callOpts []CallOption) *future.Future[Void] {
	if err := c.ready(op); err != nil {
		return future.Failed[Void](err)
	}
	bonder, ok := c.adapter.(device.Bonder)
	if !ok {
		c.logger.WithField("device", id).Debug("Adapter does not support bonding, ignoring")
		return future.Resolved(Void{})
	}

	co := c.call(callOpts)
	return connection.Do(c.machine, id, op, co.tx, co.timeout, func(ctx context.Context) (Void, error) {
		var err error
		if bonded {
			err = bonder.CreateBond(ctx, id)
		} else {
			err = bonder.RemoveBond(ctx, id)
		}
		if err != nil {
			return Void{}, err
		}
		c.registry.SetBonded(id, bonded)
		return Void{}, nil
	})
}
