// Package registry is the session cache of known peripherals.
//
// Devices are inserted by scan results and connection events and are never
// deleted during a session; a device not seen since the last scan started is
// only marked stale. GATT caches live next to the device and are dropped on
// disconnect. Every accessor returns a deep copy.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/pkg/device"
)

type entry struct {
	mu         sync.RWMutex
	dev        device.Device
	services   []device.Service
	discovered bool
}

// Registry maps DeviceID to the last known state of a peripheral
type Registry struct {
	devices *hashmap.Map[device.DeviceID, *entry]
	logger  *logrus.Logger
	now     func() time.Time
}

// New creates an empty registry. A nil logger falls back to logrus.New().
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		devices: hashmap.New[device.DeviceID, *entry](),
		logger:  logger,
		now:     time.Now,
	}
}

func (r *Registry) getOrInsert(id device.DeviceID) (*entry, bool) {
	if e, ok := r.devices.Get(id); ok {
		return e, false
	}
	e, loaded := r.devices.GetOrInsert(id, &entry{dev: device.Device{ID: id}})
	return e, !loaded
}

func (r *Registry) lookup(id device.DeviceID) (*entry, error) {
	e, ok := r.devices.Get(id)
	if !ok {
		return nil, &device.Error{Kind: device.KindDeviceNotFound, DeviceID: id}
	}
	return e, nil
}

// ----------------------------
// Update points
// ----------------------------

// ApplyScanResult merges an advertisement snapshot into the registry and
// returns the merged device. isNew reports whether the device was inserted.
func (r *Registry) ApplyScanResult(adv device.Device) (merged device.Device, isNew bool) {
	e, isNew := r.getOrInsert(adv.ID)

	e.mu.Lock()
	mergeAdvertised(&e.dev, adv)
	e.dev.Stale = false
	if adv.LastSeen.IsZero() {
		e.dev.LastSeen = r.now()
	} else {
		e.dev.LastSeen = adv.LastSeen
	}
	merged = e.dev.Clone()
	e.mu.Unlock()

	if isNew {
		r.logger.WithFields(logrus.Fields{
			"device": merged.ID,
			"name":   merged.DisplayName(),
		}).Debug("Registered new device")
	}
	return merged, isNew
}

// mergeAdvertised folds the advertised fields of src into dst. Absent values
// in src never erase known values in dst.
func mergeAdvertised(dst *device.Device, src device.Device) {
	if src.Name != nil && *src.Name != "" {
		name := *src.Name
		dst.Name = &name
	} else if src.Advertisement.LocalName != "" {
		name := src.Advertisement.LocalName
		dst.Name = &name
	}
	if src.RSSI != nil {
		rssi := *src.RSSI
		dst.RSSI = &rssi
	}
	if src.Bonded != nil {
		bonded := *src.Bonded
		dst.Bonded = &bonded
	}
	dst.ServiceUUIDs = unionUUIDs(dst.ServiceUUIDs, src.ServiceUUIDs, src.Advertisement.ServiceUUIDs)

	a, s := &dst.Advertisement, src.Advertisement
	if s.LocalName != "" {
		a.LocalName = s.LocalName
	}
	if s.TxPowerLevel != nil {
		v := *s.TxPowerLevel
		a.TxPowerLevel = &v
	}
	if s.Appearance != nil {
		v := *s.Appearance
		a.Appearance = &v
	}
	if s.Flags != nil {
		v := *s.Flags
		a.Flags = &v
	}
	a.Connectable = s.Connectable
	a.ServiceUUIDs = unionUUIDs(a.ServiceUUIDs, s.ServiceUUIDs)
	for company, payload := range s.ManufacturerData {
		if a.ManufacturerData == nil {
			a.ManufacturerData = make(map[uint16][]byte)
		}
		a.ManufacturerData[company] = append([]byte(nil), payload...)
	}
	for uuid, payload := range s.ServiceData {
		if a.ServiceData == nil {
			a.ServiceData = make(map[device.UUID][]byte)
		}
		a.ServiceData[uuid] = append([]byte(nil), payload...)
	}
}

func unionUUIDs(base []device.UUID, more ...[]device.UUID) []device.UUID {
	seen := make(map[device.UUID]struct{}, len(base))
	out := append([]device.UUID(nil), base...)
	for _, u := range base {
		seen[u] = struct{}{}
	}
	for _, list := range more {
		for _, u := range list {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// SetConnected records a link state change. A device that was never seen in
// a scan is inserted. Going down drops the GATT cache.
func (r *Registry) SetConnected(id device.DeviceID, connected bool) {
	e, _ := r.getOrInsert(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.dev.Connected = connected
	if connected {
		e.dev.Stale = false
		return
	}
	e.services = nil
	e.discovered = false
}

// SetServices replaces the GATT cache with a completed discovery result
func (r *Registry) SetServices(id device.DeviceID, services []device.Service) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	cp := make([]device.Service, len(services))
	for i, s := range services {
		cp[i] = s.Clone()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.services = cp
	e.discovered = true
	return nil
}

// ClearGATT drops the GATT cache but keeps identity and advertisement data
func (r *Registry) ClearGATT(id device.DeviceID) {
	e, ok := r.devices.Get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.services = nil
	e.discovered = false
}

// SetNotifying updates the live notify flag of a cached characteristic
func (r *Registry) SetNotifying(id device.DeviceID, service, characteristic device.UUID, notifying bool) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := findCharacteristic(id, e.services, service, characteristic)
	if err != nil {
		return err
	}
	ch.Notifying = notifying
	return nil
}

// SetRSSI stores a fresh signal strength sample
func (r *Registry) SetRSSI(id device.DeviceID, rssi int) {
	e, _ := r.getOrInsert(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dev.RSSI = &rssi
}

// SetBonded stores the bond flag of a device
func (r *Registry) SetBonded(id device.DeviceID, bonded bool) {
	e, _ := r.getOrInsert(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dev.Bonded = &bonded
}

// MarkStale flags every device that is not currently connected as stale.
// Called when a new scan session starts. Returns the number of devices marked.
func (r *Registry) MarkStale() int {
	marked := 0
	r.devices.Range(func(_ device.DeviceID, e *entry) bool {
		e.mu.Lock()
		if !e.dev.Connected {
			e.dev.Stale = true
			marked++
		}
		e.mu.Unlock()
		return true
	})
	return marked
}

// ----------------------------
// Read accessors
// ----------------------------

// Device returns a snapshot of a known device
func (r *Registry) Device(id device.DeviceID) (device.Device, bool) {
	e, ok := r.devices.Get(id)
	if !ok {
		return device.Device{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dev.Clone(), true
}

// KnownDevices returns snapshots of every device seen this session, sorted by id
func (r *Registry) KnownDevices() []device.Device {
	out := make([]device.Device, 0, r.devices.Len())
	r.devices.Range(func(_ device.DeviceID, e *entry) bool {
		e.mu.RLock()
		out = append(out, e.dev.Clone())
		e.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	return r.devices.Len()
}

// Discovered reports whether discovery has completed since the last disconnect
func (r *Registry) Discovered(id device.DeviceID) bool {
	e, ok := r.devices.Get(id)
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.discovered
}

// Services returns the cached GATT tree of a device
func (r *Registry) Services(id device.DeviceID) ([]device.Service, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]device.Service, len(e.services))
	for i, s := range e.services {
		out[i] = s.Clone()
	}
	return out, nil
}

// Service returns one cached service
func (r *Registry) Service(id device.DeviceID, service device.UUID) (device.Service, error) {
	e, err := r.lookup(id)
	if err != nil {
		return device.Service{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, s := range e.services {
		if s.UUID == service {
			return s.Clone(), nil
		}
	}
	return device.Service{}, &device.Error{
		Kind:     device.KindCharacteristicNotFound,
		DeviceID: id,
		Msg:      "service " + service.Short() + " not found",
	}
}

// Characteristic returns one cached characteristic
func (r *Registry) Characteristic(id device.DeviceID, service, characteristic device.UUID) (device.Characteristic, error) {
	e, err := r.lookup(id)
	if err != nil {
		return device.Characteristic{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	ch, err := findCharacteristic(id, e.services, service, characteristic)
	if err != nil {
		return device.Characteristic{}, err
	}
	return ch.Clone(), nil
}

// Descriptor returns one cached descriptor
func (r *Registry) Descriptor(id device.DeviceID, service, characteristic, descriptor device.UUID) (device.Descriptor, error) {
	ch, err := r.Characteristic(id, service, characteristic)
	if err != nil {
		return device.Descriptor{}, err
	}
	for _, d := range ch.Descriptors {
		if d.UUID == descriptor {
			return d, nil
		}
	}
	return device.Descriptor{}, &device.Error{
		Kind:     device.KindDescriptorNotFound,
		DeviceID: id,
		Msg:      "descriptor " + descriptor.Short() + " not found on characteristic " + characteristic.Short(),
	}
}

// findCharacteristic returns a pointer into services; callers hold the entry lock
func findCharacteristic(id device.DeviceID, services []device.Service, service, characteristic device.UUID) (*device.Characteristic, error) {
	for i := range services {
		if services[i].UUID != service {
			continue
		}
		chars := services[i].Characteristics
		for j := range chars {
			if chars[j].UUID == characteristic {
				return &chars[j], nil
			}
		}
		return nil, &device.Error{
			Kind:     device.KindCharacteristicNotFound,
			DeviceID: id,
			Msg:      "characteristic " + characteristic.Short() + " not found in service " + service.Short(),
		}
	}
	return nil, &device.Error{
		Kind:     device.KindCharacteristicNotFound,
		DeviceID: id,
		Msg:      "service " + service.Short() + " not found",
	}
}
