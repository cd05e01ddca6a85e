package goble

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/device"
)

// link is one established go-ble connection
type link struct {
	id     device.DeviceID
	client Client

	once sync.Once
	done chan struct{}

	mu   sync.Mutex
	idx  *gattIndex
	subs map[charKey]subscription
}

type subscription struct {
	char     *ble.Characteristic
	indicate bool
}

func newLink(id device.DeviceID, client Client) *link {
	return &link{
		id:     id,
		client: client,
		done:   make(chan struct{}),
		subs:   make(map[charKey]subscription),
	}
}

func (l *link) setIndex(idx *gattIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idx = idx
}

// characteristic resolves a handle from the last discovery
func (l *link) characteristic(op string, service, characteristic device.UUID) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.idx == nil {
		return nil, &device.Error{Kind: device.KindCharacteristicNotFound, Op: op, DeviceID: l.id, Msg: "services not discovered"}
	}
	ch, ok := l.idx.characteristics[charKey{service: service, characteristic: characteristic}]
	if !ok {
		return nil, &device.Error{
			Kind:     device.KindCharacteristicNotFound,
			Op:       op,
			DeviceID: l.id,
			Msg:      characteristic.Short() + " in service " + service.Short(),
		}
	}
	return ch, nil
}

func (l *link) descriptor(op string, service, characteristic, descriptor device.UUID) (*ble.Descriptor, error) {
	if _, err := l.characteristic(op, service, characteristic); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := descKey{charKey: charKey{service: service, characteristic: characteristic}, descriptor: descriptor}
	d, ok := l.idx.descriptors[key]
	if !ok {
		return nil, &device.Error{
			Kind:     device.KindDescriptorNotFound,
			Op:       op,
			DeviceID: l.id,
			Msg:      descriptor.Short() + " on characteristic " + characteristic.Short(),
		}
	}
	return d, nil
}

func (l *link) remember(key charKey, sub subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[key] = sub
}

func (l *link) forget(key charKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, key)
}

// subscriptions drains the active subscriptions
func (l *link) subscriptions() []subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]subscription, 0, len(l.subs))
	for k, s := range l.subs {
		out = append(out, s)
		delete(l.subs, k)
	}
	return out
}
