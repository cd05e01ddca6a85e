package testutils

import (
	"context"
	"sync"

	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
)

// MockAdapter is a testify mock of device.Adapter and device.Bonder.
//
// Power state and the event sink are plain fields so tests can drive them
// without expectations; every radio call goes through m.Called. Use Emit to
// inject adapter events as a real backend would.
type MockAdapter struct {
	mock.Mock

	mu    sync.Mutex
	state device.AdapterState
	sink  device.EventSink
}

// NewMockAdapter creates a powered-on mock adapter
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{state: device.AdapterPoweredOn}
}

func (m *MockAdapter) State() device.AdapterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetPowerState changes the radio state and emits AdapterStateChanged
func (m *MockAdapter) SetPowerState(s device.AdapterState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.Emit(device.AdapterStateChanged{State: s})
}

func (m *MockAdapter) SetEventSink(sink device.EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Emit delivers ev to the registered sink, if any
func (m *MockAdapter) Emit(ev device.Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// EmitConnected reports the link to id as up
func (m *MockAdapter) EmitConnected(id device.DeviceID) {
	m.Emit(device.DeviceStateChanged{ID: id, Connected: true})
}

// EmitDisconnected reports the link to id as down
func (m *MockAdapter) EmitDisconnected(id device.DeviceID, reason error) {
	m.Emit(device.DeviceStateChanged{ID: id, Connected: false, Err: reason})
}

// ----------------------------
// device.Adapter
// ----------------------------

func (m *MockAdapter) StartScan(opts device.ScanOptions) error {
	return m.Called(opts).Error(0)
}

func (m *MockAdapter) StopScan() error {
	return m.Called().Error(0)
}

func (m *MockAdapter) Connect(ctx context.Context, id device.DeviceID, opts device.ConnectOptions) error {
	return m.Called(ctx, id, opts).Error(0)
}

func (m *MockAdapter) Disconnect(ctx context.Context, id device.DeviceID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAdapter) Discover(ctx context.Context, id device.DeviceID) ([]device.Service, error) {
	args := m.Called(ctx, id)
	services, _ := args.Get(0).([]device.Service)
	return services, args.Error(1)
}

func (m *MockAdapter) Read(ctx context.Context, id device.DeviceID, service, characteristic device.UUID) ([]byte, error) {
	args := m.Called(ctx, id, service, characteristic)
	value, _ := args.Get(0).([]byte)
	return value, args.Error(1)
}

func (m *MockAdapter) Write(ctx context.Context, id device.DeviceID, service, characteristic device.UUID, data []byte, opts device.WriteOptions) error {
	return m.Called(ctx, id, service, characteristic, data, opts).Error(0)
}

func (m *MockAdapter) SetNotify(ctx context.Context, id device.DeviceID, service, characteristic device.UUID, enable bool) error {
	return m.Called(ctx, id, service, characteristic, enable).Error(0)
}

func (m *MockAdapter) ReadDescriptor(ctx context.Context, id device.DeviceID, service, characteristic, descriptor device.UUID) ([]byte, error) {
	args := m.Called(ctx, id, service, characteristic, descriptor)
	value, _ := args.Get(0).([]byte)
	return value, args.Error(1)
}

func (m *MockAdapter) WriteDescriptor(ctx context.Context, id device.DeviceID, service, characteristic, descriptor device.UUID, data []byte) error {
	return m.Called(ctx, id, service, characteristic, descriptor, data).Error(0)
}

func (m *MockAdapter) ReadRSSI(ctx context.Context, id device.DeviceID) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockAdapter) RequestMTU(ctx context.Context, id device.DeviceID, mtu int) (int, error) {
	args := m.Called(ctx, id, mtu)
	return args.Int(0), args.Error(1)
}

func (m *MockAdapter) SetConnectionPriority(id device.DeviceID, priority device.ConnectionPriority) error {
	return m.Called(id, priority).Error(0)
}

// ----------------------------
// device.Bonder
// ----------------------------

func (m *MockAdapter) CreateBond(ctx context.Context, id device.DeviceID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAdapter) RemoveBond(ctx context.Context, id device.DeviceID) error {
	return m.Called(ctx, id).Error(0)
}

// ----------------------------
// Expectation helpers
// ----------------------------

// ExpectConnect makes Connect succeed and confirm the link with a
// DeviceStateChanged event before returning
func (m *MockAdapter) ExpectConnect(id device.DeviceID) *mock.Call {
	return m.On("Connect", mock.Anything, id, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		m.EmitConnected(id)
	})
}

// ExpectDisconnect makes Disconnect succeed and confirm the link loss with a
// DeviceStateChanged event before returning
func (m *MockAdapter) ExpectDisconnect(id device.DeviceID) *mock.Call {
	return m.On("Disconnect", mock.Anything, id).Return(nil).Run(func(mock.Arguments) {
		m.EmitDisconnected(id, nil)
	})
}

// ExpectSilentConnect makes Connect succeed without ever confirming the link,
// simulating a peripheral that does not answer
func (m *MockAdapter) ExpectSilentConnect(id device.DeviceID) *mock.Call {
	return m.On("Connect", mock.Anything, id, mock.Anything).Return(nil)
}

// ExpectSilentDisconnect makes Disconnect succeed without a confirmation event
func (m *MockAdapter) ExpectSilentDisconnect(id device.DeviceID) *mock.Call {
	return m.On("Disconnect", mock.Anything, id).Return(nil)
}
