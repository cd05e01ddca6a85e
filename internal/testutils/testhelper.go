package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/future"
	"github.com/stretchr/testify/require"
)

// DefaultWait bounds every blocking wait in tests
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a test helper whose logger records entries in Hook
// instead of printing them.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// HasLogEntry reports whether a message was logged at the given level
func (h *TestHelper) HasLogEntry(level logrus.Level, msg string) bool {
	for _, e := range h.Hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockPeripheralFromJSON(id device.DeviceID, jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	return NewPeripheralBuilder(id).FromJSON(jsonStrFmt, args...)
}

// BatteryPeripheral is a peripheral exposing the Battery Service with a
// readable, notifiable Battery Level of 100%
func BatteryPeripheral(id device.DeviceID) *PeripheralBuilder {
	return CreateMockPeripheralFromJSON(id, `{
		"services": [
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify", "value": [100],
					  "descriptors": [ { "uuid": "2902", "value": [0, 0] } ] }
				]
			},
			{
				"uuid": "180A",
				"characteristics": [
					{ "uuid": "2A29", "properties": "read", "value": [65, 67, 77, 69] },
					{ "uuid": "2A26", "properties": "write" }
				]
			}
		]
	}`)
}

// Await waits for f to resolve and returns its outcome. Fails the test when
// f does not resolve within DefaultWait.
func Await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(DefaultWait):
		require.FailNow(t, "future MUST resolve within the test deadline")
	}
	v, err, _ := f.Result()
	return v, err
}

// AwaitValue waits for f and requires it to succeed
func AwaitValue[T any](t *testing.T, f *future.Future[T]) T {
	t.Helper()
	v, err := Await(t, f)
	require.NoError(t, err, "future MUST resolve successfully")
	return v
}

// AwaitErrorKind waits for f and requires it to fail with kind
func AwaitErrorKind[T any](t *testing.T, f *future.Future[T], kind device.ErrorKind) error {
	t.Helper()
	_, err := Await(t, f)
	require.Error(t, err, "future MUST fail with %s", kind)
	require.Equal(t, kind.String(), device.KindOf(err).String(), "future MUST fail with the expected kind: %v", err)
	return err
}
