package goble

import (
	"errors"
	"strings"

	"github.com/srg/blecentral/pkg/device"
)

// errorPatterns maps known go-ble error strings onto the error taxonomy.
// Matching is case-insensitive and the first hit wins.
var errorPatterns = []struct {
	substr string
	kind   device.ErrorKind
}{
	{"central manager has invalid state", device.KindNotReady},
	{"bluetooth is turned off", device.KindNotReady},
	{"unauthorized", device.KindUnauthorized},
	{"device not connected", device.KindNotConnected},
	{"connection is not initialized", device.KindNotConnected},
	{"device already connected", device.KindAlreadyConnected},
	{"disconnected", device.KindNotConnected},
	{"not supported", device.KindUnsupported},
	{"timed out", device.KindTimeout},
	{"timeout", device.KindTimeout},
}

// NormalizeError maps a go-ble error onto the error taxonomy, keeping the
// original error as the cause. Unrecognized errors become GattFailure.
func NormalizeError(op string, id device.DeviceID, err error) error {
	if err == nil {
		return nil
	}

	var e *device.Error
	if errors.As(err, &e) {
		return device.NormalizeError(op, id, err)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(msg, p.substr) {
			return device.NewError(p.kind, op, id, err)
		}
	}
	return device.NormalizeError(op, id, err)
}

// isPoweredOff reports whether err says the radio is off
func isPoweredOff(err error) bool {
	return device.IsKind(err, device.KindNotReady)
}
