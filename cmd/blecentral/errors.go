package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blecentral/pkg/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link went down while a command was
	// still using it. A device that was never connected fails with the
	// NotConnected kind instead.
	ErrConnectionLost = errors.New("connection lost")
)

// hints are appended to the error text of the matching kind
var hints = map[device.ErrorKind]string{
	device.KindNotReady:               "is Bluetooth turned on?",
	device.KindUnauthorized:           "grant Bluetooth access to this terminal and retry",
	device.KindUnsupported:            "the selected backend does not support this operation; try --backend",
	device.KindTimeout:                "is the device in range and advertising?",
	device.KindDeviceNotFound:         "use 'blecentral scan' to discover devices",
	device.KindConnectFailed:          "is the device in range and accepting connections?",
	device.KindCharacteristicNotFound: "use 'blecentral inspect' to list the device profile",
	device.KindDescriptorNotFound:     "use 'blecentral inspect' to list the device profile",
	device.KindBusy:                   "another operation is already running",
}

// FormatUserError turns an error into a single line for the terminal,
// adding a hint for the failure kinds a user can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "operation timed out"
	}
	if errors.Is(err, ErrConnectionLost) {
		return "connection to the device was lost"
	}

	msg := err.Error()
	if hint, ok := hints[device.KindOf(err)]; ok {
		return fmt.Sprintf("%s (%s)", msg, hint)
	}
	return msg
}
