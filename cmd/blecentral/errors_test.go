package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), "operation timed out"},
		{"link loss", fmt.Errorf("%w: peer reset", ErrConnectionLost), "connection to the device was lost"},
		{"plain", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

func TestFormatUserErrorAddsHints(t *testing.T) {
	err := &device.Error{Kind: device.KindNotReady, Op: "scan", Msg: "adapter is powered off"}
	got := FormatUserError(err)
	assert.Contains(t, got, err.Error())
	assert.Contains(t, got, "Bluetooth turned on")

	wrapped := fmt.Errorf("failed to subscribe: %w", device.Errorf(device.KindCharacteristicNotFound, "2a37"))
	assert.Contains(t, FormatUserError(wrapped), "blecentral inspect")
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
