package ble

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/pkg/config"
	"github.com/srg/blecentral/pkg/device"
)

// Option configures a Client
type Option func(*clientOptions)

type clientOptions struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// WithConfig sets the client configuration. Zero values are not replaced by
// defaults; start from config.DefaultConfig.
func WithConfig(cfg *config.Config) Option {
	return func(o *clientOptions) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger shared by every client component
func WithLogger(logger *logrus.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// CallOption configures a single client call
type CallOption func(*callOptions)

type callOptions struct {
	tx      device.TransactionID
	timeout time.Duration
	filter  ScanFilter
}

// WithTransaction tags the call so it can be canceled with Client.Cancel
func WithTransaction(tx device.TransactionID) CallOption {
	return func(o *callOptions) {
		o.tx = tx
	}
}

// WithTimeout overrides the configured deadline of the call. For StartScan
// it stops the scan after the given duration.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// ScanFilter narrows the devices a scan reports
type ScanFilter struct {
	AllowList []device.DeviceID // report only these devices (empty = all)
	BlockList []device.DeviceID // never report these devices
}

// WithScanFilter restricts StartScan to the given devices
func WithScanFilter(f ScanFilter) CallOption {
	return func(o *callOptions) {
		o.filter = f
	}
}

func applyCallOptions(defaultTimeout time.Duration, opts []CallOption) callOptions {
	o := callOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
