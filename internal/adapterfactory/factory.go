// Package adapterfactory opens the platform backend selected by configuration.
package adapterfactory

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/adapter/goble"
	"github.com/srg/blecentral/internal/adapter/tinygo"
	"github.com/srg/blecentral/pkg/device"
)

const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Adapter is a platform backend that owns OS resources until closed
type Adapter interface {
	device.Adapter
	io.Closer
}

// Opener opens one backend
type Opener func(logger *logrus.Logger) (Adapter, error)

// Backends maps backend names to their openers. This is a variable so that
// it can be overridden in tests.
var Backends = map[string]Opener{
	BackendGoBLE: func(logger *logrus.Logger) (Adapter, error) {
		a, err := goble.New(logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
	BackendTinyGo: func(logger *logrus.Logger) (Adapter, error) {
		a, err := tinygo.New(logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	},
}

// New opens the named backend
func New(backend string, logger *logrus.Logger) (Adapter, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if name == "" {
		name = BackendGoBLE
	}

	open, ok := Backends[name]
	if !ok {
		return nil, device.Errorf(device.KindInvalidArgument, "unknown backend %q (supported: goble, tinygo)", backend)
	}

	if logger != nil {
		logger.WithField("backend", name).Debug("Opening BLE backend")
	}
	return open(logger)
}
