package adapterfactory

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closableMock struct {
	*testutils.MockAdapter
}

func (closableMock) Close() error { return nil }

func withBackends(t *testing.T, backends map[string]Opener) {
	saved := Backends
	Backends = backends
	t.Cleanup(func() { Backends = saved })
}

func TestNewSelectsBackend(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var opened []string
	withBackends(t, map[string]Opener{
		BackendGoBLE: func(*logrus.Logger) (Adapter, error) {
			opened = append(opened, BackendGoBLE)
			return closableMock{testutils.NewMockAdapter()}, nil
		},
		BackendTinyGo: func(*logrus.Logger) (Adapter, error) {
			opened = append(opened, BackendTinyGo)
			return closableMock{testutils.NewMockAdapter()}, nil
		},
	})

	_, err := New("", logger)
	require.NoError(t, err)
	_, err = New(" TinyGo ", logger)
	require.NoError(t, err)

	assert.Equal(t, []string{BackendGoBLE, BackendTinyGo}, opened, "empty name MUST default to goble and names MUST be case-insensitive")
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New("bluez-raw", nil)
	assert.ErrorIs(t, err, device.ErrInvalidArgument)
}

func TestNewPropagatesOpenFailure(t *testing.T) {
	cause := &device.Error{Kind: device.KindNotReady, Msg: "radio off"}
	withBackends(t, map[string]Opener{
		BackendGoBLE: func(*logrus.Logger) (Adapter, error) { return nil, cause },
	})

	a, err := New(BackendGoBLE, nil)
	assert.Nil(t, a)
	assert.True(t, errors.Is(err, device.ErrNotReady))
}
