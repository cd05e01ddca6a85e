package main

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/adapterfactory"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent mock device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// closableAdapter lets the mock stand in for a real backend
type closableAdapter struct {
	*testutils.MockAdapter
}

func (closableAdapter) Close() error { return nil }

// CommandTestSuite runs commands against a mock adapter. Embed it in every
// command suite.
type CommandTestSuite struct {
	suite.Suite
	Adapter *testutils.MockAdapter

	savedOpen func(string, *logrus.Logger) (adapterfactory.Adapter, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Adapter = testutils.NewMockAdapter()
	s.Adapter.On("StopScan").Return(nil).Maybe()

	s.savedOpen = openAdapter
	openAdapter = func(string, *logrus.Logger) (adapterfactory.Adapter, error) {
		return closableAdapter{s.Adapter}, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	openAdapter = s.savedOpen
}

// Battery attaches the battery peripheral at TestDeviceAddress1
func (s *CommandTestSuite) Battery() *testutils.PeripheralBuilder {
	p := testutils.BatteryPeripheral(TestDeviceAddress1)
	p.Attach(s.Adapter)
	return p
}

// ExecuteCommand runs the root command with args and returns what was
// written to stdout and stderr
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// ScanEmits makes StartScan report the given advertisements
func (s *CommandTestSuite) ScanEmits(results ...device.ScanResult) *mock.Call {
	return s.Adapter.On("StartScan", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		for _, r := range results {
			s.Adapter.Emit(r)
		}
	})
}
