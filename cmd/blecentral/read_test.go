package main

import (
	"testing"
	"time"

	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// ReadTestSuite provides testify/suite for proper test isolation
type ReadTestSuite struct {
	CommandTestSuite
}

func (s *ReadTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.resetFlags()
}

func (s *ReadTestSuite) resetFlags() {
	readServiceUUID = ""
	readCharUUIDs = ""
	readDescUUID = ""
	readHex = false
	readTimeout = 0
	readWatch = ""
}

func (s *ReadTestSuite) TestReadSingleCharacteristicAsHex() {
	// GOAL: Verify a characteristic is resolved without --service and printed as hex

	s.Battery()

	out, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19", "--hex")
	s.Require().NoError(err)
	s.Assert().Equal("64\n", out)
}

func (s *ReadTestSuite) TestReadRawBytes() {
	s.Battery()

	out, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "--char", "2A29")
	s.Require().NoError(err)
	s.Assert().Equal("ACME\n", out, "raw output MUST be the value bytes followed by a newline")
}

func (s *ReadTestSuite) TestReadMultipleCharacteristicsPrefixesValues() {
	// GOAL: Verify a comma-separated list reads every characteristic in order
	//
	// TEST SCENARIO: 2a19,2a29 → two prefixed lines

	s.Battery()

	out, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19,2a29", "--hex")
	s.Require().NoError(err)
	s.Assert().Equal("2a19: 64\n2a29: 41434D45\n", out)
}

func (s *ReadTestSuite) TestReadDescriptor() {
	// GOAL: Verify --desc reads the descriptor instead of the characteristic

	s.Battery()

	out, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19", "--desc", "2902", "--hex")
	s.Require().NoError(err)
	s.Assert().Equal("0000\n", out)
	s.Adapter.AssertNotCalled(s.T(), "Read", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *ReadTestSuite) TestReadUnknownCharacteristicFails() {
	s.Battery()

	_, _, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a37")
	s.Require().Error(err)
	s.Assert().True(device.IsKind(err, device.KindCharacteristicNotFound), "got %v", err)
}

func (s *ReadTestSuite) TestWatchStopsOnLinkLoss() {
	// GOAL: Verify watch mode polls until the link goes down
	//
	// TEST SCENARIO: first read succeeds → link drops → ErrConnectionLost

	id := device.DeviceID(TestDeviceAddress1)
	svc, chr := device.MustParseUUID("180F"), device.MustParseUUID("2A19")
	s.Adapter.On("Read", mock.Anything, id, svc, chr).Return([]byte{42}, nil).Once().Run(func(mock.Arguments) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.Adapter.EmitDisconnected(id, nil)
		}()
	})
	s.Battery()

	out, stderr, err := s.ExecuteCommand("read", TestDeviceAddress1, "2a19", "--hex", "--watch=50ms")
	s.Require().ErrorIs(err, ErrConnectionLost)
	s.Assert().Equal("2A\n", out)
	s.Assert().Contains(stderr, "Watching")
}

func (s *ReadTestSuite) TestArgumentValidation() {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing uuid", []string{"read", TestDeviceAddress1}, "UUID required"},
		{"watch with many", []string{"read", TestDeviceAddress1, "2a19,2a29", "--watch=1s"}, "single characteristic"},
		{"bad interval", []string{"read", TestDeviceAddress1, "2a19", "--watch=soon"}, "invalid watch interval"},
		{"descriptor with many", []string{"read", TestDeviceAddress1, "2a19,2a29", "--desc", "2902"}, "single characteristic"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.resetFlags()
			_, _, err := s.ExecuteCommand(tt.args...)
			s.Assert().ErrorContains(err, tt.want)
		})
	}
}

func TestReadTestSuite(t *testing.T) {
	suite.Run(t, new(ReadTestSuite))
}
