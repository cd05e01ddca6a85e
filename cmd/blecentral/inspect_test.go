package main

import (
	"testing"

	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type InspectTestSuite struct {
	CommandTestSuite
}

func (s *InspectTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	inspectFormat = ""
	inspectReadLimit = 0
	inspectTimeout = 0
}

func (s *InspectTestSuite) TestInspectPrintsProfileAsJSON() {
	// GOAL: Verify inspect connects, discovers, previews values and disconnects
	//
	// TEST SCENARIO: battery peripheral + --read 8 → JSON tree with values → link released

	s.Battery()

	out, _, err := s.ExecuteCommand("inspect", TestDeviceAddress1, "--format", "json", "--read", "8")
	s.Require().NoError(err, "inspect MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"id": "00:00:00:00:00:01",
		"services": [
			{ "uuid": "180f", "characteristics": [
				{ "uuid": "2a19", "value_hex": "64", "descriptors": [ { "uuid": "2902", "value": "notifications=off indications=off" } ] }
			] },
			{ "uuid": "180a", "characteristics": [
				{ "uuid": "2a29", "value_hex": "41434D45", "value_ascii": "ACME" },
				{ "uuid": "2a26" }
			] }
		]
	}`)

	s.Adapter.AssertCalled(s.T(), "Disconnect", mock.Anything, device.DeviceID(TestDeviceAddress1))
}

func (s *InspectTestSuite) TestInspectTableNamesKnownAttributes() {
	// GOAL: Verify the table output lists services, characteristics and descriptors

	s.Battery()

	out, _, err := s.ExecuteCommand("inspect", TestDeviceAddress1)
	s.Require().NoError(err)

	s.Assert().Contains(out, "Service 180f")
	s.Assert().Contains(out, "Characteristic 2a19")
	s.Assert().Contains(out, "Descriptor 2902")
	s.Assert().NotContains(out, "value:", "values MUST NOT be read without --read")
	s.Adapter.AssertNotCalled(s.T(), "Read", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *InspectTestSuite) TestInspectReportsConnectFailure() {
	// GOAL: Verify a failed connect is returned with its kind intact

	s.Adapter.On("Connect", mock.Anything, device.DeviceID(TestDeviceAddress2), mock.Anything).
		Return(device.Errorf(device.KindConnectFailed, "peripheral refused"))

	_, _, err := s.ExecuteCommand("inspect", TestDeviceAddress2)
	s.Require().Error(err)
	s.Assert().True(device.IsKind(err, device.KindConnectFailed), "got %v", err)
	s.Assert().Contains(FormatUserError(err), "accepting connections")
}

func (s *InspectTestSuite) TestNegativeReadLimitIsRejected() {
	_, _, err := s.ExecuteCommand("inspect", TestDeviceAddress1, "--read", "-1")
	s.Assert().ErrorContains(err, "must not be negative")
}

func TestInspectTestSuite(t *testing.T) {
	suite.Run(t, new(InspectTestSuite))
}
