package main

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type ScanTestSuite struct {
	CommandTestSuite
}

func (s *ScanTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	scanDuration = 0
	scanFormat = ""
	scanServices = nil
	scanAllowList = nil
	scanBlockList = nil
	scanDuplicates = false
	scanWatch = false
}

func (s *ScanTestSuite) advertisements() []device.ScanResult {
	return []device.ScanResult{
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress2).WithName("Beta").WithRSSI(-70).
			WithServices("180D").BuildEvent(),
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress1).WithName("Alpha").WithRSSI(-40).
			WithManufacturerData(0x004C, []byte{0x02, 0x15}).BuildEvent(),
		testutils.NewAdvertisementBuilder().WithAddress("00:00:00:00:00:03").WithName("Gamma").WithRSSI(-90).BuildEvent(),
	}
}

func (s *ScanTestSuite) TestScanPrintsDevicesAsJSON() {
	// GOAL: Verify scan collects advertisements and prints them sorted by name
	//
	// TEST SCENARIO: 3 advertisements, one blocked → JSON with Alpha then Beta

	s.ScanEmits(s.advertisements()...)

	out, _, err := s.ExecuteCommand("scan", "--duration", "100ms", "--format", "json", "--block", "00:00:00:00:00:03")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{ "id": "00:00:00:00:00:01", "name": "Alpha", "rssi": -40, "connectable": true,
		  "manufacturer_data": { "0x004C": "0215" } },
		{ "id": "00:00:00:00:00:02", "name": "Beta", "rssi": -70, "connectable": true,
		  "services": ["180d"] }
	]`)
}

func (s *ScanTestSuite) TestScanPassesServiceFilterToAdapter() {
	// GOAL: Verify --services and --duplicates reach the adapter scan options

	s.Adapter.On("StartScan", device.ScanOptions{
		ServiceUUIDs:    []device.UUID{device.MustParseUUID("180D")},
		AllowDuplicates: true,
	}).Return(nil).Once()

	out, _, err := s.ExecuteCommand("scan", "-d", "50ms", "--services", "180d", "--duplicates")
	s.Require().NoError(err)
	s.Assert().Contains(out, "No devices discovered")
	s.Adapter.AssertExpectations(s.T())
}

func (s *ScanTestSuite) TestScanPrintsTable() {
	// GOAL: Verify the table output lists every device with its manufacturer

	s.ScanEmits(s.advertisements()[:2]...)

	out, _, err := s.ExecuteCommand("scan", "-d", "100ms", "--format", "table")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	s.Require().Len(lines, 4, "table MUST have a header, a rule and one row per device")
	s.Assert().Contains(lines[0], "NAME")
	s.Assert().Contains(lines[2], "Alpha")
	s.Assert().Contains(lines[2], "-40 dBm")
	s.Assert().Contains(lines[3], "Beta")
	s.Assert().Contains(lines[3], "180d")
}

func (s *ScanTestSuite) TestScanFailsWhenAdapterPowersOff() {
	// GOAL: Verify a radio power-off during a scan ends the command with NotReady

	s.Adapter.On("StartScan", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.Adapter.SetPowerState(device.AdapterPoweredOff)
		}()
	})

	_, _, err := s.ExecuteCommand("scan", "-d", "5s")
	s.Require().Error(err)
	s.Assert().True(device.IsKind(err, device.KindNotReady), "power-off MUST surface as NotReady, got %v", err)
}

func (s *ScanTestSuite) TestInvalidFormatIsRejected() {
	_, _, err := s.ExecuteCommand("scan", "--format", "xml")
	s.Assert().ErrorContains(err, "invalid format")
}

func (s *ScanTestSuite) TestInvalidServiceUUIDIsRejected() {
	_, _, err := s.ExecuteCommand("scan", "--services", "zz")
	s.Assert().ErrorContains(err, "invalid service UUID")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
