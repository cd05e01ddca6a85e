package main

import (
	"testing"

	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type WriteTestSuite struct {
	CommandTestSuite
}

func (s *WriteTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.resetFlags()
}

func (s *WriteTestSuite) resetFlags() {
	writeServiceUUID = ""
	writeDescUUID = ""
	writeHex = false
	writeNoResponse = false
	writeChunkSize = 0
	writeTimeout = 0
}

var (
	deviceInfoService = device.MustParseUUID("180A")
	firmwareRevision  = device.MustParseUUID("2A26")
)

func (s *WriteTestSuite) TestWriteHexWithResponse() {
	// GOAL: Verify hex input is decoded and written with response when supported

	s.Battery()

	out, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "2a26", "01:02", "--hex")
	s.Require().NoError(err)
	s.Assert().Contains(out, "Write successful")
	s.Adapter.AssertCalled(s.T(), "Write", mock.Anything, device.DeviceID(TestDeviceAddress1),
		deviceInfoService, firmwareRevision, []byte{0x01, 0x02}, device.WriteOptions{WithResponse: true})
}

func (s *WriteTestSuite) TestWriteInChunks() {
	// GOAL: Verify --chunk splits the payload into ordered writes
	//
	// TEST SCENARIO: "hello" with --chunk 2 → "he", "ll", "o"

	s.Battery()

	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "2a26", "hello", "--chunk", "2")
	s.Require().NoError(err)

	var written []string
	for _, c := range s.Adapter.Calls {
		if c.Method == "Write" {
			written = append(written, string(c.Arguments.Get(4).([]byte)))
		}
	}
	s.Assert().Equal([]string{"he", "ll", "o"}, written)
}

func (s *WriteTestSuite) TestWriteWithoutResponseRequiresSupport() {
	// GOAL: Verify --without-response is refused for a write-only characteristic

	s.Battery()

	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "2a26", "x", "--without-response")
	s.Assert().ErrorContains(err, "does not support write without response")
	s.Adapter.AssertNotCalled(s.T(), "Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *WriteTestSuite) TestWriteDescriptor() {
	s.Battery()

	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "2a19", "0100", "--desc", "2902", "--hex")
	s.Require().NoError(err)
	s.Adapter.AssertCalled(s.T(), "WriteDescriptor", mock.Anything, device.DeviceID(TestDeviceAddress1),
		device.MustParseUUID("180F"), device.MustParseUUID("2A19"), device.MustParseUUID("2902"), []byte{0x01, 0x00})
}

func (s *WriteTestSuite) TestParseWriteDataHexFormats() {
	// GOAL: Verify hex data parsing handles various input formats correctly

	tests := []struct {
		name     string
		input    string
		expected []byte
	}{
		{"simple hex", "0102", []byte{0x01, 0x02}},
		{"hex with spaces", "01 02 03", []byte{0x01, 0x02, 0x03}},
		{"hex with colons", "01:02:03", []byte{0x01, 0x02, 0x03}},
		{"hex with dashes", "0a-0b", []byte{0x0a, 0x0b}},
		{"prefixed bytes", "0xFF 0x10", []byte{0xff, 0x10}},
	}
	writeHex = true
	for _, tt := range tests {
		s.Run(tt.name, func() {
			got, err := parseWriteData(tt.input)
			s.Require().NoError(err)
			s.Assert().Equal(tt.expected, got)
		})
	}

	_, err := parseWriteData("0g")
	s.Assert().ErrorContains(err, "invalid hex data")
}

func (s *WriteTestSuite) TestChunks() {
	s.Assert().Equal([][]byte{[]byte("abc")}, chunks([]byte("abc"), 0))
	s.Assert().Equal([][]byte{[]byte("abc")}, chunks([]byte("abc"), 3))
	s.Assert().Equal([][]byte{[]byte("ab"), []byte("c")}, chunks([]byte("abc"), 2))
}

func TestWriteTestSuite(t *testing.T) {
	suite.Run(t, new(WriteTestSuite))
}
