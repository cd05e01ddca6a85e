package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/pkg/ble"
	"github.com/srg/blecentral/pkg/device"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic or descriptor",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic or descriptor.

Examples:
  # Write to characteristic (string data)
  blecentral write %s 2a06 "high"

  # Write hex data
  blecentral write %s 2a06 01 --hex

  # Write to descriptor (enable notifications)
  blecentral write %s 2a37 0100 --service 180d --desc 2902 --hex

  # Write without response (faster, no ACK)
  blecentral write %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeDescUUID    string
	writeHex         bool
	writeNoResponse  bool
	writeChunkSize   int
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().StringVar(&writeDescUUID, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk", 0, "Split the data into N-byte writes; default 0 writes everything at once")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 0, "Write timeout (default: operation_timeout from the configuration)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	id := device.DeviceID(args[0])
	charUUID := args[1]

	data, err := parseWriteData(args[2])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if writeChunkSize < 0 {
		return fmt.Errorf("invalid --chunk value %d: must not be negative", writeChunkSize)
	}
	if writeDescUUID != "" && writeNoResponse {
		return fmt.Errorf("--without-response does not apply to descriptor writes")
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, isTerminal(cmd), fmt.Sprintf("Writing %d bytes to %s on %s", len(data), charUUID, id), "Connecting")
	progress.Start()
	defer progress.Stop()

	services, err := s.connect(ctx, id, 0)
	if err != nil {
		return err
	}
	defer s.disconnect(id)
	progress.SetPhase("Writing")

	t, err := resolveTarget(services, charUUID, writeServiceUUID, writeDescUUID)
	if err != nil {
		return err
	}

	if err := performWrite(ctx, s.client, id, t, data); err != nil {
		return err
	}
	progress.Stop()

	fmt.Fprintln(out, "Write successful")
	return nil
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(dataStr)
		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}

// writeMode picks with-response when the characteristic supports it and the
// user did not ask otherwise
func writeMode(props device.Property) (device.WriteOptions, error) {
	canWrite := props.Has(device.PropWrite)
	canWriteNoResponse := props.Has(device.PropWriteWithoutResponse)

	switch {
	case !canWrite && !canWriteNoResponse:
		return device.WriteOptions{}, fmt.Errorf("characteristic does not support write operations (%s)", props)
	case writeNoResponse && !canWriteNoResponse:
		return device.WriteOptions{}, fmt.Errorf("characteristic does not support write without response (%s)", props)
	}
	return device.WriteOptions{WithResponse: !writeNoResponse && canWrite}, nil
}

// performWrite writes a characteristic or descriptor, in chunks when --chunk is set
func performWrite(ctx context.Context, client *ble.Client, id device.DeviceID, t target, data []byte) error {
	var callOpts []ble.CallOption
	if writeTimeout > 0 {
		callOpts = append(callOpts, ble.WithTimeout(writeTimeout))
	}
	svc, chr := t.Service.String(), t.Characteristic.UUID.String()

	if t.Descriptor != nil {
		if _, err := client.WriteDescriptor(id, svc, chr, t.Descriptor.String(), data, callOpts...).Wait(ctx); err != nil {
			return fmt.Errorf("failed to write descriptor: %w", err)
		}
		return nil
	}

	opts, err := writeMode(t.Characteristic.Properties)
	if err != nil {
		return fmt.Errorf("characteristic %s: %w", t.Characteristic.UUID.Short(), err)
	}

	for _, chunk := range chunks(data, writeChunkSize) {
		if _, err := client.Write(id, svc, chr, chunk, opts, callOpts...).Wait(ctx); err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
	}
	return nil
}

// chunks splits data into size-byte pieces; size 0 keeps it whole
func chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
