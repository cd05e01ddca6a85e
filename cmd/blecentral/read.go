package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/pkg/ble"
	"github.com/srg/blecentral/pkg/device"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [uuid]",
	Short: "Read a characteristic or descriptor value",
	Long: fmt.Sprintf(`Reads data from BLE characteristic(s) or a descriptor.

Examples:
  # Read Battery Level characteristic
  blecentral read %s 2a19 --hex

  # Read multiple characteristics (comma-separated)
  blecentral read %s 2a29,2a24 --hex

  # Read with service disambiguation
  blecentral read %s --service 180f --char 2a19

  # Read descriptor (Client Characteristic Configuration)
  blecentral read %s --service 180d --char 2a37 --desc 2902 --hex

  # Continuously watch a characteristic (polls every second)
  blecentral read %s 2a37 --watch

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readCharUUIDs   string // supports comma-separated UUIDs
	readDescUUID    string
	readHex         bool
	readTimeout     time.Duration
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated for multiple")
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 0, "Read timeout (default: operation_timeout from the configuration)")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	id := device.DeviceID(args[0])

	var uuidInput string
	switch {
	case len(args) == 2:
		uuidInput = args[1]
	case readCharUUIDs != "":
		uuidInput = readCharUUIDs
	default:
		return fmt.Errorf("UUID required: provide as second argument or via --char flag")
	}

	charUUIDs := parseCSVUUIDs(uuidInput)
	if len(charUUIDs) == 0 {
		return fmt.Errorf("no valid UUIDs provided")
	}
	if readDescUUID != "" && len(charUUIDs) > 1 {
		return fmt.Errorf("descriptor read requires a single characteristic, got %d", len(charUUIDs))
	}

	var watchInterval time.Duration
	if readWatch != "" {
		if len(charUUIDs) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(charUUIDs))
		}
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("invalid watch interval: must be positive, got %s", watchInterval)
		}
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	desc := fmt.Sprintf("Reading %d characteristics from %s", len(charUUIDs), id)
	if len(charUUIDs) == 1 {
		desc = fmt.Sprintf("Reading %s from %s", charUUIDs[0], id)
	}
	progress := NewProgressPrinter(out, isTerminal(cmd), desc, "Connecting")
	progress.Start()
	defer progress.Stop()

	services, err := s.connect(ctx, id, 0)
	if err != nil {
		return err
	}
	defer s.disconnect(id)
	progress.Stop()

	targets := make([]target, 0, len(charUUIDs))
	for _, u := range charUUIDs {
		t, err := resolveTarget(services, u, readServiceUUID, readDescUUID)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}

	r := &reader{client: s.client, id: id, logger: s.logger, out: out}
	if watchInterval > 0 {
		return r.watch(ctx, targets[0], watchInterval, cmd.ErrOrStderr())
	}
	if len(targets) == 1 {
		data, err := r.read(ctx, targets[0])
		if err != nil {
			return err
		}
		return r.output("", data)
	}
	return r.readAll(ctx, targets, cmd.ErrOrStderr())
}

// reader performs reads against one connected device
type reader struct {
	client *ble.Client
	id     device.DeviceID
	logger *logrus.Logger
	out    io.Writer
}

func (r *reader) read(ctx context.Context, t target) ([]byte, error) {
	var callOpts []ble.CallOption
	if readTimeout > 0 {
		callOpts = append(callOpts, ble.WithTimeout(readTimeout))
	}
	if t.Descriptor != nil {
		return r.client.ReadDescriptor(r.id, t.Service.String(), t.Characteristic.UUID.String(), t.Descriptor.String(), callOpts...).Wait(ctx)
	}
	return r.client.Read(r.id, t.Service.String(), t.Characteristic.UUID.String(), callOpts...).Wait(ctx)
}

// readAll reads several characteristics and prefixes every value with its
// UUID. A failing read is reported and the rest are still read.
func (r *reader) readAll(ctx context.Context, targets []target, errOut io.Writer) error {
	for _, t := range targets {
		data, err := r.read(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(errOut, "%s: error: %v\n", t.Characteristic.UUID.Short(), err)
			continue
		}
		if err := r.output(t.Characteristic.UUID.Short()+": ", data); err != nil {
			return err
		}
	}
	return nil
}

// watch reads t every interval until Ctrl+C or link loss
func (r *reader) watch(ctx context.Context, t target, interval time.Duration, errOut io.Writer) error {
	fmt.Fprintf(errOut, "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, err := r.read(ctx, t)
		switch {
		case ctx.Err() != nil:
			return nil
		case device.IsKind(err, device.KindNotConnected):
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		case err != nil:
			r.logger.WithError(err).Warn("Failed to read characteristic, continuing...")
		default:
			if err := r.output("", data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// output writes data as hex or raw bytes, followed by a newline
func (r *reader) output(prefix string, data []byte) error {
	if readHex {
		_, err := fmt.Fprintf(r.out, "%s%X\n", prefix, data)
		return err
	}
	if _, err := io.WriteString(r.out, prefix); err != nil {
		return err
	}
	if _, err := r.out.Write(data); err != nil {
		return err
	}
	_, err := fmt.Fprintln(r.out)
	return err
}
