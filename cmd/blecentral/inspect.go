package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/pkg/ble"
	"github.com/srg/blecentral/pkg/device"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Connect to a device and list its GATT profile",
	Long: fmt.Sprintf(`Connects to a device, discovers its services, characteristics and
descriptors, and prints them with their well-known names.

Examples:
  # Inspect the profile
  blecentral inspect %s

  # Read every readable characteristic and show up to 32 bytes of each value
  blecentral inspect %s --read 32

  # Machine readable output
  blecentral inspect %s --format json

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectFormat    string
	inspectReadLimit int
	inspectTimeout   time.Duration
)

func init() {
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "", "Output format (table, json); default from the configuration")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read", 0, "Read characteristics and descriptors, keeping up to N bytes of each value (0 disables reads)")
	inspectCmd.Flags().DurationVar(&inspectTimeout, "timeout", 0, "Connect timeout (default: connect_timeout from the configuration)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	id := device.DeviceID(args[0])
	if inspectReadLimit < 0 {
		return fmt.Errorf("invalid --read value %d: must not be negative", inspectReadLimit)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	format, err := outputFormat(inspectFormat, s.cfg.OutputFormat)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, isTerminal(cmd), fmt.Sprintf("Inspecting %s", id), "Connecting")
	progress.Start()
	defer progress.Stop()

	if _, err := s.connect(ctx, id, inspectTimeout); err != nil {
		return err
	}
	defer s.disconnect(id)
	progress.SetPhase("Discovering")

	res, err := s.client.Inspect(ctx, id, ble.InspectOptions{ReadLimit: inspectReadLimit, KeepLink: true})
	progress.Stop()
	if err != nil {
		return err
	}

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(res)
	}
	return displayProfile(out, res)
}

func displayProfile(out io.Writer, res *ble.InspectResult) error {
	title := color.New(color.Bold)
	name := res.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(out, "%s %s\n", title.Sprint(name), res.ID)
	if len(res.Services) == 0 {
		fmt.Fprintln(out, "  no services")
		return nil
	}

	svcColor := color.New(color.FgCyan)
	for _, svc := range res.Services {
		fmt.Fprintf(out, "\n%s %s\n", svcColor.Sprintf("Service %s", svc.UUID), label(svc.Name))
		for _, ch := range svc.Characteristics {
			fmt.Fprintf(out, "  Characteristic %s %s [%s]\n", ch.UUID, label(ch.Name), ch.Properties)
			switch {
			case ch.ReadError != "":
				fmt.Fprintf(out, "    %s %s\n", color.RedString("read failed:"), ch.ReadError)
			case ch.ValueHex != "":
				fmt.Fprintf(out, "    value: %s  %q\n", ch.ValueHex, ch.ValueASCII)
			}
			for _, d := range ch.Descriptors {
				switch {
				case d.ReadError != "":
					fmt.Fprintf(out, "    Descriptor %s %s %s %s\n", d.UUID, label(d.Name), color.RedString("read failed:"), d.ReadError)
				case d.Value != "":
					fmt.Fprintf(out, "    Descriptor %s %s: %s\n", d.UUID, label(d.Name), d.Value)
				default:
					fmt.Fprintf(out, "    Descriptor %s %s\n", d.UUID, label(d.Name))
				}
			}
		}
	}
	return nil
}

func label(name string) string {
	if name == "" {
		return ""
	}
	return "(" + name + ")"
}
