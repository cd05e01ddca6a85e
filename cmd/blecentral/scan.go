package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/pkg/ble"
	"github.com/srg/blecentral/pkg/device"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: fmt.Sprintf(`Scan for and display Bluetooth Low Energy devices in the vicinity.

Discovered devices are listed with their names, addresses, RSSI values,
advertised services and manufacturer.

Examples:
  # Scan for 10 seconds
  blecentral scan

  # Only devices advertising the Heart Rate service, as JSON
  blecentral scan --services 180d --format json

  # Keep scanning and refresh the table until Ctrl+C
  blecentral scan --watch

%s`, deviceAddressNote),
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanServices   []string
	scanAllowList  []string
	scanBlockList  []string
	scanDuplicates bool
	scanWatch      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from the configuration)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); default from the configuration")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanDuplicates, "duplicates", false, "Report every advertisement, not only the first per device")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Scan until Ctrl+C and refresh the table every second")
}

// scanEntry is the JSON shape of one discovered device
type scanEntry struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	RSSI         *int              `json:"rssi,omitempty"`
	Connectable  bool              `json:"connectable"`
	Services     []string          `json:"services,omitempty"`
	Manufacturer map[string]string `json:"manufacturer_data,omitempty"`
	TxPower      *int              `json:"tx_power,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
}

func runScan(cmd *cobra.Command, args []string) error {
	services, err := device.ParseUUIDs(scanServices)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	format, err := outputFormat(scanFormat, s.cfg.OutputFormat)
	if err != nil {
		return err
	}

	duration := scanDuration
	if duration == 0 && !scanWatch {
		duration = s.cfg.ScanTimeout
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()
	if duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, duration)
		defer stop()
	}

	sub := s.client.Events(0)
	defer sub.Close()

	callOpts := []ble.CallOption{ble.WithScanFilter(ble.ScanFilter{
		AllowList: toDeviceIDs(scanAllowList),
		BlockList: toDeviceIDs(scanBlockList),
	})}
	if duration > 0 {
		callOpts = append(callOpts, ble.WithTimeout(duration))
	}
	if err := s.client.StartScan(device.ScanOptions{ServiceUUIDs: services, AllowDuplicates: scanDuplicates}, callOpts...); err != nil {
		return err
	}
	defer func() { _ = s.client.StopScan() }()

	out := cmd.OutOrStdout()
	tty := isTerminal(cmd)

	var progress *ProgressPrinter
	if scanWatch {
		progress = NewProgressPrinter(out, false, "", "")
	} else {
		progress = NewCountdownProgressPrinter(out, tty, "Scanning for BLE devices", "Scanning", duration)
	}
	progress.Start()
	defer progress.Stop()

	found := make(map[device.DeviceID]device.Device)
	var refresh <-chan time.Time
	if scanWatch {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		refresh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			progress.Stop()
			if scanWatch && tty {
				clearScreen(out)
			}
			return displayDevices(out, found, format)

		case <-refresh:
			if tty {
				clearScreen(out)
			}
			if err := displayDevices(out, found, format); err != nil {
				return err
			}

		case ev := <-sub.C():
			switch e := ev.(type) {
			case device.ScanResult:
				found[e.Device.ID] = e.Device
				s.logger.WithField("device", e.Device.ID).Debug("Device discovered")
			case device.AdapterStateChanged:
				if e.State != device.AdapterPoweredOn {
					progress.Stop()
					return &device.Error{Kind: device.KindNotReady, Op: "scan", Msg: "adapter is " + e.State.String()}
				}
			}
		}
	}
}

func toDeviceIDs(ss []string) []device.DeviceID {
	if len(ss) == 0 {
		return nil
	}
	ids := make([]device.DeviceID, 0, len(ss))
	for _, s := range ss {
		ids = append(ids, device.DeviceID(strings.TrimSpace(s)))
	}
	return ids
}

// outputFormat picks the flag value over the configured default
func outputFormat(flag, configured string) (string, error) {
	format := strings.ToLower(flag)
	if format == "" {
		format = strings.ToLower(configured)
	}
	switch format {
	case "table", "json":
		return format, nil
	default:
		return "", fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}

// sortedDevices orders devices by name, unnamed devices last, then by id
func sortedDevices(found map[device.DeviceID]device.Device) []device.Device {
	list := make([]device.Device, 0, len(found))
	for _, d := range found {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		ni, nj := deviceName(list[i]), deviceName(list[j])
		if (ni == "") != (nj == "") {
			return ni != ""
		}
		if ni != nj {
			return ni < nj
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func deviceName(d device.Device) string {
	if d.Name != nil {
		return strings.TrimSpace(*d.Name)
	}
	return ""
}

func displayDevices(out io.Writer, found map[device.DeviceID]device.Device, format string) error {
	devices := sortedDevices(found)
	if format == "json" {
		return displayDevicesJSON(out, devices)
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, color.New(color.FgYellow).Sprint("No devices discovered"))
		return nil
	}
	return displayDevicesTable(out, devices)
}

func displayDevicesTable(out io.Writer, devices []device.Device) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tMANUFACTURER\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 96))

	for _, d := range devices {
		name := deviceName(d)
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		uuids := make([]string, 0, len(d.ServiceUUIDs))
		for _, u := range d.ServiceUUIDs {
			uuids = append(uuids, u.Short())
		}
		services := strings.Join(uuids, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		rssi := "-"
		if d.RSSI != nil {
			rssi = fmt.Sprintf("%d dBm", *d.RSSI)
		}

		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
			name, d.ID, rssi, services, manufacturer(d.Advertisement), lastSeen)
	}

	return w.Flush()
}

// manufacturer names the first advertised company, lowest id first
func manufacturer(adv device.Advertisement) string {
	if len(adv.ManufacturerData) == 0 {
		return ""
	}
	ids := make([]int, 0, len(adv.ManufacturerData))
	for id := range adv.ManufacturerData {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	if name := bledb.LookupVendor(uint16(ids[0])); name != "" {
		return name
	}
	return fmt.Sprintf("0x%04X", ids[0])
}

func displayDevicesJSON(out io.Writer, devices []device.Device) error {
	entries := make([]scanEntry, 0, len(devices))
	for _, d := range devices {
		e := scanEntry{
			ID:          string(d.ID),
			Name:        deviceName(d),
			RSSI:        d.RSSI,
			Connectable: d.Advertisement.Connectable,
			TxPower:     d.Advertisement.TxPowerLevel,
			LastSeen:    d.LastSeen,
		}
		for _, u := range d.ServiceUUIDs {
			e.Services = append(e.Services, u.Short())
		}
		if len(d.Advertisement.ManufacturerData) > 0 {
			e.Manufacturer = make(map[string]string, len(d.Advertisement.ManufacturerData))
			for id, data := range d.Advertisement.ManufacturerData {
				e.Manufacturer[fmt.Sprintf("0x%04X", id)] = strings.ToUpper(hex.EncodeToString(data))
			}
		}
		entries = append(entries, e)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

func clearScreen(out io.Writer) {
	fmt.Fprint(out, "\033[2J\033[H")
}
