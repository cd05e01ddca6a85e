package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/pkg/device"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> [uuid]",
	Short: "Print characteristic notifications until Ctrl+C",
	Long: fmt.Sprintf(`Enables notifications (or indications) on one or more characteristics
and prints every value the device pushes until Ctrl+C or link loss.

Examples:
  # Heart Rate Measurement
  blecentral subscribe %s 2a37 --hex

  # Every notifiable characteristic of a service
  blecentral subscribe %s --service 180d --hex

  # Print only the latest value of each characteristic once per second
  blecentral subscribe %s 2a37,2a19 --mode latest --rate 1s --hex

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeCharUUIDs   string
	subscribeHex         bool
	subscribeTimeout     time.Duration
	subscribeMode        string
	subscribeRate        time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (optional; auto-resolves if omitted)")
	subscribeCmd.Flags().StringVar(&subscribeCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated (e.g., 2a37,2a38)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", 0, "Connect timeout (default: connect_timeout from the configuration)")
	subscribeCmd.Flags().StringVar(&subscribeMode, "mode", "live", "Output mode: live, batched, or latest")
	subscribeCmd.Flags().DurationVar(&subscribeRate, "rate", time.Second, "Flush interval for batched/latest modes")
}

type streamMode int

const (
	streamLive streamMode = iota
	streamBatched
	streamLatest
)

func parseStreamMode(mode string) (streamMode, error) {
	switch strings.ToLower(mode) {
	case "live", "every":
		return streamLive, nil
	case "batched", "batch":
		return streamBatched, nil
	case "latest":
		return streamLatest, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: use live, batched, or latest", mode)
	}
}

// notifiableTargets resolves the characteristics to subscribe to. Without
// explicit UUIDs every notifiable characteristic of --service is used.
func notifiableTargets(services []device.Service, charUUIDsCSV, serviceUUID string) ([]target, error) {
	if charUUIDsCSV == "" {
		svc, err := device.ParseUUID(serviceUUID)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		var targets []target
		for _, s := range services {
			if s.UUID != svc {
				continue
			}
			for _, c := range s.Characteristics {
				if c.Properties.CanNotify() {
					targets = append(targets, target{Service: s.UUID, Characteristic: c})
				}
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("no notifiable characteristics found in service %s", svc.Short())
		}
		return targets, nil
	}

	var targets []target
	for _, u := range parseCSVUUIDs(charUUIDsCSV) {
		t, err := resolveTarget(services, u, serviceUUID, "")
		if err != nil {
			return nil, err
		}
		if !t.Characteristic.Properties.CanNotify() {
			return nil, fmt.Errorf("characteristic %s does not support notifications", t.Characteristic.UUID.Short())
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no valid UUIDs provided")
	}
	return targets, nil
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	id := device.DeviceID(args[0])

	mode, err := parseStreamMode(subscribeMode)
	if err != nil {
		return err
	}
	if mode != streamLive && subscribeRate <= 0 {
		return fmt.Errorf("invalid --rate %s: must be positive", subscribeRate)
	}

	charUUIDsCSV := subscribeCharUUIDs
	if len(args) == 2 {
		charUUIDsCSV = args[1]
	}
	if charUUIDsCSV == "" && subscribeServiceUUID == "" {
		return fmt.Errorf("specify characteristic UUID(s) via argument or --char flag, or use --service for all characteristics")
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, isTerminal(cmd), fmt.Sprintf("Subscribing to %s", id), "Connecting")
	progress.Start()
	defer progress.Stop()

	// registered before the link comes up so no notification is missed
	sub := s.client.Events(0)
	defer sub.Close()

	services, err := s.connect(ctx, id, subscribeTimeout)
	if err != nil {
		return err
	}
	defer s.disconnect(id)

	targets, err := notifiableTargets(services, charUUIDsCSV, subscribeServiceUUID)
	if err != nil {
		return err
	}

	progress.SetPhase("Subscribing")
	for _, t := range targets {
		if _, err := s.client.Subscribe(id, t.Service.String(), t.Characteristic.UUID.String()).Wait(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", t.Characteristic.UUID.Short(), err)
		}
	}
	progress.Stop()

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Characteristic.UUID.Short())
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Subscribed to %s. Press Ctrl+C to stop...\n", strings.Join(names, ", "))

	p := &notificationPrinter{out: out, prefix: len(targets) > 1, hex: subscribeHex}
	err = p.run(ctx, id, sub.C(), mode, subscribeRate)

	if ctx.Err() != nil {
		// best effort, the link is released right after
		for _, t := range targets {
			if _, uerr := s.client.Unsubscribe(id, t.Service.String(), t.Characteristic.UUID.String()).Wait(context.Background()); uerr != nil {
				s.logger.WithFields(logrus.Fields{
					"characteristic": t.Characteristic.UUID.Short(),
					"error":          uerr,
				}).Debug("Unsubscribe failed")
			}
		}
	}
	return err
}

// notificationPrinter formats notifications of one device
type notificationPrinter struct {
	out    io.Writer
	prefix bool
	hex    bool

	pending []device.Notification
}

// run prints notifications until ctx is done or the link goes down
func (p *notificationPrinter) run(ctx context.Context, id device.DeviceID, events <-chan device.Event, mode streamMode, rate time.Duration) error {
	var flush <-chan time.Time
	if mode != streamLive {
		ticker := time.NewTicker(rate)
		defer ticker.Stop()
		flush = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil

		case <-flush:
			p.flush()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case device.Notification:
				if e.ID != id {
					continue
				}
				switch mode {
				case streamLive:
					p.print(e)
				case streamBatched:
					p.pending = append(p.pending, e)
				case streamLatest:
					p.keepLatest(e)
				}
			case device.DeviceStateChanged:
				if e.ID == id && !e.Connected {
					p.flush()
					if e.Err != nil {
						return fmt.Errorf("%w: %v", ErrConnectionLost, e.Err)
					}
					return ErrConnectionLost
				}
			}
		}
	}
}

func (p *notificationPrinter) keepLatest(n device.Notification) {
	for i := range p.pending {
		if p.pending[i].Service == n.Service && p.pending[i].Characteristic == n.Characteristic {
			p.pending[i] = n
			return
		}
	}
	p.pending = append(p.pending, n)
}

func (p *notificationPrinter) flush() {
	for _, n := range p.pending {
		p.print(n)
	}
	p.pending = p.pending[:0]
}

func (p *notificationPrinter) print(n device.Notification) {
	if p.prefix {
		fmt.Fprintf(p.out, "%s: ", n.Characteristic.Short())
	}
	if p.hex {
		fmt.Fprintf(p.out, "%X\n", n.Value)
		return
	}
	_, _ = p.out.Write(n.Value)
	fmt.Fprintln(p.out)
}
