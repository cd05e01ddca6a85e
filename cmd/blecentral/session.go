package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/adapterfactory"
	"github.com/srg/blecentral/pkg/ble"
	"github.com/srg/blecentral/pkg/config"
	"github.com/srg/blecentral/pkg/device"
	"golang.org/x/term"
)

// openAdapter opens the BLE backend. This is a variable so that it can be
// overridden in tests.
var openAdapter = adapterfactory.New

// session bundles everything a command needs to talk to the radio
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	adapter adapterfactory.Adapter
	client  *ble.Client
}

// loadConfig reads --config when given and applies --backend on top
func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	cfg := config.DefaultConfig()
	path, _ := cmd.Flags().GetString("config")
	fromFile := path != ""
	if fromFile {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, false, err
		}
		cfg = loaded
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = strings.ToLower(backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, fromFile, nil
}

// openSession loads configuration, opens the backend and creates a client.
// The caller must Close the session.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return nil, err
	}
	configureColor(cmd)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	adapter, err := openAdapter(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	client, err := ble.New(adapter, ble.WithConfig(cfg), ble.WithLogger(logger))
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}

	if state := client.AdapterState(); state != device.AdapterPoweredOn {
		logger.WithField("state", state.String()).Warn("Adapter is not powered on")
	}

	return &session{cfg: cfg, logger: logger, adapter: adapter, client: client}, nil
}

// Close releases the client and the backend
func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close BLE client")
	}
	if err := s.adapter.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close BLE adapter")
	}
}

// connect links to id and discovers its profile. A device the backend has
// not seen yet is looked up with a short targeted scan first.
func (s *session) connect(ctx context.Context, id device.DeviceID, timeout time.Duration) ([]device.Service, error) {
	opts := device.ConnectOptions{Timeout: timeout}

	_, err := s.client.Connect(id, opts).Wait(ctx)
	if device.IsKind(err, device.KindDeviceNotFound) {
		s.logger.WithField("device", id).Info("Device not known to the backend, scanning for it...")
		if err = s.locate(ctx, id); err == nil {
			_, err = s.client.Connect(id, opts).Wait(ctx)
		}
	}
	if err != nil {
		return nil, err
	}

	return s.client.DiscoverServices(id).Wait(ctx)
}

// locate scans until id advertises or the configured scan timeout elapses
func (s *session) locate(ctx context.Context, id device.DeviceID) error {
	sub := s.client.Events(0)
	defer sub.Close()

	err := s.client.StartScan(device.ScanOptions{},
		ble.WithTimeout(s.cfg.ScanTimeout),
		ble.WithScanFilter(ble.ScanFilter{AllowList: []device.DeviceID{id}}))
	if err != nil {
		return err
	}
	defer func() { _ = s.client.StopScan() }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &device.Error{Kind: device.KindDeviceNotFound, Op: "connect", DeviceID: id, Msg: "device is not advertising"}
			}
			return ctx.Err()
		case ev := <-sub.C():
			if r, ok := ev.(device.ScanResult); ok && r.Device.ID == id {
				return nil
			}
		}
	}
}

// disconnect releases the link without inheriting the command's cancellation
func (s *session) disconnect(id device.DeviceID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout+time.Second)
	defer cancel()
	if _, err := s.client.Disconnect(id).Wait(ctx); err != nil && !device.IsKind(err, device.KindNotConnected) {
		s.logger.WithFields(logrus.Fields{
			"device": id,
			"error":  err,
		}).Warn("Failed to disconnect")
	}
}

// signalContext returns a context canceled on Ctrl+C or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// isTerminal reports whether the command writes to an interactive terminal
func isTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func configureColor(cmd *cobra.Command) {
	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor || !isTerminal(cmd) {
		color.NoColor = true
	}
}
