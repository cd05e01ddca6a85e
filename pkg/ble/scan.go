package ble

import (
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/pkg/device"
)

// scanSession is the state of the running scan
type scanSession struct {
	opts    device.ScanOptions
	filter  ScanFilter
	seen    map[device.DeviceID]struct{} // devices already reported this session
	untrack func()
	timer   *time.Timer
}

// StartScan starts discovering peripherals. Every advertisement is merged
// into the registry; unless opts.AllowDuplicates is set only the first
// ScanResult per device is published for the session. Devices not seen since
// the previous scan are marked stale. Fails with Busy while a scan runs.
func (c *Client) StartScan(opts device.ScanOptions, callOpts ...CallOption) error {
	if err := c.ready("scan"); err != nil {
		return err
	}
	co := applyCallOptions(0, callOpts)

	c.scanMu.Lock()
	if c.scan != nil {
		c.scanMu.Unlock()
		return &device.Error{Kind: device.KindBusy, Op: "scan", Msg: "scan already running"}
	}
	session := &scanSession{
		opts:   opts,
		filter: co.filter,
		seen:   make(map[device.DeviceID]struct{}),
	}
	c.scan = session
	c.scanMu.Unlock()

	stale := c.registry.MarkStale()

	if err := c.adapter.StartScan(opts); err != nil {
		c.scanMu.Lock()
		if c.scan == session {
			c.scan = nil
		}
		c.scanMu.Unlock()
		return device.NormalizeError("scan", "", err)
	}

	// installed after the adapter accepted the scan so a cancel never races StartScan
	c.scanMu.Lock()
	if c.scan == session {
		session.untrack = c.tracker.Track(co.tx, func() bool {
			return c.stopSession(session, "transaction canceled")
		})
		if co.timeout > 0 {
			session.timer = time.AfterFunc(co.timeout, func() {
				c.stopSession(session, "scan timeout")
			})
		}
	}
	c.scanMu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"services":   opts.ServiceUUIDs,
		"duplicates": opts.AllowDuplicates,
		"timeout":    co.timeout,
		"stale":      stale,
	}).Info("Starting BLE scan...")
	return nil
}

// StopScan stops the running scan. Stopping when no scan runs is a no-op.
func (c *Client) StopScan() error {
	c.scanMu.Lock()
	session := c.scan
	c.scanMu.Unlock()

	if session == nil {
		return nil
	}
	if !c.detachSession(session) {
		return nil
	}
	if err := c.adapter.StopScan(); err != nil {
		return device.NormalizeError("stop_scan", "", err)
	}
	c.logger.WithField("device_count", c.registry.Len()).Info("BLE scan stopped")
	return nil
}

// Scanning reports whether a scan session is active
func (c *Client) Scanning() bool {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	return c.scan != nil
}

// detachSession clears session if it is still the running one
func (c *Client) detachSession(session *scanSession) bool {
	c.scanMu.Lock()
	if c.scan != session {
		c.scanMu.Unlock()
		return false
	}
	c.scan = nil
	untrack, timer := session.untrack, session.timer
	c.scanMu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if untrack != nil {
		untrack()
	}
	return true
}

// stopSession ends session through the adapter on behalf of a timeout or a
// canceled transaction
func (c *Client) stopSession(session *scanSession, reason string) bool {
	if !c.detachSession(session) {
		return false
	}
	if err := c.adapter.StopScan(); err != nil {
		c.logger.WithFields(logrus.Fields{
			"reason": reason,
			"error":  err,
		}).Warn("Failed to stop scan")
	} else {
		c.logger.WithFields(logrus.Fields{
			"reason":       reason,
			"device_count": c.registry.Len(),
		}).Info("BLE scan stopped")
	}
	return true
}

// endScan forgets the running scan without calling the adapter, which is
// either gone or powered down
func (c *Client) endScan(reason string) {
	c.scanMu.Lock()
	session := c.scan
	c.scanMu.Unlock()

	if session != nil && c.detachSession(session) {
		c.logger.WithField("reason", reason).Info("BLE scan ended")
	}
}

// handleScanResult merges an advertisement into the registry and reports
// whether a ScanResult should be published for it
func (c *Client) handleScanResult(adv device.Device) (device.Device, bool) {
	c.scanMu.Lock()
	session := c.scan
	if session != nil && !session.accepts(adv) {
		c.scanMu.Unlock()
		return device.Device{}, false
	}
	c.scanMu.Unlock()

	merged, isNew := c.registry.ApplyScanResult(adv)
	if isNew {
		c.logger.WithFields(logrus.Fields{
			"device":  merged.DisplayName(),
			"address": merged.ID,
			"rssi":    merged.RSSI,
		}).Info("Discovered new device")
	}

	if session == nil {
		// late advertisement after the scan ended
		return merged, false
	}

	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if c.scan != session {
		return merged, false
	}
	if !session.opts.AllowDuplicates {
		if _, dup := session.seen[merged.ID]; dup {
			return merged, false
		}
		session.seen[merged.ID] = struct{}{}
	}
	return merged, true
}

// accepts applies the allow/block lists and the service filter
func (s *scanSession) accepts(adv device.Device) bool {
	if slices.Contains(s.filter.BlockList, adv.ID) {
		return false
	}
	if len(s.filter.AllowList) > 0 && !slices.Contains(s.filter.AllowList, adv.ID) {
		return false
	}
	if len(s.opts.ServiceUUIDs) == 0 {
		return true
	}
	for _, required := range s.opts.ServiceUUIDs {
		if slices.Contains(adv.ServiceUUIDs, required) || slices.Contains(adv.Advertisement.ServiceUUIDs, required) {
			return true
		}
	}
	return false
}
