// Package scanner implements BLE device discovery: it collects
// advertisements for a bounded window, deduplicates them by address, and
// exposes both a final result set and a live event stream for watch-style
// consumers.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"sticklog/internal/device"
	"sticklog/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type  DeviceEventType
	Entry DeviceEntry
}

// DeviceEntry is one discovered peripheral, deduplicated by address. RSSI
// and name reflect the most recent advertisement.
type DeviceEntry struct {
	device.Info
	FirstSeen time.Time
	LastSeen  time.Time
}

// record is the mutable backing store for one address. Advertisements for
// the same device can race when duplicate filtering is off.
type record struct {
	mu    sync.Mutex
	entry DeviceEntry
}

func newRecord(adv blelib.Advertisement) *record {
	now := time.Now()
	r := &record{}
	r.entry.FirstSeen = now
	r.applyLocked(adv, now)
	return r
}

func (r *record) update(adv blelib.Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(adv, time.Now())
}

func (r *record) applyLocked(adv blelib.Advertisement, now time.Time) {
	r.entry.Address = adv.Addr().String()
	r.entry.RSSI = adv.RSSI()
	r.entry.Connectable = adv.Connectable()
	r.entry.LastSeen = now

	// Scan responses without a local name must not erase one learned from
	// an earlier advertisement.
	if name := adv.LocalName(); name != "" {
		r.entry.Name = name
	}
	if services := adv.Services(); len(services) > 0 {
		uuids := make([]string, 0, len(services))
		for _, svc := range services {
			uuids = append(uuids, device.NormalizeUUID(svc.String()))
		}
		r.entry.AdvertisedServices = uuids
	}
}

func (r *record) snapshot() DeviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry
}

// Scanner handles BLE device discovery
type Scanner struct {
	devices *hashmap.Map[string, *record]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
	scanDevice  blelib.Device
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// NamePattern keeps only devices whose advertised name contains the
	// pattern, case-insensitively. Names can arrive late in a scan
	// response, so the filter is applied when results are assembled, not
	// per advertisement.
	NamePattern  string
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        5 * time.Second,
		DuplicateFilter: false,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
	}, nil
}

// Scan performs BLE discovery with the provided options and returns the
// devices seen during the window, keyed by address. A nil error with an
// empty map is a normal outcome, not a failure.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]DeviceEntry, error) {
	s.devices = hashmap.New[string, *record]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	progressCallback("Scanning")

	dev, err := device.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	s.scanDevice = dev

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = s.scanDevice.Scan(ctx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	progressCallback("Processing results")

	devices := make(map[string]DeviceEntry, s.devices.Len())
	s.devices.Range(func(key string, value *record) bool {
		entry := value.snapshot()
		if matchesName(entry.Name, opts.NamePattern) {
			devices[key] = entry
		}
		return true
	})

	s.logger.WithField("device_count", len(devices)).Info("BLE scan completed")
	return devices, nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	deviceID := adv.Addr().String()

	rec, existing := s.devices.Get(deviceID)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		rec, existing = s.devices.GetOrInsert(deviceID, newRecord(adv))
	}

	event := DeviceEvent{}

	if existing {
		rec.update(adv)
		event.Type = EventUpdated
	} else {
		entry := rec.snapshot()
		s.logger.WithFields(logrus.Fields{
			"device":  entry.Name,
			"address": entry.Address,
			"rssi":    entry.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	event.Entry = rec.snapshot()
	s.events.Send(event)
}

// shouldIncludeDevice applies the allow/block/service filters
func (s *Scanner) shouldIncludeDevice(adv blelib.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			normalized := device.NormalizeUUID(required)
			for _, advUUID := range adv.Services() {
				if normalized == device.NormalizeUUID(advUUID.String()) {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

func matchesName(name, pattern string) bool {
	if pattern == "" {
		return true
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(pattern))
}

// Devices returns a filtered snapshot of everything discovered so far,
// usable while a watch-mode scan is still running.
func (s *Scanner) Devices(namePattern string) []DeviceEntry {
	if s.devices == nil {
		return nil
	}
	devs := make([]DeviceEntry, 0, s.devices.Len())
	s.devices.Range(func(key string, value *record) bool {
		entry := value.snapshot()
		if matchesName(entry.Name, namePattern) {
			devs = append(devs, entry)
		}
		return true
	})
	return devs
}

// Events returns a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
