package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sticklog/internal/device"
	"sticklog/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for sensor devices",
	Long: `Scan for and display BLE sensor devices in the vicinity.

Results are filtered by advertised name (default pattern "M5Stick", set
name_pattern in the config or --name to change it). Use --name "" to show
every discovered device.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanName      string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanWatch     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses the configured default)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Filter by advertised name substring")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	format := cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", format)
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := cfg.ScanDuration()
	if cmd.Flags().Changed("duration") {
		duration = scanDuration
	}
	// For watch mode, default to an indefinite scan unless a duration was
	// given explicitly.
	if scanWatch && !cmd.Flags().Changed("duration") {
		duration = 0
	}

	namePattern := cfg.NamePattern
	if cmd.Flags().Changed("name") {
		namePattern = scanName
	}

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	var serviceUUIDs []string
	if len(scanServices) > 0 {
		serviceUUIDs, err = device.ValidateUUID(scanServices...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	scanOpts := &scanner.ScanOptions{
		Duration:     duration,
		NamePattern:  namePattern,
		ServiceUUIDs: serviceUUIDs,
		AllowList:    scanAllowList,
		BlockList:    scanBlockList,
	}

	if scanWatch {
		return runWatchMode(s, scanOpts, format, namePattern)
	}
	return runSingleScan(s, scanOpts, format, duration)
}

func runSingleScan(s *scanner.Scanner, opts *scanner.ScanOptions, format string, duration time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := NewCountdownProgressPrinter("Scanning for sensor devices", "Scanning", duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	progress.Stop()
	return displayDevices(entryList(devices), format)
}

func runWatchMode(s *scanner.Scanner, opts *scanner.ScanOptions, format, namePattern string) error {
	// Scan until interrupted by the user.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	scanErrCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil)
		scanErrCh <- err
	}()

	redraw := func() error {
		clearScreen()
		return displayDevices(s.Devices(namePattern), format)
	}

	// The event channel only signals that something changed; redraws pull a
	// fresh snapshot on a fixed cadence to keep terminal output calm.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return redraw()

		case err := <-scanErrCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return redraw()

		case <-ticker.C:
			if err := redraw(); err != nil {
				return err
			}

		case <-s.Events():
			// Drained to keep the ring channel moving; the ticker redraw
			// picks the change up.
		}
	}
}

func entryList(devices map[string]scanner.DeviceEntry) []scanner.DeviceEntry {
	list := make([]scanner.DeviceEntry, 0, len(devices))
	for _, e := range devices {
		list = append(list, e)
	}
	return list
}

func displayDevices(entries []scanner.DeviceEntry, format string) error {
	if len(entries) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	// Strongest signal first, name as tiebreaker.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RSSI != entries[j].RSSI {
			return entries[i].RSSI > entries[j].RSSI
		}
		return entries[i].Name < entries[j].Name
	})

	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}
	return displayDevicesTable(entries)
}

func displayDevicesTable(entries []scanner.DeviceEntry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := make([]string, 0, len(e.AdvertisedServices))
		for _, svc := range e.AdvertisedServices {
			services = append(services, device.ShortenUUID(svc))
		}
		svcCol := strings.Join(services, ",")
		if len(svcCol) > 30 {
			svcCol = svcCol[:27] + "..."
		}

		lastSeen := time.Since(e.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, e.Address, e.RSSI, svcCol, lastSeen)
	}

	return w.Flush()
}

func clearScreen() {
	var w io.Writer = os.Stdout
	fmt.Fprint(w, "\033[2J\033[H")
}
