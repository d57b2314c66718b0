package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"sticklog/internal/session"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <device-address>",
	Short: "Stream sensor data without recording",
	Long: fmt.Sprintf(`Connects to a sensor device and prints its live stream: feature vectors,
predictions, and a raw packet rate. Nothing is written to disk.

Examples:
  # Watch the live stream
  sticklog monitor %s

  # Dump every raw sample (very chatty at 50 packets/s)
  sticklog monitor %s --raw

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

var (
	monitorTimeout time.Duration
	monitorRaw     bool
)

func init() {
	monitorCmd.Flags().DurationVar(&monitorTimeout, "timeout", 0, "Connection timeout")
	monitorCmd.Flags().BoolVar(&monitorRaw, "raw", false, "Print every raw packet instead of a rate summary")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	timeout := cfg.ConnectDuration()
	if cmd.Flags().Changed("timeout") {
		timeout = monitorTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	manager := session.NewManager(bleTransport(logger), cfg.QueueSize, logger)

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", address), "Connecting")
	progress.Start()
	err = manager.Connect(ctx, address, timeout)
	progress.Stop()
	if err != nil {
		return err
	}
	defer func() { _ = manager.Disconnect() }()

	st := manager.Status()
	fmt.Printf("Connected to %s (%s firmware). Press Ctrl+C to stop...\n", address, st.Mode)

	rateTicker := time.NewTicker(time.Second)
	defer rateTicker.Stop()
	rawCount := 0

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil

		case <-rateTicker.C:
			if !monitorRaw && rawCount > 0 {
				fmt.Printf("raw: %d packets/s\n", rawCount)
			}
			rawCount = 0

		case ev := <-manager.Events():
			switch ev.Kind {
			case session.EventStateChanged:
				if ev.Status.State == session.StateIdle {
					fmt.Println(color.RedString("Connection lost"))
					return ErrConnectionLost
				}

			case session.EventRawSample:
				rawCount++
				if monitorRaw {
					printRawSamples(ev)
				}

			case session.EventFeatureSample:
				printFeatures(ev)

			case session.EventPrediction:
				p := ev.Prediction
				if p.HasConfidence {
					fmt.Printf("prediction: %s (%.2f)\n", color.GreenString(p.Label), p.Confidence)
				} else {
					fmt.Printf("prediction: %s\n", color.GreenString(p.Label))
				}
			}
		}
	}
}

func printRawSamples(ev session.Event) {
	for _, sample := range ev.Raw.Samples {
		fmt.Printf("raw: acc=(%6d %6d %6d) gyro=(%6d %6d %6d)\n",
			sample[0], sample[1], sample[2], sample[3], sample[4], sample[5])
	}
}

func printFeatures(ev session.Event) {
	values := make([]string, 0, len(ev.Features.Values))
	for _, v := range ev.Features.Values {
		values = append(values, fmt.Sprintf("%.3f", v))
	}
	fmt.Printf("features: [%s]\n", strings.Join(values, " "))
}
