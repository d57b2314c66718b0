package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sticklog/internal/device"
	"sticklog/internal/recorder"
	"sticklog/internal/session"
)

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:   "record <device-address>",
	Short: "Connect to a sensor and record its stream to CSV",
	Long: fmt.Sprintf(`Connects to a sensor device and records raw IMU packets and feature
vectors into timestamped CSV files.

Key bindings while connected:
  r        start recording
  s        stop recording
  1, 2, 3  set the segment label for subsequent samples
  0        clear the segment label
  q        quit

Examples:
  # Connect and record interactively
  sticklog record %s

  # Start recording immediately into a custom directory
  sticklog record %s --start -o /tmp/imu

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

var (
	recordOutputDir string
	recordTimeout   time.Duration
	recordAutoStart bool
)

func init() {
	recordCmd.Flags().StringVarP(&recordOutputDir, "output", "o", "", "Output directory for CSV files")
	recordCmd.Flags().DurationVar(&recordTimeout, "timeout", 0, "Connection timeout")
	recordCmd.Flags().BoolVar(&recordAutoStart, "start", false, "Start recording immediately after connecting")
}

// bleTransport adapts device.Dial to the session transport interface.
func bleTransport(logger *logrus.Logger) session.Transport {
	return session.TransportFunc(func(ctx context.Context, address string, timeout time.Duration) (session.Link, error) {
		conn, err := device.Dial(ctx, address, &device.ConnectOptions{ConnectTimeout: timeout}, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

func runRecord(cmd *cobra.Command, args []string) error {
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

	outputDir := cfg.OutputDir
	if cmd.Flags().Changed("output") {
		outputDir = recordOutputDir
	}
	timeout := cfg.ConnectDuration()
	if cmd.Flags().Changed("timeout") {
		timeout = recordTimeout
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
	fmt.Printf("Connected to %s (%s firmware)\r\n", address, st.Mode)

	if recordAutoStart {
		if err := manager.StartRecording(outputDir); err != nil {
			return err
		}
	}

	return interactiveLoop(ctx, manager, outputDir)
}

// interactiveLoop drives the session from single-key commands until the
// user quits or the link drops. Without a terminal on stdin it degrades to
// a passive stream that runs until Ctrl+C.
func interactiveLoop(ctx context.Context, manager *session.Manager, outputDir string) error {
	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	if interactive {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			interactive = false
		} else {
			defer func() {
				_ = term.Restore(fd, oldState)
				fmt.Println()
			}()
		}
	}

	keys := make(chan byte, 8)
	if interactive {
		fmt.Print("Keys: [r]ecord  [s]top  [1-3] segment  [0] clear  [q]uit\r\n")
		go func() {
			buf := make([]byte, 1)
			for {
				n, err := os.Stdin.Read(buf)
				if err != nil {
					close(keys)
					return
				}
				if n > 0 {
					keys <- buf[0]
				}
			}
		}()
	} else {
		fmt.Print("No terminal detected; streaming until interrupted.\r\n")
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	dirty := true

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-manager.Events():
			switch ev.Kind {
			case session.EventStateChanged:
				if ev.Status.State == session.StateIdle {
					printLine(color.RedString("Connection lost"))
					return ErrConnectionLost
				}
			case session.EventPrediction:
				printPrediction(ev)
			case session.EventRecordingStarted:
				printLine("Recording to %s", ev.Status.RawPath)
			case session.EventRecordingStopped:
				printLine("Recording stopped")
			case session.EventRecordingError:
				printLine(color.RedString("Recording failed: %v", ev.Err))
			}
			dirty = true

		case b, ok := <-keys:
			if !ok {
				return nil
			}
			quit, err := handleKey(manager, outputDir, b)
			if err != nil {
				printLine(color.YellowString("%s", FormatUserError(err)))
			}
			if quit {
				return nil
			}
			dirty = true

		case <-ticker.C:
			if dirty {
				renderStatus(manager.Status())
				dirty = false
			}
		}
	}
}

// handleKey applies one key press. The returned bool requests a quit.
func handleKey(manager *session.Manager, outputDir string, b byte) (bool, error) {
	switch b {
	case 'q', 'Q', 3: // 3 is Ctrl+C in raw mode
		return true, nil
	case 'r', 'R':
		return false, manager.StartRecording(outputDir)
	case 's', 'S':
		err := manager.StopRecording()
		if errors.Is(err, session.ErrNotRecording) {
			err = nil
		}
		return false, err
	case '0', '1', '2', '3':
		seg, err := recorder.ParseSegment(int(b - '0'))
		if err != nil {
			return false, err
		}
		return false, manager.SetSegment(seg)
	default:
		return false, nil
	}
}

var (
	recDot   = color.New(color.FgRed, color.Bold).Sprint("●")
	idleDot  = color.New(color.FgHiBlack).Sprint("○")
	segColor = color.New(color.FgCyan, color.Bold)
)

func renderStatus(st session.Status) {
	if !st.Recording {
		fmt.Printf("%s %s not recording                                        \r",
			clearLineSequence, idleDot)
		return
	}
	fmt.Printf("%s %s recording  segment=%s  raw=%d  features=%d        \r",
		clearLineSequence, recDot, segColor.Sprint(st.Segment), st.RawRows, st.FeatureRows)
}

func printPrediction(ev session.Event) {
	p := ev.Prediction
	if p.HasConfidence {
		printLine("Prediction: %s (%.2f)", color.GreenString(p.Label), p.Confidence)
	} else {
		printLine("Prediction: %s", color.GreenString(p.Label))
	}
}

// printLine writes one full line in raw terminal mode, clearing any status
// line first.
func printLine(format string, args ...any) {
	fmt.Printf(clearLineSequence+format+"\r\n", args...)
}
