// Package recorder owns the output files of one recording session. It
// exists only between start and stop: opened with timestamped CSV files,
// appended to synchronously per arriving sample, and closed exactly once.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sticklog/internal/firmware"
)

// FilenameTimeLayout names output files after the recording start time.
const FilenameTimeLayout = "2006-01-02_15-04-05"

// ErrClosed is returned by appends after Close. Arrivals racing a stop are
// expected and callers drop them silently.
var ErrClosed = errors.New("recorder is closed")

// Recorder appends decoded samples to the raw and feature CSV files of one
// recording session. Files are append-only for the recorder's lifetime and
// every row is flushed to the OS before the append returns, bounding data
// loss on crash to at most the row in flight.
type Recorder struct {
	startedAt time.Time
	logger    *logrus.Logger

	mu           sync.Mutex
	rawFile      *os.File
	featuresFile *os.File
	rawCSV       *csv.Writer
	featuresCSV  *csv.Writer
	rawRows      uint64
	featureRows  uint64
	closed       bool
}

// Open creates the session's output files in dir, named with the recording
// start timestamp, and writes their header rows. The directory is created
// if missing.
func Open(dir string, logger *logrus.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %q: %w", dir, err)
	}

	startedAt := time.Now()

	rawFile, featuresFile, err := createSessionFiles(dir, startedAt)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		startedAt:    startedAt,
		logger:       logger,
		rawFile:      rawFile,
		featuresFile: featuresFile,
		rawCSV:       csv.NewWriter(rawFile),
		featuresCSV:  csv.NewWriter(featuresFile),
	}

	if err := r.writeHeaders(); err != nil {
		_ = rawFile.Close()
		_ = featuresFile.Close()
		_ = os.Remove(rawFile.Name())
		_ = os.Remove(featuresFile.Name())
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"raw_file":      rawFile.Name(),
		"features_file": featuresFile.Name(),
	}).Info("Recording started")
	return r, nil
}

// createSessionFiles creates both CSV files exclusively. Filenames have
// second resolution, so a recording started within the same second as an
// earlier one would otherwise truncate its files; on collision a numeric
// suffix disambiguates, shared by both files of the pair.
func createSessionFiles(dir string, startedAt time.Time) (rawFile, featuresFile *os.File, err error) {
	ts := startedAt.Format(FilenameTimeLayout)

	for attempt := 0; attempt < 100; attempt++ {
		suffix := ts
		if attempt > 0 {
			suffix = fmt.Sprintf("%s_%d", ts, attempt)
		}
		rawPath := filepath.Join(dir, fmt.Sprintf("raw_data_%s.csv", suffix))
		featuresPath := filepath.Join(dir, fmt.Sprintf("features_%s.csv", suffix))

		rawFile, err = os.OpenFile(rawPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create %q: %w", rawPath, err)
		}

		featuresFile, err = os.OpenFile(featuresPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			_ = rawFile.Close()
			_ = os.Remove(rawPath)
			continue
		}
		if err != nil {
			_ = rawFile.Close()
			_ = os.Remove(rawPath)
			return nil, nil, fmt.Errorf("failed to create %q: %w", featuresPath, err)
		}
		return rawFile, featuresFile, nil
	}
	return nil, nil, fmt.Errorf("failed to create session files in %q: too many name collisions", dir)
}

func (r *Recorder) writeHeaders() error {
	if err := r.rawCSV.Write(rawHeader()); err != nil {
		return fmt.Errorf("failed to write raw header: %w", err)
	}
	if err := r.featuresCSV.Write(featuresHeader()); err != nil {
		return fmt.Errorf("failed to write features header: %w", err)
	}
	r.rawCSV.Flush()
	r.featuresCSV.Flush()
	if err := r.rawCSV.Error(); err != nil {
		return fmt.Errorf("failed to flush raw header: %w", err)
	}
	if err := r.featuresCSV.Error(); err != nil {
		return fmt.Errorf("failed to flush features header: %w", err)
	}
	return nil
}

// rawHeader is timestamp_ms, segment, then one column per sample and axis:
// s0_acc_x .. s9_gyro_z.
func rawHeader() []string {
	header := make([]string, 0, 2+firmware.SamplesPerPacket*firmware.AxesPerSample)
	header = append(header, "timestamp_ms", "segment")
	for i := 0; i < firmware.SamplesPerPacket; i++ {
		for _, axis := range firmware.AxisNames {
			header = append(header, fmt.Sprintf("s%d_%s", i, axis))
		}
	}
	return header
}

func featuresHeader() []string {
	header := make([]string, 0, 2+firmware.FeatureCount)
	header = append(header, "timestamp_ms", "segment")
	header = append(header, firmware.FeatureNames()...)
	return header
}

// AppendRaw writes one row for a raw packet: capture timestamp, the segment
// label current at append time, and all decoded values in fixed order. The
// row is flushed before returning.
func (r *Recorder) AppendRaw(ts time.Time, seg Segment, p *firmware.RawPacket) error {
	row := make([]string, 0, 2+firmware.SamplesPerPacket*firmware.AxesPerSample)
	row = append(row, strconv.FormatInt(ts.UnixMilli(), 10), seg.String())
	for i := 0; i < firmware.SamplesPerPacket; i++ {
		for j := 0; j < firmware.AxesPerSample; j++ {
			row = append(row, strconv.Itoa(int(p.Samples[i][j])))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.writeRow(r.rawCSV, row); err != nil {
		return fmt.Errorf("failed to append raw row: %w", err)
	}
	r.rawRows++
	return nil
}

// AppendFeatures writes one row for a feature vector, mirroring AppendRaw.
func (r *Recorder) AppendFeatures(ts time.Time, seg Segment, v *firmware.FeatureVector) error {
	row := make([]string, 0, 2+firmware.FeatureCount)
	row = append(row, strconv.FormatInt(ts.UnixMilli(), 10), seg.String())
	for _, val := range v.Values {
		row = append(row, strconv.FormatFloat(float64(val), 'g', -1, 32))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.writeRow(r.featuresCSV, row); err != nil {
		return fmt.Errorf("failed to append feature row: %w", err)
	}
	r.featureRows++
	return nil
}

func (r *Recorder) writeRow(w *csv.Writer, row []string) error {
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Close flushes and closes both files. Safe to call more than once; only
// the first call does the work.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.rawCSV.Flush()
	r.featuresCSV.Flush()

	var errs []error
	if err := r.rawCSV.Error(); err != nil {
		errs = append(errs, fmt.Errorf("raw flush: %w", err))
	}
	if err := r.featuresCSV.Error(); err != nil {
		errs = append(errs, fmt.Errorf("features flush: %w", err))
	}
	if err := r.rawFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("raw close: %w", err))
	}
	if err := r.featuresFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("features close: %w", err))
	}

	r.logger.WithFields(logrus.Fields{
		"raw_rows":     r.rawRows,
		"feature_rows": r.featureRows,
	}).Info("Recording stopped")
	return errors.Join(errs...)
}

// StartedAt returns the recording start time used in the filenames.
func (r *Recorder) StartedAt() time.Time { return r.startedAt }

// RawPath returns the raw CSV file path.
func (r *Recorder) RawPath() string { return r.rawFile.Name() }

// FeaturesPath returns the features CSV file path.
func (r *Recorder) FeaturesPath() string { return r.featuresFile.Name() }

// RawRows returns the number of raw rows appended so far.
func (r *Recorder) RawRows() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rawRows
}

// FeatureRows returns the number of feature rows appended so far.
func (r *Recorder) FeatureRows() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.featureRows
}
