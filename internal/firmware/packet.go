package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Packet geometry. All multi-byte fields are little-endian.
const (
	// SamplesPerPacket is the number of consecutive IMU readings batched
	// into one raw notification.
	SamplesPerPacket = 10

	// AxesPerSample is acc x/y/z followed by gyro x/y/z.
	AxesPerSample = 6

	// RawPacketSize is the exact raw payload length in bytes.
	RawPacketSize = SamplesPerPacket * AxesPerSample * 2 // int16 values

	// FeatureCount is the number of float32 statistics per feature vector:
	// mean then variance for each of the six axes.
	FeatureCount = 2 * AxesPerSample

	// FeaturePacketSize is the exact feature payload length in bytes.
	FeaturePacketSize = FeatureCount * 4
)

// ErrPacketSize is returned when a payload does not match the fixed layout
// length. Such payloads are dropped by the router, never fatal.
var ErrPacketSize = errors.New("unexpected packet length")

// RawPacket is one decoded raw notification: SamplesPerPacket consecutive
// readings of AxesPerSample int16 values each.
type RawPacket struct {
	Samples [SamplesPerPacket][AxesPerSample]int16
}

// ParseRaw decodes a raw IMU payload. The payload must be exactly
// RawPacketSize bytes.
func ParseRaw(data []byte) (*RawPacket, error) {
	if len(data) != RawPacketSize {
		return nil, fmt.Errorf("%w: raw packet is %d bytes, want %d", ErrPacketSize, len(data), RawPacketSize)
	}

	p := &RawPacket{}
	for i := 0; i < SamplesPerPacket; i++ {
		for j := 0; j < AxesPerSample; j++ {
			off := (i*AxesPerSample + j) * 2
			p.Samples[i][j] = int16(binary.LittleEndian.Uint16(data[off : off+2]))
		}
	}
	return p, nil
}

// FeatureVector is one decoded feature notification, FeatureCount float32
// statistics in the firmware-defined order: mean per axis, then variance
// per axis.
type FeatureVector struct {
	Values [FeatureCount]float32
}

// ParseFeatures decodes a feature payload. The payload must be exactly
// FeaturePacketSize bytes.
func ParseFeatures(data []byte) (*FeatureVector, error) {
	if len(data) != FeaturePacketSize {
		return nil, fmt.Errorf("%w: feature packet is %d bytes, want %d", ErrPacketSize, len(data), FeaturePacketSize)
	}

	v := &FeatureVector{}
	for i := 0; i < FeatureCount; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		v.Values[i] = math.Float32frombits(bits)
	}
	return v, nil
}

// FeatureNames returns the column names matching FeatureVector.Values order.
func FeatureNames() []string {
	names := make([]string, 0, FeatureCount)
	for _, axis := range AxisNames {
		names = append(names, "mean_"+axis)
	}
	for _, axis := range AxisNames {
		names = append(names, "var_"+axis)
	}
	return names
}

// Prediction is a classifier output from TinyML firmware.
type Prediction struct {
	Label      string
	Confidence float64
	// HasConfidence reports whether the payload carried a trailing
	// confidence value.
	HasConfidence bool
}

// ParsePrediction decodes a prediction payload. The firmware sends a UTF-8
// label, optionally followed by a confidence value separated by a comma or
// whitespace ("walking,0.87"). Parsing is permissive: anything readable as
// a label is accepted, and a malformed trailing confidence is treated as
// part of the label rather than rejected.
func ParsePrediction(data []byte) (Prediction, error) {
	text := strings.TrimSpace(strings.ToValidUTF8(string(data), ""))
	if text == "" {
		return Prediction{}, fmt.Errorf("empty prediction payload")
	}
	if !utf8.ValidString(text) {
		return Prediction{}, fmt.Errorf("prediction payload is not valid UTF-8")
	}

	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) >= 2 {
		last := fields[len(fields)-1]
		if conf, err := strconv.ParseFloat(last, 64); err == nil {
			return Prediction{
				Label:         strings.Join(fields[:len(fields)-1], " "),
				Confidence:    conf,
				HasConfidence: true,
			}, nil
		}
	}

	return Prediction{Label: strings.Join(fields, " ")}, nil
}
