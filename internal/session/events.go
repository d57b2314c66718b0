package session

import (
	"time"

	"sticklog/internal/firmware"
	"sticklog/internal/recorder"
)

// ConnState is the connection manager state. Idle and Connected are the
// only stable states; Connecting and Disconnecting are transitional.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Status is an immutable snapshot of the manager's state, safe to hand
// across the UI boundary. Recording fields are zero unless Recording is
// true.
type Status struct {
	State   ConnState
	Address string
	Mode    firmware.Mode

	Recording    bool
	Segment      recorder.Segment
	RawPath      string
	FeaturesPath string
	RawRows      uint64
	FeatureRows  uint64
}

// EventKind discriminates events emitted to the presentation layer.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventRawSample
	EventFeatureSample
	EventPrediction
	EventRecordingStarted
	EventRecordingStopped
	EventRecordingError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventRawSample:
		return "raw_sample"
	case EventFeatureSample:
		return "feature_sample"
	case EventPrediction:
		return "prediction"
	case EventRecordingStarted:
		return "recording_started"
	case EventRecordingStopped:
		return "recording_stopped"
	case EventRecordingError:
		return "recording_error"
	default:
		return "unknown"
	}
}

// Event is delivered to the presentation layer over the manager's event
// channel. Only the fields matching Kind are populated; Status is always a
// snapshot taken at emission time.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Status Status

	// Sample payloads, valid for the matching sample kinds.
	Raw        *firmware.RawPacket
	Features   *firmware.FeatureVector
	Prediction *firmware.Prediction
	// Segment is the label that was current when the sample was accepted.
	Segment recorder.Segment

	// Err is set for EventRecordingError.
	Err error
}
