package recorder

import "fmt"

// Segment is the activity tag applied to samples during an active
// recording. It is changeable mid-session and only affects samples
// accepted after the change.
type Segment int

const (
	SegmentNone Segment = 0
	Segment1    Segment = 1
	Segment2    Segment = 2
	Segment3    Segment = 3
)

func (s Segment) String() string {
	if s == SegmentNone {
		return "none"
	}
	return fmt.Sprintf("%d", int(s))
}

// ParseSegment validates a numeric segment label. 0 maps to SegmentNone.
func ParseSegment(v int) (Segment, error) {
	if v < 0 || v > 3 {
		return SegmentNone, fmt.Errorf("invalid segment label %d: must be 0 (none), 1, 2, or 3", v)
	}
	return Segment(v), nil
}
