package firmware

import "fmt"

// Mode is the firmware capability set, resolved once at connect time from
// which characteristics the device exposes. It is never re-checked per
// packet.
type Mode int

const (
	// ModeDataLogging firmware streams raw packets and feature vectors.
	ModeDataLogging Mode = iota
	// ModeTinyML firmware additionally streams prediction labels.
	ModeTinyML
)

func (m Mode) String() string {
	switch m {
	case ModeDataLogging:
		return "data-logging"
	case ModeTinyML:
		return "tinyml"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Capability describes what the connected firmware streams.
type Capability struct {
	Mode       Mode
	Raw        bool
	Features   bool
	Prediction bool
}

// DetectCapability resolves the firmware capability set from characteristic
// presence. The has callback is queried with dashed UUID constants and must
// accept either dashed or normalized form.
//
// The raw IMU characteristic is mandatory: without it the device is not a
// recognizable sensor and the connection attempt fails.
func DetectCapability(has func(uuid string) bool) (Capability, error) {
	c := Capability{
		Raw:        has(CharRawIMU),
		Features:   has(CharFeatures),
		Prediction: has(CharPrediction),
	}

	if !c.Raw {
		return Capability{}, fmt.Errorf("device does not expose the raw IMU characteristic %s", CharRawIMU)
	}

	if c.Prediction {
		c.Mode = ModeTinyML
	} else {
		c.Mode = ModeDataLogging
	}
	return c, nil
}

// Characteristics returns the UUIDs to subscribe to for this capability
// set, in a stable order.
func (c Capability) Characteristics() []string {
	uuids := make([]string, 0, 3)
	if c.Raw {
		uuids = append(uuids, CharRawIMU)
	}
	if c.Features {
		uuids = append(uuids, CharFeatures)
	}
	if c.Prediction {
		uuids = append(uuids, CharPrediction)
	}
	return uuids
}
