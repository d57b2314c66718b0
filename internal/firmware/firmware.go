// Package firmware captures the wire contract of the M5Stick sensor
// firmware: the GATT UUIDs it exposes, the fixed packet layouts it streams,
// and the capability set implied by which characteristics are present.
//
// The contract is versionless. A firmware update that changes a packet
// layout of the same length is undetectable at this layer.
package firmware

// GATT identifiers advertised by the sensor firmware. The characteristic
// set present after discovery determines the firmware mode; there is no
// explicit negotiation.
const (
	// ServiceIMU hosts all sensor characteristics.
	ServiceIMU = "0000ffe0-0000-1000-8000-00805f9b34fb"

	// CharRawIMU streams RawPacketSize-byte bursts of raw IMU samples.
	CharRawIMU = "0000ffe1-0000-1000-8000-00805f9b34fb"

	// CharFeatures streams one FeatureVector per second, computed on-device.
	CharFeatures = "0000ffe2-0000-1000-8000-00805f9b34fb"

	// CharPrediction streams classifier output at ~2 Hz (TinyML builds only).
	CharPrediction = "0000ffe3-0000-1000-8000-00805f9b34fb"
)

// AxisNames lists the per-sample value order shared by raw packets and
// feature vectors.
var AxisNames = [AxesPerSample]string{"acc_x", "acc_y", "acc_z", "gyro_x", "gyro_y", "gyro_z"}
