package firmware

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildRawPayload encodes a payload where sample i, axis j carries the
// value i*10+j, making decode order failures obvious.
func buildRawPayload() []byte {
	data := make([]byte, RawPacketSize)
	for i := 0; i < SamplesPerPacket; i++ {
		for j := 0; j < AxesPerSample; j++ {
			off := (i*AxesPerSample + j) * 2
			binary.LittleEndian.PutUint16(data[off:off+2], uint16(int16(i*10+j)))
		}
	}
	return data
}

func TestParseRaw(t *testing.T) {
	p, err := ParseRaw(buildRawPayload())
	require.NoError(t, err)

	for i := 0; i < SamplesPerPacket; i++ {
		for j := 0; j < AxesPerSample; j++ {
			assert.EqualValues(t, i*10+j, p.Samples[i][j], "sample %d axis %d", i, j)
		}
	}
}

func TestParseRaw_NegativeValues(t *testing.T) {
	data := make([]byte, RawPacketSize)
	v0, v1 := int16(-32768), int16(-1)
	binary.LittleEndian.PutUint16(data[0:2], uint16(v0))
	binary.LittleEndian.PutUint16(data[2:4], uint16(v1))

	p, err := ParseRaw(data)
	require.NoError(t, err)
	assert.EqualValues(t, -32768, p.Samples[0][0])
	assert.EqualValues(t, -1, p.Samples[0][1])
}

func TestParseRaw_WrongLength(t *testing.T) {
	for _, size := range []int{0, 12, RawPacketSize - 1, RawPacketSize + 1, 2 * RawPacketSize} {
		_, err := ParseRaw(make([]byte, size))
		assert.ErrorIs(t, err, ErrPacketSize, "size %d MUST be rejected", size)
	}
}

func TestParseFeatures(t *testing.T) {
	data := make([]byte, FeaturePacketSize)
	for i := 0; i < FeatureCount; i++ {
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], math.Float32bits(float32(i)+0.5))
	}

	v, err := ParseFeatures(data)
	require.NoError(t, err)
	for i := 0; i < FeatureCount; i++ {
		assert.InDelta(t, float64(i)+0.5, float64(v.Values[i]), 1e-6)
	}
}

func TestParseFeatures_WrongLength(t *testing.T) {
	_, err := ParseFeatures(make([]byte, FeaturePacketSize-4))
	assert.ErrorIs(t, err, ErrPacketSize)
}

func TestFeatureNames(t *testing.T) {
	names := FeatureNames()
	require.Len(t, names, FeatureCount)
	assert.Equal(t, "mean_acc_x", names[0])
	assert.Equal(t, "mean_gyro_z", names[5])
	assert.Equal(t, "var_acc_x", names[6])
	assert.Equal(t, "var_gyro_z", names[11])
}

func TestParsePrediction(t *testing.T) {
	tests := []struct {
		name          string
		payload       string
		wantLabel     string
		wantConf      float64
		hasConfidence bool
		wantErr       bool
	}{
		{
			name:          "label with comma confidence",
			payload:       "walking,0.87",
			wantLabel:     "walking",
			wantConf:      0.87,
			hasConfidence: true,
		},
		{
			name:          "label with space confidence",
			payload:       "running 0.42",
			wantLabel:     "running",
			wantConf:      0.42,
			hasConfidence: true,
		},
		{
			name:      "bare label",
			payload:   "idle",
			wantLabel: "idle",
		},
		{
			name:      "trailing whitespace",
			payload:   "  jumping  \n",
			wantLabel: "jumping",
		},
		{
			name:      "non-numeric suffix stays part of the label",
			payload:   "fast walk",
			wantLabel: "fast walk",
		},
		{
			name:    "empty payload",
			payload: "",
			wantErr: true,
		},
		{
			name:    "whitespace only",
			payload: "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePrediction([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, p.Label)
			assert.Equal(t, tt.hasConfidence, p.HasConfidence)
			if tt.hasConfidence {
				assert.InDelta(t, tt.wantConf, p.Confidence, 1e-9)
			}
		})
	}
}

func TestParsePrediction_InvalidUTF8Stripped(t *testing.T) {
	p, err := ParsePrediction([]byte{0xff, 'u', 'p', 0xfe})
	require.NoError(t, err)
	assert.Equal(t, "up", p.Label)
}
