package recorder

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sticklog/internal/firmware"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func rawPacket(fill int16) *firmware.RawPacket {
	p := &firmware.RawPacket{}
	for i := range p.Samples {
		for j := range p.Samples[i] {
			p.Samples[i][j] = fill
		}
	}
	return p
}

func TestOpen_CreatesTimestampedFilesWithHeaders(t *testing.T) {
	dir := t.TempDir()

	r, err := Open(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.Regexp(t, regexp.MustCompile(`raw_data_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}\.csv$`), r.RawPath())
	assert.Regexp(t, regexp.MustCompile(`features_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}\.csv$`), r.FeaturesPath())
	assert.Equal(t, dir, filepath.Dir(r.RawPath()))

	rawRows := readCSV(t, r.RawPath())
	require.Len(t, rawRows, 1, "only the header before any appends")
	require.Len(t, rawRows[0], 62)
	assert.Equal(t, "timestamp_ms", rawRows[0][0])
	assert.Equal(t, "segment", rawRows[0][1])
	assert.Equal(t, "s0_acc_x", rawRows[0][2])
	assert.Equal(t, "s9_gyro_z", rawRows[0][61])

	featRows := readCSV(t, r.FeaturesPath())
	require.Len(t, featRows, 1)
	require.Len(t, featRows[0], 14)
	assert.Equal(t, "mean_acc_x", featRows[0][2])
	assert.Equal(t, "var_gyro_z", featRows[0][13])
}

func TestOpen_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")

	r, err := Open(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestOpen_DoesNotOverwriteExistingSessionFiles(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, first.AppendRaw(time.UnixMilli(1), Segment1, rawPacket(5)))
	require.NoError(t, first.Close())

	// Starting again within the same wall-clock second must not truncate
	// the finished recording's files.
	second, err := Open(dir, nil)
	require.NoError(t, err)
	defer second.Close()

	assert.NotEqual(t, first.RawPath(), second.RawPath())
	assert.NotEqual(t, first.FeaturesPath(), second.FeaturesPath())

	rows := readCSV(t, first.RawPath())
	require.Len(t, rows, 2, "the earlier recording survives a back-to-back start")
	assert.Equal(t, "5", rows[1][2])
}

func TestAppendRaw_RowsInArrivalOrderWithSegmentAtAppendTime(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ts := time.UnixMilli(1700000000000)
	require.NoError(t, r.AppendRaw(ts, Segment1, rawPacket(1)))
	require.NoError(t, r.AppendRaw(ts.Add(10*time.Millisecond), Segment1, rawPacket(2)))
	require.NoError(t, r.AppendRaw(ts.Add(20*time.Millisecond), Segment2, rawPacket(3)))
	require.NoError(t, r.Close())

	rows := readCSV(t, r.RawPath())
	require.Len(t, rows, 4)
	assert.Equal(t, "1700000000000", rows[1][0])
	assert.Equal(t, "1", rows[1][1])
	assert.Equal(t, "1", rows[1][2])
	assert.Equal(t, "2", rows[2][2])
	assert.Equal(t, "2", rows[3][1], "segment label is whatever was current at append time")
	assert.Equal(t, "3", rows[3][2])
	assert.EqualValues(t, 3, r.RawRows())
}

func TestAppendRaw_FlushedSynchronously(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.AppendRaw(time.Now(), SegmentNone, rawPacket(9)))

	// Row must be visible on disk before Close.
	rows := readCSV(t, r.RawPath())
	require.Len(t, rows, 2)
	assert.Equal(t, "none", rows[1][1])
}

func TestAppendFeatures(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	v := &firmware.FeatureVector{}
	for i := range v.Values {
		v.Values[i] = float32(i) + 0.25
	}
	require.NoError(t, r.AppendFeatures(time.UnixMilli(42), Segment3, v))
	require.NoError(t, r.Close())

	rows := readCSV(t, r.FeaturesPath())
	require.Len(t, rows, 2)
	assert.Equal(t, "42", rows[1][0])
	assert.Equal(t, "3", rows[1][1])
	assert.Equal(t, "0.25", rows[1][2])
	assert.EqualValues(t, 1, r.FeatureRows())
}

func TestClose_IsIdempotent(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestAppendAfterClose_ReturnsErrClosed(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	err = r.AppendRaw(time.Now(), SegmentNone, rawPacket(0))
	assert.ErrorIs(t, err, ErrClosed)

	err = r.AppendFeatures(time.Now(), SegmentNone, &firmware.FeatureVector{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSegmentString(t *testing.T) {
	assert.Equal(t, "none", SegmentNone.String())
	assert.Equal(t, "1", Segment1.String())
	assert.Equal(t, "3", Segment3.String())
}

func TestParseSegment(t *testing.T) {
	for v, want := range map[int]Segment{0: SegmentNone, 1: Segment1, 2: Segment2, 3: Segment3} {
		got, err := ParseSegment(v)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseSegment(4)
	assert.Error(t, err)
	_, err = ParseSegment(-1)
	assert.Error(t, err)
}
