package scanner_test

import (
	"context"
	"io"
	"sort"
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"

	"sticklog/internal/device"
	"sticklog/scanner"
)

// fakeAdvertisement implements blelib.Advertisement for scan tests.
type fakeAdvertisement struct {
	name        string
	addr        string
	rssi        int
	services    []blelib.UUID
	connectable bool
}

func (a *fakeAdvertisement) LocalName() string              { return a.name }
func (a *fakeAdvertisement) ManufacturerData() []byte       { return nil }
func (a *fakeAdvertisement) ServiceData() []blelib.ServiceData {
	return nil
}
func (a *fakeAdvertisement) Services() []blelib.UUID          { return a.services }
func (a *fakeAdvertisement) OverflowService() []blelib.UUID   { return nil }
func (a *fakeAdvertisement) TxPowerLevel() int                { return 0 }
func (a *fakeAdvertisement) Connectable() bool                { return a.connectable }
func (a *fakeAdvertisement) SolicitedService() []blelib.UUID  { return nil }
func (a *fakeAdvertisement) RSSI() int                        { return a.rssi }
func (a *fakeAdvertisement) Addr() blelib.Addr                { return blelib.NewAddr(a.addr) }

// fakeDevice replays a canned advertisement sequence into the scan
// handler. Only Scan and Stop are implemented; the embedded nil interface
// panics on anything else, which no scan path calls.
type fakeDevice struct {
	blelib.Device
	advs []blelib.Advertisement
}

func (d *fakeDevice) Scan(ctx context.Context, _ bool, h blelib.AdvHandler) error {
	for _, adv := range d.advs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h(adv)
	}
	return nil
}

func (d *fakeDevice) Stop() error { return nil }

type ScannerTestSuite struct {
	suitelib.Suite

	logger          *logrus.Logger
	originalFactory func() (blelib.Device, error)

	advSensor, advLamp, advBeacon *fakeAdvertisement
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetOutput(io.Discard)

	suite.advSensor = &fakeAdvertisement{
		name:        "M5StickC-IMU",
		addr:        "aa:bb:cc:dd:ee:ff",
		rssi:        -45,
		services:    []blelib.UUID{blelib.MustParse("ffe0")},
		connectable: true,
	}
	suite.advLamp = &fakeAdvertisement{
		name:        "Kitchen Lamp",
		addr:        "11:22:33:44:55:66",
		rssi:        -67,
		services:    []blelib.UUID{blelib.MustParse("1801")},
		connectable: true,
	}
	suite.advBeacon = &fakeAdvertisement{
		name:        "",
		addr:        "99:88:77:66:55:44",
		rssi:        -80,
		connectable: false,
	}

	suite.originalFactory = device.DeviceFactory
	suite.installAdvertisements(suite.advSensor, suite.advLamp, suite.advBeacon)
}

func (suite *ScannerTestSuite) TearDownTest() {
	device.DeviceFactory = suite.originalFactory
}

func (suite *ScannerTestSuite) installAdvertisements(advs ...*fakeAdvertisement) {
	sequence := make([]blelib.Advertisement, len(advs))
	for i, adv := range advs {
		sequence[i] = adv
	}
	device.DeviceFactory = func() (blelib.Device, error) {
		return &fakeDevice{advs: sequence}, nil
	}
}

func (suite *ScannerTestSuite) scan(opts *scanner.ScanOptions) map[string]scanner.DeviceEntry {
	s, err := scanner.NewScanner(suite.logger)
	require.NoError(suite.T(), err)

	if opts != nil && opts.Duration == 0 {
		opts.Duration = 100 * time.Millisecond
	}
	devices, err := s.Scan(context.Background(), opts, nil)
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), devices)
	return devices
}

func addresses(devices map[string]scanner.DeviceEntry) []string {
	addrs := make([]string, 0, len(devices))
	for addr := range devices {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func (suite *ScannerTestSuite) TestNewScanner() {
	suite.Run("creates scanner with provided logger", func() {
		s, err := scanner.NewScanner(suite.logger)
		suite.NoError(err)
		suite.NotNil(s)
	})

	suite.Run("creates scanner with nil logger", func() {
		s, err := scanner.NewScanner(nil)
		suite.NoError(err)
		suite.NotNil(s)
	})
}

func (suite *ScannerTestSuite) TestDefaultScanOptions() {
	opts := scanner.DefaultScanOptions()

	suite.NotNil(opts)
	suite.Equal(5*time.Second, opts.Duration)
	suite.False(opts.DuplicateFilter)
	suite.Empty(opts.NamePattern)
}

func (suite *ScannerTestSuite) TestScannerFiltering() {
	tests := []struct {
		name          string
		scanOptions   *scanner.ScanOptions
		expectedAddrs []string
	}{
		{
			name:          "includes all devices with no filters",
			scanOptions:   &scanner.ScanOptions{},
			expectedAddrs: []string{"11:22:33:44:55:66", "99:88:77:66:55:44", "aa:bb:cc:dd:ee:ff"},
		},
		{
			name: "excludes device on block list",
			scanOptions: &scanner.ScanOptions{
				BlockList: []string{"AA:BB:CC:DD:EE:FF"},
			},
			expectedAddrs: []string{"11:22:33:44:55:66", "99:88:77:66:55:44"},
		},
		{
			name: "includes only devices on allow list",
			scanOptions: &scanner.ScanOptions{
				AllowList: []string{"aa:bb:cc:dd:ee:ff"},
			},
			expectedAddrs: []string{"aa:bb:cc:dd:ee:ff"},
		},
		{
			name: "excludes devices not on allow list",
			scanOptions: &scanner.ScanOptions{
				AllowList: []string{"ff:ee:dd:cc:bb:aa"},
			},
			expectedAddrs: []string{},
		},
		{
			name: "includes device with matching advertised service",
			scanOptions: &scanner.ScanOptions{
				ServiceUUIDs: []string{"ffe0"},
			},
			expectedAddrs: []string{"aa:bb:cc:dd:ee:ff"},
		},
		{
			name: "excludes devices without matching service",
			scanOptions: &scanner.ScanOptions{
				ServiceUUIDs: []string{"1234"},
			},
			expectedAddrs: []string{},
		},
		{
			name: "name pattern matches case-insensitively",
			scanOptions: &scanner.ScanOptions{
				NamePattern: "m5stick",
			},
			expectedAddrs: []string{"aa:bb:cc:dd:ee:ff"},
		},
		{
			name: "name pattern excludes unnamed devices",
			scanOptions: &scanner.ScanOptions{
				NamePattern: "Lamp",
			},
			expectedAddrs: []string{"11:22:33:44:55:66"},
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			devices := suite.scan(tt.scanOptions)
			suite.Equal(tt.expectedAddrs, addresses(devices))
		})
	}
}

func (suite *ScannerTestSuite) TestScannerDeduplicatesByAddress() {
	first := &fakeAdvertisement{
		name:        "M5StickC-IMU",
		addr:        "aa:bb:cc:dd:ee:ff",
		rssi:        -45,
		connectable: true,
	}
	// Scan response without a local name; the learned name must survive.
	second := &fakeAdvertisement{
		name:        "",
		addr:        "aa:bb:cc:dd:ee:ff",
		rssi:        -52,
		services:    []blelib.UUID{blelib.MustParse("ffe0")},
		connectable: true,
	}
	suite.installAdvertisements(first, second)

	devices := suite.scan(&scanner.ScanOptions{})
	suite.Len(devices, 1)

	entry := devices["aa:bb:cc:dd:ee:ff"]
	suite.Equal("M5StickC-IMU", entry.Name)
	suite.Equal(-52, entry.RSSI, "RSSI MUST track the most recent advertisement")
	suite.NotEmpty(entry.AdvertisedServices)
}

func (suite *ScannerTestSuite) TestScannerEmitsDeviceEvents() {
	adv := suite.advSensor
	suite.installAdvertisements(adv, adv)

	s, err := scanner.NewScanner(suite.logger)
	require.NoError(suite.T(), err)

	_, err = s.Scan(context.Background(), &scanner.ScanOptions{Duration: 100 * time.Millisecond}, nil)
	require.NoError(suite.T(), err)

	var events []scanner.DeviceEvent
	for len(events) < 2 {
		select {
		case ev := <-s.Events():
			events = append(events, ev)
		case <-time.After(time.Second):
			suite.FailNow("expected two device events")
		}
	}
	suite.Equal(scanner.EventNew, events[0].Type)
	suite.Equal(scanner.EventUpdated, events[1].Type)
	suite.Equal("aa:bb:cc:dd:ee:ff", events[0].Entry.Address)
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}
