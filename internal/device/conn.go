package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"sticklog/internal/groutine"
)

// ConnectOptions defines BLE connection options.
type ConnectOptions struct {
	ConnectTimeout time.Duration
}

// DefaultConnectTimeout bounds a dial attempt when the caller does not
// supply one.
const DefaultConnectTimeout = 10 * time.Second

// Conn is a live connection to a peripheral with its GATT profile resolved.
// One Conn corresponds to one dial; it is not reusable after Close.
type Conn struct {
	client ble.Client
	logger *logrus.Logger

	mu    sync.Mutex
	chars map[string]*ble.Characteristic // normalized UUID -> live handle
	subs  []*ble.Characteristic          // characteristics with active notifications

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the peripheral at address, discovers its profile, and
// returns a Conn with all characteristics resolved. The attempt is bounded
// by opts.ConnectTimeout and cancellable through ctx.
func Dial(ctx context.Context, address string, opts *ConnectOptions, logger *logrus.Logger) (*Conn, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if opts == nil {
		opts = &ConnectOptions{ConnectTimeout: DefaultConnectTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}

	logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device %q: %w", address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithError(cancelErr).Warn("Failed to cancel connection after discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	c := &Conn{
		client: client,
		logger: logger,
		chars:  make(map[string]*ble.Characteristic),
		done:   make(chan struct{}),
	}

	for _, svc := range profile.Services {
		svcUUID := NormalizeUUID(svc.UUID.String())
		for _, char := range svc.Characteristics {
			charUUID := NormalizeUUID(char.UUID.String())
			logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    charUUID,
			}).Debug("Found characteristic UUID")
			c.chars[charUUID] = char
		}
	}

	// Bridge the client's link-loss signal into the Conn's done channel so
	// consumers observe both explicit Close and radio-level disconnection
	// the same way.
	groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
		select {
		case <-client.Disconnected():
			logger.Warn("BLE link reported disconnection")
			c.signalDone()
		case <-c.done:
		}
	})

	logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(c.chars),
	}).Info("BLE device connected")
	return c, nil
}

func (c *Conn) signalDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Characteristics returns the normalized UUIDs of all resolved
// characteristics.
func (c *Conn) Characteristics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uuids := make([]string, 0, len(c.chars))
	for uuid := range c.chars {
		uuids = append(uuids, uuid)
	}
	return uuids
}

// HasCharacteristic reports whether the peripheral exposes the given
// characteristic. The UUID may be in dashed or normalized form.
func (c *Conn) HasCharacteristic(uuid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chars[NormalizeUUID(uuid)]
	return ok
}

// Subscribe enables notifications on the given characteristic. The payload
// passed to fn is copied out of the radio stack's buffer and owned by the
// callee. Callbacks fire from the BLE delivery context and must not block.
func (c *Conn) Subscribe(uuid string, fn func(data []byte)) error {
	normalized := NormalizeUUID(uuid)

	c.mu.Lock()
	char, ok := c.chars[normalized]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("characteristic %q not found", uuid)
	}
	if char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate == 0 {
		return fmt.Errorf("characteristic %q does not support notifications", uuid)
	}

	err := c.client.Subscribe(char, false, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		fn(buf)
	})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"char_uuid": normalized,
			"error":     err,
		}).Error("Failed to subscribe to characteristic notifications")
		return fmt.Errorf("subscribe %s: %w", normalized, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, char)
	c.mu.Unlock()

	c.logger.WithField("char_uuid", normalized).Info("Subscribed to characteristic notifications")
	return nil
}

// Disconnected returns a channel closed when the link is lost or the Conn
// is closed.
func (c *Conn) Disconnected() <-chan struct{} {
	return c.done
}

// Close unsubscribes from all notifications and tears the connection down.
// Safe to call multiple times; only the first call does the work.
func (c *Conn) Close() error {
	c.signalDone()

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var unsubscribeErrors []string
	for _, char := range subs {
		if err := c.client.Unsubscribe(char, false); err != nil {
			unsubscribeErrors = append(unsubscribeErrors, fmt.Sprintf("%s: %v", NormalizeUUID(char.UUID.String()), err))
		}
	}
	if len(unsubscribeErrors) > 0 {
		c.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).
			Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	err := c.client.CancelConnection()
	if err != nil {
		c.logger.WithError(err).Warn("BLE device disconnected with errors")
	} else {
		c.logger.Info("BLE device disconnected")
	}
	return err
}
