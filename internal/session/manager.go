// Package session owns the single BLE session: the connection state
// machine, the notification router, and the recording state. The
// presentation layer drives it through commands (Connect, Disconnect,
// StartRecording, SetSegment, StopRecording) and observes it through
// immutable status snapshots and an event channel; it never touches the
// session's mutable state directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sticklog/internal/device"
	"sticklog/internal/firmware"
	"sticklog/internal/groutine"
	"sticklog/internal/recorder"
	"sticklog/internal/ringchan"
)

// Recording state errors. Both are reported no-ops: they alter nothing.
var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// DefaultQueueSize bounds the notification queue between the BLE delivery
// context and the router. At ~50 raw packets/s this is several seconds of
// headroom.
const DefaultQueueSize = 256

// eventBuffer bounds the event channel to the presentation layer. A slow
// UI loses old events, never blocks the router.
const eventBuffer = 128

// Link is a live, profile-resolved connection to the sensor device.
type Link interface {
	HasCharacteristic(uuid string) bool
	// Subscribe enables notifications; fn receives a payload the callee
	// owns and is invoked from the BLE delivery context.
	Subscribe(uuid string, fn func(data []byte)) error
	// Disconnected is closed on link loss or Close.
	Disconnected() <-chan struct{}
	Close() error
}

// Transport dials peripherals. The production implementation wraps
// device.Dial; tests substitute fakes.
type Transport interface {
	Dial(ctx context.Context, address string, timeout time.Duration) (Link, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, address string, timeout time.Duration) (Link, error)

func (f TransportFunc) Dial(ctx context.Context, address string, timeout time.Duration) (Link, error) {
	return f(ctx, address, timeout)
}

// Normalized characteristic IDs the router switches on.
var (
	rawCharID        = device.NormalizeUUID(firmware.CharRawIMU)
	featuresCharID   = device.NormalizeUUID(firmware.CharFeatures)
	predictionCharID = device.NormalizeUUID(firmware.CharPrediction)
)

// notification is one inbound payload, stamped at arrival.
type notification struct {
	ts   time.Time
	char string
	data []byte
}

// stream is the per-connection plumbing: the bounded notification queue and
// the router goroutine consuming it. A new stream is built for every
// successful connect and torn down exactly once.
//
// The queue channel is never closed: BLE callbacks can race teardown, and a
// straggler send into a closed channel would panic. Shutdown is signaled
// through stop instead, and the closed flag turns stragglers into no-ops.
type stream struct {
	link       Link
	queue      *ringchan.RingChannel[notification]
	closed     atomic.Bool
	stop       chan struct{}
	routerDone chan struct{}
}

func (s *stream) enqueue(char string, data []byte) {
	if s.closed.Load() {
		return
	}
	s.queue.Send(notification{ts: time.Now(), char: char, data: data})
}

// Manager is the connection manager. At most one session is open at a
// time; all mutable state is guarded by mu and exposed only as Status
// snapshots.
type Manager struct {
	transport Transport
	logger    *logrus.Logger
	queueSize int
	events    *ringchan.RingChannel[Event]

	mu            sync.Mutex
	state         ConnState
	address       string
	capability    firmware.Capability
	stream        *stream
	connectCancel context.CancelFunc

	rec     *recorder.Recorder
	segment recorder.Segment
}

// NewManager creates an idle manager. queueSize <= 0 selects
// DefaultQueueSize.
func NewManager(transport Transport, queueSize int, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		transport: transport,
		logger:    logger,
		queueSize: queueSize,
		events:    ringchan.New[Event](eventBuffer),
		state:     StateIdle,
	}
}

// Events returns the event channel consumed by the presentation layer.
func (m *Manager) Events() <-chan Event {
	return m.events.C()
}

// Status returns an immutable snapshot of the current session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	st := Status{
		State:   m.state,
		Address: m.address,
		Mode:    m.capability.Mode,
	}
	if m.rec != nil {
		st.Recording = true
		st.Segment = m.segment
		st.RawPath = m.rec.RawPath()
		st.FeaturesPath = m.rec.FeaturesPath()
		st.RawRows = m.rec.RawRows()
		st.FeatureRows = m.rec.FeatureRows()
	}
	return st
}

func (m *Manager) emit(ev Event) {
	ev.Time = time.Now()
	ev.Status = m.Status()
	m.events.Send(ev)
}

func (m *Manager) emitState() {
	m.emit(Event{Kind: EventStateChanged})
}

// Connect dials address, resolves the firmware capability set, and
// subscribes to its characteristics. The attempt is bounded by timeout and
// cancellable by Disconnect. On any failure the state collapses to Idle;
// nothing is retried.
func (m *Manager) Connect(ctx context.Context, address string, timeout time.Duration) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: session is %s", device.ErrAlreadyConnected, state)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.state = StateConnecting
	m.address = address
	m.mu.Unlock()
	m.emitState()

	link, err := m.transport.Dial(dialCtx, address, timeout)
	if err != nil {
		m.abortConnect()
		return fmt.Errorf("failed to connect to %q: %w", address, err)
	}
	if dialCtx.Err() != nil {
		// Disconnect raced a successful dial; drop the link.
		_ = link.Close()
		m.abortConnect()
		return dialCtx.Err()
	}

	capability, err := firmware.DetectCapability(link.HasCharacteristic)
	if err != nil {
		_ = link.Close()
		m.abortConnect()
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	}

	s := &stream{
		link:       link,
		queue:      ringchan.New[notification](m.queueSize),
		stop:       make(chan struct{}),
		routerDone: make(chan struct{}),
	}
	for _, uuid := range capability.Characteristics() {
		charID := device.NormalizeUUID(uuid)
		if err := link.Subscribe(uuid, func(data []byte) {
			s.enqueue(charID, data)
		}); err != nil {
			_ = link.Close()
			m.abortConnect()
			return fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(charID), err)
		}
	}

	m.mu.Lock()
	if dialCtx.Err() != nil {
		// Disconnect raced the capability/subscribe phase; the cancel wins
		// over an otherwise successful attempt.
		m.mu.Unlock()
		_ = link.Close()
		m.abortConnect()
		return dialCtx.Err()
	}
	m.stream = s
	m.capability = capability
	m.state = StateConnected
	m.connectCancel = nil
	m.mu.Unlock()

	groutine.Go(context.Background(), "notification-router", func(context.Context) {
		m.runRouter(s)
	})
	groutine.Go(context.Background(), "link-watcher", func(context.Context) {
		<-link.Disconnected()
		m.handleLinkLoss(s)
	})

	m.logger.WithFields(logrus.Fields{
		"address": address,
		"mode":    capability.Mode,
	}).Info("Session connected")
	m.emitState()
	return nil
}

// abortConnect collapses a failed or cancelled connect attempt to Idle.
func (m *Manager) abortConnect() {
	m.mu.Lock()
	m.state = StateIdle
	m.address = ""
	m.connectCancel = nil
	m.mu.Unlock()
	m.emitState()
}

// Disconnect tears the session down. During Connecting it cancels the
// attempt; when Idle it is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle:
		m.mu.Unlock()
		m.logger.Info("Already disconnected")
		return nil
	case StateConnecting:
		// Cancelling while holding the lock guarantees the connect goroutine
		// observes the cancellation before it can commit StateConnected.
		if m.connectCancel != nil {
			m.connectCancel()
		}
		m.mu.Unlock()
		return nil
	case StateDisconnecting:
		m.mu.Unlock()
		return nil
	}
	s := m.stream
	m.state = StateDisconnecting
	m.mu.Unlock()
	m.emitState()

	m.teardown(s)
	return nil
}

// teardown quiesces the link, drains the router, forcibly stops an active
// recording, and collapses to Idle. Explicit disconnect and unexpected
// link loss both funnel here.
func (m *Manager) teardown(s *stream) {
	// Close the link first so no new notifications arrive, then let the
	// router drain what is already queued before the files are closed.
	if err := s.link.Close(); err != nil {
		m.logger.WithError(err).Warn("Link closed with errors")
	}
	s.closed.Store(true)
	close(s.stop)
	<-s.routerDone

	if dropped := s.queue.Dropped(); dropped > 0 {
		m.logger.WithField("dropped", dropped).Warn("Notifications were dropped under backpressure")
	}

	m.mu.Lock()
	rec := m.rec
	m.rec = nil
	m.segment = recorder.SegmentNone
	m.mu.Unlock()
	if rec != nil {
		if err := rec.Close(); err != nil {
			m.logger.WithError(err).Error("Failed to finalize recording during disconnect")
		}
		m.emit(Event{Kind: EventRecordingStopped})
	}

	m.mu.Lock()
	m.state = StateIdle
	m.stream = nil
	m.address = ""
	m.capability = firmware.Capability{}
	m.mu.Unlock()
	m.logger.Info("Session disconnected")
	m.emitState()
}

// handleLinkLoss reacts to an unexpected disconnect, treated identically
// to an explicit one. Stale watchers from an already-torn-down stream are
// ignored.
func (m *Manager) handleLinkLoss(s *stream) {
	m.mu.Lock()
	if m.stream != s || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnecting
	m.mu.Unlock()

	m.logger.Warn("BLE link lost")
	m.emitState()
	m.teardown(s)
}

// runRouter is the single consumer of the notification queue. One payload
// is fully processed (parse + conditional file write) before the next is
// handled, preserving arrival order in the output files. On shutdown the
// remaining queue is drained so every accepted sample reaches the recorder
// before teardown closes the files.
func (m *Manager) runRouter(s *stream) {
	defer close(s.routerDone)
	for {
		select {
		case n := <-s.queue.C():
			m.dispatch(n)
		case <-s.stop:
			for {
				n, ok := s.queue.TryReceive()
				if !ok {
					return
				}
				m.dispatch(n)
			}
		}
	}
}

func (m *Manager) dispatch(n notification) {
	switch n.char {
	case rawCharID:
		p, err := firmware.ParseRaw(n.data)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"char_uuid": device.ShortenUUID(n.char),
				"length":    len(n.data),
				"error":     err,
			}).Warn("Dropping malformed raw packet")
			return
		}
		seg := m.appendRaw(n.ts, p)
		m.emit(Event{Kind: EventRawSample, Raw: p, Segment: seg})

	case featuresCharID:
		v, err := firmware.ParseFeatures(n.data)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"char_uuid": device.ShortenUUID(n.char),
				"length":    len(n.data),
				"error":     err,
			}).Warn("Dropping malformed feature packet")
			return
		}
		seg := m.appendFeatures(n.ts, v)
		m.emit(Event{Kind: EventFeatureSample, Features: v, Segment: seg})

	case predictionCharID:
		p, err := firmware.ParsePrediction(n.data)
		if err != nil {
			m.logger.WithError(err).Warn("Dropping malformed prediction packet")
			return
		}
		m.emit(Event{Kind: EventPrediction, Prediction: &p})

	default:
		m.logger.WithField("char_uuid", device.ShortenUUID(n.char)).Debug("Ignoring notification from unrouted characteristic")
	}
}

// appendRaw writes the packet if a recording is active and returns the
// segment label that was current at append time.
func (m *Manager) appendRaw(ts time.Time, p *firmware.RawPacket) recorder.Segment {
	m.mu.Lock()
	rec := m.rec
	seg := m.segment
	m.mu.Unlock()

	if rec == nil {
		return seg
	}
	if err := rec.AppendRaw(ts, seg, p); err != nil && !errors.Is(err, recorder.ErrClosed) {
		m.forceStopRecording(err)
	}
	return seg
}

func (m *Manager) appendFeatures(ts time.Time, v *firmware.FeatureVector) recorder.Segment {
	m.mu.Lock()
	rec := m.rec
	seg := m.segment
	m.mu.Unlock()

	if rec == nil {
		return seg
	}
	if err := rec.AppendFeatures(ts, seg, v); err != nil && !errors.Is(err, recorder.ErrClosed) {
		m.forceStopRecording(err)
	}
	return seg
}

// forceStopRecording tears recording state down after a write failure and
// reports it. The session itself stays connected.
func (m *Manager) forceStopRecording(cause error) {
	m.mu.Lock()
	rec := m.rec
	m.rec = nil
	m.segment = recorder.SegmentNone
	m.mu.Unlock()
	if rec == nil {
		return
	}

	m.logger.WithError(cause).Error("Recording forcibly stopped after write failure")
	if err := rec.Close(); err != nil {
		m.logger.WithError(err).Warn("Recording closed with errors")
	}
	m.emit(Event{Kind: EventRecordingError, Err: cause})
	m.emit(Event{Kind: EventRecordingStopped})
}

// StartRecording opens timestamped output files in dir and starts
// labeling subsequent samples. Fails with ErrAlreadyRecording while a
// recording is active; the open files are left untouched.
func (m *Manager) StartRecording(dir string) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return fmt.Errorf("%w: connect before recording", device.ErrNotConnected)
	}
	if m.rec != nil {
		m.mu.Unlock()
		return ErrAlreadyRecording
	}

	rec, err := recorder.Open(dir, m.logger)
	if err != nil {
		m.mu.Unlock()
		m.emit(Event{Kind: EventRecordingError, Err: err})
		return fmt.Errorf("failed to start recording: %w", err)
	}
	m.rec = rec
	m.segment = recorder.SegmentNone
	m.mu.Unlock()

	m.emit(Event{Kind: EventRecordingStarted})
	return nil
}

// SetSegment updates the label attached to subsequently accepted samples.
// It performs no I/O by itself and fails with ErrNotRecording when no
// recording is active.
func (m *Manager) SetSegment(seg recorder.Segment) error {
	m.mu.Lock()
	if m.rec == nil {
		m.mu.Unlock()
		return ErrNotRecording
	}
	m.segment = seg
	m.mu.Unlock()

	m.logger.WithField("segment", seg.String()).Info("Segment label changed")
	m.emitState()
	return nil
}

// StopRecording flushes and closes the output files. Stopping when not
// recording is an ErrNotRecording no-op with no side effects.
func (m *Manager) StopRecording() error {
	m.mu.Lock()
	rec := m.rec
	if rec == nil {
		m.mu.Unlock()
		return ErrNotRecording
	}
	m.rec = nil
	m.segment = recorder.SegmentNone
	m.mu.Unlock()

	err := rec.Close()
	m.emit(Event{Kind: EventRecordingStopped})
	if err != nil {
		return fmt.Errorf("failed to finalize recording: %w", err)
	}
	return nil
}
