package session

import (
	"context"
	"errors"
	"log/slog"

	webrtc "github.com/pion/webrtc/v3"
)

// Capturer acquires local media tracks. Each call may prompt the platform
// for device access and therefore must tolerate denial.
type Capturer interface {
	Microphone(ctx context.Context) (CaptureTrack, error)
	Camera(ctx context.Context) (CaptureTrack, error)
	Screen(ctx context.Context) (CaptureTrack, error)
}

// CaptureTrack is a sendable local track tied to a capture device. OnEnded
// fires when the device stops delivering on its own, e.g. the user tears
// down a screen capture from outside the session.
type CaptureTrack interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// trackBinder applies a local track change to every active peer link.
type trackBinder interface {
	bindLocal(kind mediaKind, track webrtc.TrackLocal, renegotiate bool)
}

type mediaHooks struct {
	// onShareEnded fires on the control loop when a running share stops
	// without a stopShare call.
	onShareEnded func()
	// onChanged fires on the control loop whenever a capability flag
	// changed and presence should be re-broadcast.
	onChanged func()
	// onWarn surfaces recoverable device failures.
	onWarn func(err error)
}

// mediaCoordinator owns the local capture tracks and their mapping onto the
// fixed senders. Every method and callback runs on the session control loop;
// device acquisition happens off-loop and posts its result back.
type mediaCoordinator struct {
	ctx      context.Context
	capturer Capturer
	binder   trackBinder
	post     func(fn func()) bool
	logger   *slog.Logger
	hooks    mediaHooks

	mic    CaptureTrack
	cam    CaptureTrack
	screen CaptureTrack

	micOn bool
	camOn bool

	// camDenied latches the first camera denial so later toggles fall back
	// to audio-only instead of re-prompting.
	camDenied bool

	micPending  bool
	camPending  bool
	shareActive bool

	shareGen int
	closed   bool
}

func newMediaCoordinator(ctx context.Context, capturer Capturer, binder trackBinder, post func(fn func()) bool, logger *slog.Logger, hooks mediaHooks) *mediaCoordinator {
	return &mediaCoordinator{
		ctx:      ctx,
		capturer: capturer,
		binder:   binder,
		post:     post,
		logger:   logger,
		hooks:    hooks,
	}
}

// localTrack returns the track a freshly created peer link should start
// with for the given sender, nil when that feature is off.
func (m *mediaCoordinator) localTrack(kind mediaKind) webrtc.TrackLocal {
	switch kind {
	case kindMic:
		if m.micOn && m.mic != nil {
			return m.mic
		}
	case kindCam:
		if m.camOn && m.cam != nil {
			return m.cam
		}
	case kindScreen:
		if m.shareActive && m.screen != nil {
			return m.screen
		}
	}
	return nil
}

func (m *mediaCoordinator) micEnabled() bool { return m.micOn }
func (m *mediaCoordinator) camEnabled() bool { return m.camOn }
func (m *mediaCoordinator) sharing() bool    { return m.shareActive }

// setMic toggles the microphone. The device is acquired once and kept;
// muting swaps the sender track for nil so no renegotiation and no second
// permission prompt happens.
func (m *mediaCoordinator) setMic(on bool) {
	if m.closed || m.micOn == on {
		return
	}
	m.micOn = on

	if !on {
		m.binder.bindLocal(kindMic, nil, false)
		m.hooks.onChanged()
		return
	}
	if m.mic != nil {
		m.binder.bindLocal(kindMic, m.mic, false)
		m.hooks.onChanged()
		return
	}
	if m.micPending {
		return
	}
	m.micPending = true
	go func() {
		track, err := m.capturer.Microphone(m.ctx)
		m.post(func() { m.finishAcquire(kindMic, track, err) })
	}()
}

// setCam toggles the camera with the same acquire-once semantics as setMic.
// A denied camera latches off so the session keeps running audio-only.
func (m *mediaCoordinator) setCam(on bool) {
	if m.closed || m.camOn == on {
		return
	}
	if on && m.camDenied {
		m.hooks.onWarn(ErrDeviceUnavailable)
		return
	}
	m.camOn = on

	if !on {
		m.binder.bindLocal(kindCam, nil, false)
		m.hooks.onChanged()
		return
	}
	if m.cam != nil {
		m.binder.bindLocal(kindCam, m.cam, false)
		m.hooks.onChanged()
		return
	}
	if m.camPending {
		return
	}
	m.camPending = true
	go func() {
		track, err := m.capturer.Camera(m.ctx)
		m.post(func() { m.finishAcquire(kindCam, track, err) })
	}()
}

func (m *mediaCoordinator) finishAcquire(kind mediaKind, track CaptureTrack, err error) {
	var on *bool
	var slot *CaptureTrack
	switch kind {
	case kindMic:
		m.micPending = false
		on, slot = &m.micOn, &m.mic
	case kindCam:
		m.camPending = false
		on, slot = &m.camOn, &m.cam
	default:
		return
	}

	if m.closed {
		if track != nil {
			track.Close()
		}
		return
	}
	if err != nil {
		*on = false
		if kind == kindCam {
			m.camDenied = true
		}
		m.logger.Warn("capture device unavailable",
			slog.Int("kind", int(kind)), slog.String("err", err.Error()))
		m.hooks.onWarn(ErrDeviceUnavailable)
		m.hooks.onChanged()
		return
	}

	*slot = track
	if *on {
		m.binder.bindLocal(kind, track, false)
	}
	m.hooks.onChanged()
}

// startShare acquires a screen capture and attaches it to every link. A
// share already running is torn down first so the new capture replaces it.
// Cancelling the platform picker is not an error and leaves state untouched.
func (m *mediaCoordinator) startShare() {
	if m.closed {
		return
	}
	if m.shareActive {
		m.teardownShare()
	}

	m.shareGen++
	gen := m.shareGen
	go func() {
		track, err := m.capturer.Screen(m.ctx)
		m.post(func() { m.finishShare(gen, track, err) })
	}()
}

func (m *mediaCoordinator) finishShare(gen int, track CaptureTrack, err error) {
	if m.closed || gen != m.shareGen {
		if track != nil {
			track.Close()
		}
		return
	}
	if err != nil {
		if errors.Is(err, ErrShareCancelled) {
			m.logger.Debug("screen share cancelled")
			return
		}
		m.logger.Warn("screen capture failed", slog.String("err", err.Error()))
		m.hooks.onWarn(ErrDeviceUnavailable)
		return
	}

	m.screen = track
	m.shareActive = true
	track.OnEnded(func(error) {
		m.post(func() {
			if m.shareGen != gen || !m.shareActive {
				return
			}
			m.teardownShare()
			m.hooks.onShareEnded()
			m.hooks.onChanged()
		})
	})

	m.binder.bindLocal(kindScreen, track, true)
	m.hooks.onChanged()
}

// stopShare tears down a running share. Reports whether anything changed so
// the caller knows to announce it.
func (m *mediaCoordinator) stopShare() bool {
	if m.closed || !m.shareActive {
		return false
	}
	m.teardownShare()
	m.hooks.onChanged()
	return true
}

func (m *mediaCoordinator) teardownShare() {
	m.shareGen++
	m.shareActive = false
	if m.screen != nil {
		m.screen.Close()
		m.screen = nil
	}
	m.binder.bindLocal(kindScreen, nil, true)
}

// closeAll releases every capture device. Called on session teardown.
func (m *mediaCoordinator) closeAll() {
	if m.closed {
		return
	}
	m.closed = true
	m.shareGen++
	for _, t := range []CaptureTrack{m.mic, m.cam, m.screen} {
		if t != nil {
			t.Close()
		}
	}
	m.mic, m.cam, m.screen = nil, nil, nil
	m.micOn, m.camOn, m.shareActive = false, false, false
}
