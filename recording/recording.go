// Package recording runs live microphone level sessions: it owns the
// capture stream, turns spectrum snapshots into levels on a fixed tick,
// and transparently reopens the stream when the device set or the user's
// selection changes.
package recording

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"earshot/analyzer"
	"earshot/apperr"
	"earshot/audio"
	"earshot/catalog"
	"earshot/log"
	"earshot/metrics"
	"earshot/settings"
)

const (
	DefaultTickInterval = 16 * time.Millisecond
	DefaultGraceWindow  = 250 * time.Millisecond
)

type State int

const (
	Idle State = iota
	Starting
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	}
	return "idle"
}

var ErrStopped = errors.New("recording session stopped")

type Option func(*Recorder)

func WithTickInterval(d time.Duration) Option {
	return func(r *Recorder) { r.tick = d }
}

// WithGraceWindow sets how long device/settings events are coalesced
// before a restart.
func WithGraceWindow(d time.Duration) Option {
	return func(r *Recorder) { r.grace = d }
}

func WithAnalyzer(a analyzer.Analyzer) Option {
	return func(r *Recorder) { r.analyzer = a }
}

func WithSpectrum(opts ...analyzer.SpectrumOption) Option {
	return func(r *Recorder) { r.spectrumOpts = opts }
}

// WithSettings seeds the analysis parameters and the output selection.
func WithSettings(a settings.AudioSettings) Option {
	return func(r *Recorder) {
		p := ParamsFromSettings(a)
		r.params.Store(&p)
		r.setOutput(a.SelectedOutputDevice)
	}
}

type Recorder struct {
	cat   *catalog.Catalog
	actx  audio.Context
	owner *audio.Owner

	tick         time.Duration
	grace        time.Duration
	analyzer     analyzer.Analyzer
	spectrumOpts []analyzer.SpectrumOption
	params       atomic.Pointer[analyzer.Params]

	mu     sync.Mutex
	active *Handle
	output string
}

func New(cat *catalog.Catalog, actx audio.Context, owner *audio.Owner, opts ...Option) *Recorder {
	r := &Recorder{
		cat:   cat,
		actx:  actx,
		owner: owner,
		tick:  DefaultTickInterval,
		grace: DefaultGraceWindow,
	}
	WithSettings(settings.DefaultAudioSettings())(r)
	for _, o := range opts {
		o(r)
	}
	return r
}

func ParamsFromSettings(a settings.AudioSettings) analyzer.Params {
	return analyzer.Params{
		InputVolumePct:       float64(a.InputVolumePct),
		AutoSensitivity:      a.AutoSensitivity,
		ManualSensitivityPct: float64(a.ManualSensitivityPct),
	}
}

func (r *Recorder) setOutput(id string) {
	r.mu.Lock()
	r.output = id
	r.mu.Unlock()
}

// Active returns the live session, or nil.
func (r *Recorder) Active() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SettingsChanged applies new analysis parameters from the next tick on.
// A changed input or output selection schedules one restart of the live
// session.
func (r *Recorder) SettingsChanged(a settings.AudioSettings) {
	p := ParamsFromSettings(a)
	r.params.Store(&p)
	r.setOutput(a.SelectedOutputDevice)

	if h := r.Active(); h != nil {
		h.selectDevices(a.SelectedInputDevice, a.SelectedOutputDevice)
	}
}

// Start opens deviceID ("" for the system default) and calls onLevel
// every tick until the returned handle is stopped. Any existing session
// holding the microphone is stopped first. An unknown deviceID falls back
// to the system default and is reopened if it appears later.
//
// Callbacks run on the session goroutine, one at a time; onLevel must
// not call Stop synchronously. A failure while starting is returned and
// also passed to onError.
func (r *Recorder) Start(ctx context.Context, deviceID string, onLevel func(analyzer.Reading), onError func(error)) (*Handle, error) {
	if onLevel == nil {
		onLevel = func(analyzer.Reading) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	h := &Handle{
		ID:        uuid.NewString(),
		r:         r,
		onLevel:   onLevel,
		onError:   onError,
		requested: deviceID,
		state:     Starting,
		fft:       analyzer.NewSpectrum(r.spectrumOpts...),
		started:   time.Now(),
	}

	fail := func(err error) (*Handle, error) {
		ae := apperr.Classify("start recording", err)
		h.mu.Lock()
		h.state = Idle
		h.mu.Unlock()
		log.Failure(ae)
		metrics.Error(ae)
		onError(ae)
		return nil, ae
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	h.lease = r.owner.Acquire("recording", h.Stop)

	info, err := r.cat.FindInput(deviceID)
	if apperr.KindOf(err) == apperr.DeviceNotFound {
		log.Warnf("recording %s: %v, using the system default", h.ID, err)
		info, err = nil, nil
	}
	if err != nil {
		h.lease.Release()
		return fail(err)
	}
	dev, err := h.open(info)
	if err != nil {
		h.lease.Release()
		return fail(err)
	}

	r.mu.Lock()
	h.output = r.output
	r.mu.Unlock()

	// Subscribed before Active so a concurrent Stop always sees unsub.
	unsub := r.cat.OnDeviceChange(h.devicesChanged)
	loopCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	if h.state == Stopped {
		// preempted by another session while opening
		h.mu.Unlock()
		unsub()
		cancel()
		closeDevice(dev)
		return nil, ErrStopped
	}
	h.dev = dev
	if info != nil {
		h.current = info.ID
	}
	h.state = Active
	h.cancel = cancel
	h.loopDone = make(chan struct{})
	h.unsubDevices = unsub
	h.mu.Unlock()

	r.mu.Lock()
	if h.State() == Active {
		r.active = h
	}
	r.mu.Unlock()

	go h.loop(loopCtx)

	metrics.SessionStarted("recording")
	metrics.MicOwned(true)
	log.SessionStart("recording", h.ID, "", dev.DeviceName())
	return h, nil
}

func (r *Recorder) clearActive(h *Handle) {
	r.mu.Lock()
	if r.active == h {
		r.active = nil
	}
	r.mu.Unlock()
}

type Handle struct {
	ID string

	r       *Recorder
	onLevel func(analyzer.Reading)
	onError func(error)
	fft     *analyzer.Spectrum
	lease   *audio.Lease
	started time.Time

	mu           sync.Mutex
	state        State
	dev          audio.CaptureDevice
	requested    string // the user's selection, "" for default
	current      string // the device actually open, "" for default
	output       string // the output selection the session started with
	restarts     int
	pending      *time.Timer
	pendingGen   int
	cancel       context.CancelFunc
	loopDone     chan struct{}
	unsubDevices func()

	restartMu sync.Mutex
	stopOnce  sync.Once
}

// State is Active from a successful Start until Stop, including while a
// failed restart leaves no stream open; Streaming tells those apart.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Streaming reports whether a capture stream is open. It is false between
// a failed restart and the next device change that reopens the stream.
// Readings delivered meanwhile are silent.
func (h *Handle) Streaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == Active && h.dev != nil
}

// Device is the ID of the open input, "" when it is the system default.
func (h *Handle) Device() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Handle) Restarts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}

// Stop ends the session and releases the microphone. Safe to call more
// than once and from any goroutine other than the onLevel callback.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		prev := h.state
		h.state = Stopped
		h.pendingGen++
		if h.pending != nil {
			h.pending.Stop()
		}
		cancel, done, unsub := h.cancel, h.loopDone, h.unsubDevices
		h.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if cancel != nil {
			cancel()
			<-done
		}

		// Waits for an in-flight restart so its stream is the one closed.
		h.restartMu.Lock()
		h.mu.Lock()
		dev := h.dev
		h.dev = nil
		h.mu.Unlock()
		h.restartMu.Unlock()

		closeDevice(dev)
		h.lease.Release()
		h.r.clearActive(h)

		if prev == Active {
			metrics.MicOwned(false)
			log.SessionEnd("recording", h.ID, "stopped", time.Since(h.started))
		}
	})
}

func (h *Handle) loop(ctx context.Context) {
	defer close(h.loopDone)
	ticker := time.NewTicker(h.r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if h.State() != Active {
			return
		}
		p := h.r.params.Load()
		h.onLevel(h.r.analyzer.Analyze(h.fft.Bins(), *p))
	}
}

func (h *Handle) open(info *audio.DeviceInfo) (audio.CaptureDevice, error) {
	dev, err := h.r.actx.NewCapture(info, audio.DefaultCaptureConfig())
	if err != nil {
		return nil, err
	}
	fft := h.fft
	dev.SetCallback(func(data []byte, _ uint32) {
		fft.Write(data)
	})
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, err
	}
	return dev, nil
}

func closeDevice(dev audio.CaptureDevice) {
	if dev == nil {
		return
	}
	dev.ClearCallback()
	dev.Stop()
	dev.Close()
}

func (h *Handle) devicesChanged(inputs, _ []catalog.Device) {
	h.mu.Lock()
	requested, current, open := h.requested, h.current, h.dev != nil
	h.mu.Unlock()

	has := func(id string) bool {
		return slices.ContainsFunc(inputs, func(d catalog.Device) bool { return d.ID == id })
	}

	switch {
	case !open:
		h.scheduleRestart("device_change")
	case current != "" && !has(current):
		h.scheduleRestart("device_disconnected")
	case current == "" && requested != "" && has(requested):
		h.scheduleRestart("device_reconnected")
	}
}

func (h *Handle) selectDevices(input, output string) {
	h.mu.Lock()
	if h.state != Active {
		h.mu.Unlock()
		return
	}
	reason := ""
	if output != h.output {
		h.output = output
		reason = "output_changed"
	}
	if input != h.requested {
		h.requested = input
		reason = "selection_changed"
	}
	h.mu.Unlock()
	if reason != "" {
		h.scheduleRestart(reason)
	}
}

// scheduleRestart (re)arms the grace timer. Events arriving inside the
// window collapse into a single restart.
func (h *Handle) scheduleRestart(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Active {
		return
	}
	h.pendingGen++
	gen := h.pendingGen
	if h.pending != nil {
		h.pending.Stop()
	}
	log.Infof("recording %s: restart scheduled (%s)", h.ID, reason)
	h.pending = time.AfterFunc(h.r.grace, func() { h.restart(gen) })
}

func (h *Handle) restart(gen int) {
	h.restartMu.Lock()
	defer h.restartMu.Unlock()

	h.mu.Lock()
	if h.state != Active || gen != h.pendingGen {
		h.mu.Unlock()
		return
	}
	h.pending = nil
	requested := h.requested
	old := h.dev
	h.dev = nil
	h.mu.Unlock()

	closeDevice(old)
	h.fft.Reset()

	info, err := h.r.cat.FindInput(requested)
	if apperr.KindOf(err) == apperr.DeviceNotFound {
		info, err = nil, nil
	}
	var dev audio.CaptureDevice
	if err == nil {
		dev, err = h.open(info)
	}
	if err != nil {
		ae := apperr.Classify("restart recording", err)
		log.Failure(ae)
		metrics.Error(ae)
		h.onError(ae)
		return
	}

	h.mu.Lock()
	if h.state != Active {
		h.mu.Unlock()
		closeDevice(dev)
		return
	}
	h.dev = dev
	h.current = ""
	if info != nil {
		h.current = info.ID
	}
	h.restarts++
	attempt := h.restarts
	h.mu.Unlock()

	metrics.SessionRestarted()
	log.SessionRestart(h.ID, dev.DeviceName(), attempt)
}
