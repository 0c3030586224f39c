// Package catalog lists microphones and speakers, tracks microphone
// permission, and notifies subscribers when the device set changes.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"earshot/apperr"
	"earshot/audio"
	"earshot/log"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultPermissionHold = 150 * time.Millisecond
)

type Device struct {
	ID          string
	Label       string
	Kind        audio.Kind
	IsDefault   bool
	Placeholder bool // Label was synthesized because the platform withheld the name
	Bluetooth   bool
}

type PermissionStatus struct {
	Granted bool
	Error   string
	Kind    apperr.Kind
}

type Option func(*Catalog)

func WithPollInterval(d time.Duration) Option {
	return func(c *Catalog) { c.poll = d }
}

// WithPermissionHold sets how long RequestPermission holds the microphone open.
func WithPermissionHold(d time.Duration) Option {
	return func(c *Catalog) { c.hold = d }
}

type Catalog struct {
	actx  audio.Context
	poll  time.Duration
	hold  time.Duration

	mu        sync.Mutex
	perm      PermissionStatus
	listeners map[int]func(inputs, outputs []Device)
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}

	// notifyMu serializes Refresh so listeners never run concurrently.
	notifyMu sync.Mutex
	last     []string
}

func New(actx audio.Context, opts ...Option) *Catalog {
	c := &Catalog{
		actx:      actx,
		poll:      DefaultPollInterval,
		hold:      DefaultPermissionHold,
		listeners: make(map[int]func(inputs, outputs []Device)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Init snapshots the current device set and starts the watcher. Calling
// it again while running is a no-op.
func (c *Catalog) Init() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	if in, out, err := c.ListDevices(); err == nil {
		c.notifyMu.Lock()
		c.last = snapshotKey(in, out)
		c.notifyMu.Unlock()
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh()
			}
		}
	}()
}

// Dispose stops the watcher and drops every listener. Idempotent.
func (c *Catalog) Dispose() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	clear(c.listeners)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// ListDevices enumerates inputs and outputs. Labels are never empty.
func (c *Catalog) ListDevices() (inputs, outputs []Device, err error) {
	ins, err := c.actx.Devices(audio.Input)
	if err != nil {
		return nil, nil, apperr.Classify("list input devices", err)
	}
	outs, err := c.actx.Devices(audio.Output)
	if err != nil {
		return nil, nil, apperr.Classify("list output devices", err)
	}
	return convert(ins, "Microphone"), convert(outs, "Speaker"), nil
}

func convert(infos []audio.DeviceInfo, placeholder string) []Device {
	out := make([]Device, len(infos))
	for i, d := range infos {
		label := strings.TrimSpace(d.Name)
		synth := label == ""
		if synth {
			label = fmt.Sprintf("%s %d", placeholder, i+1)
		}
		out[i] = Device{
			ID:          d.ID,
			Label:       label,
			Kind:        d.Kind,
			IsDefault:   d.IsDefault,
			Placeholder: synth,
			Bluetooth:   !synth && audio.IsBluetooth(label),
		}
	}
	return out
}

// PermissionStatus returns the cached result of the last request. It
// never prompts.
func (c *Catalog) PermissionStatus() PermissionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perm
}

// RequestPermission briefly opens the default input, which is what
// triggers the platform's consent prompt. The stream is closed on every
// path.
func (c *Catalog) RequestPermission(ctx context.Context) PermissionStatus {
	err := c.holdMic(ctx)

	st := PermissionStatus{Granted: err == nil}
	if err != nil {
		ae := apperr.Classify("request microphone permission", err)
		st.Error = ae.Error()
		st.Kind = ae.Kind
		log.Failure(ae)
	}

	c.mu.Lock()
	changed := c.perm.Granted != st.Granted
	c.perm = st
	running := c.cancel != nil
	c.mu.Unlock()

	// Labels often appear only after consent.
	if changed && running {
		c.Refresh()
	}
	return st
}

func (c *Catalog) holdMic(ctx context.Context) error {
	dev, err := c.actx.NewCapture(nil, audio.DefaultCaptureConfig())
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Start(); err != nil {
		return err
	}
	defer dev.Stop()

	t := time.NewTimer(c.hold)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}

func (c *Catalog) ResetPermission() {
	c.mu.Lock()
	c.perm = PermissionStatus{}
	c.mu.Unlock()
}

// Listeners is the number of registered device-change listeners.
func (c *Catalog) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// OnDeviceChange registers fn for device set changes. Listeners run one
// at a time on the watcher goroutine.
func (c *Catalog) OnDeviceChange(fn func(inputs, outputs []Device)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Refresh compares the device set against the last snapshot and notifies
// listeners if it changed.
func (c *Catalog) Refresh() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	in, out, err := c.ListDevices()
	if err != nil {
		log.Warnf("device poll failed: %v", err)
		return
	}
	key := snapshotKey(in, out)
	if slices.Equal(c.last, key) {
		return
	}
	c.last = key
	log.DeviceChange(labels(in), labels(out))

	c.mu.Lock()
	fns := make([]func([]Device, []Device), 0, len(c.listeners))
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(slices.Clone(in), slices.Clone(out))
	}
}

// FindInput resolves an input by ID, falling back to an exact label
// match. An empty id means the system default and yields nil.
func (c *Catalog) FindInput(id string) (*audio.DeviceInfo, error) {
	if id == "" {
		return nil, nil
	}
	infos, err := c.actx.Devices(audio.Input)
	if err != nil {
		return nil, apperr.Classify("find input device", err)
	}
	for i := range infos {
		if infos[i].ID == id {
			return &infos[i], nil
		}
	}
	for i := range infos {
		if infos[i].Name == id {
			return &infos[i], nil
		}
	}
	return nil, apperr.Newf(apperr.DeviceNotFound, "find input device", "no input device %q", id)
}

func snapshotKey(in, out []Device) []string {
	key := make([]string, 0, len(in)+len(out))
	for _, d := range in {
		key = append(key, "i:"+d.ID+"\x00"+d.Label)
	}
	for _, d := range out {
		key = append(key, "o:"+d.ID+"\x00"+d.Label)
	}
	return key
}

func labels(ds []Device) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Label
	}
	return out
}
