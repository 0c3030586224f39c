package linuxaudio

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"earshot/apperr"
	"earshot/log"
	"earshot/metrics"
)

var (
	ErrDisposed   = errors.New("linuxaudio: diagnostics disposed")
	errStillSetup = errors.New("audio stack still needs setup")
)

// Result describes one remediation. Changed is false when nothing needed
// doing.
type Result struct {
	Message string
	Steps   []string
	Before  Status
	After   Status
	Changed bool
}

// FixError is a failed remediation. It unwraps to an apperr.Error of kind
// PlatformSetupRequired.
type FixError struct {
	Step   string
	Before Status
	After  Status
	Err    error
}

func (e *FixError) Error() string {
	return fmt.Sprintf("%s failed (before: %s, after: %s): %v", e.Step, e.Before, e.After, e.Err)
}

func (e *FixError) Unwrap() error {
	return apperr.Wrap(apperr.PlatformSetupRequired, e.Step, e.Err)
}

type Option func(*Diagnostics)

// WithGOOS overrides runtime.GOOS.
func WithGOOS(goos string) Option {
	return func(d *Diagnostics) { d.goos = goos }
}

// Diagnostics checks and repairs the audio stack through a CommandChannel.
// Concurrent calls to the same operation share a single run.
type Diagnostics struct {
	ch   CommandChannel
	goos string
	sf   singleflight.Group

	mu       sync.Mutex
	disposed bool
}

func New(ch CommandChannel, opts ...Option) *Diagnostics {
	d := &Diagnostics{ch: ch, goos: runtime.GOOS}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Init re-enables a disposed service.
func (d *Diagnostics) Init() {
	d.mu.Lock()
	d.disposed = false
	d.mu.Unlock()
}

// Dispose makes later calls fail with ErrDisposed. Calls already running
// finish normally.
func (d *Diagnostics) Dispose() {
	d.mu.Lock()
	d.disposed = true
	d.mu.Unlock()
}

func (d *Diagnostics) isLinux() bool { return d.goos == "linux" }

func (d *Diagnostics) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return ErrDisposed
	}
	return nil
}

func do[T any](d *Diagnostics, key string, fn func() (T, error)) (T, error) {
	if err := d.check(); err != nil {
		var zero T
		return zero, err
	}
	v, err, _ := d.sf.Do(key, func() (any, error) { return fn() })
	t, _ := v.(T)
	return t, err
}

// CheckStatus reads group membership and the running server. It changes
// nothing.
func (d *Diagnostics) CheckStatus(ctx context.Context) (Status, error) {
	return do(d, "status", func() (Status, error) { return d.status(ctx) })
}

func (d *Diagnostics) status(ctx context.Context) (Status, error) {
	if !d.isLinux() {
		return Status{}, nil
	}
	inGroup, err := d.ch.CheckAudioGroupMembership(ctx)
	if err != nil {
		return Status{IsLinux: true, Server: ServerUnknown}, apperr.Classify("check audio group", err)
	}
	server, err := d.ch.CheckAudioServer(ctx)
	if err != nil {
		return Status{IsLinux: true, InAudioGroup: inGroup, Server: ServerUnknown}, apperr.Classify("check audio server", err)
	}
	st := Status{IsLinux: true, InAudioGroup: inGroup, Server: ParseServer(server)}
	log.AudioStatus(st.InAudioGroup, string(st.Server), st.NeedsSetup())
	return st, nil
}

// AddUserToAudioGroup succeeds without running anything when the user is
// already a member.
func (d *Diagnostics) AddUserToAudioGroup(ctx context.Context) (Result, error) {
	return do(d, "group", func() (Result, error) {
		before, err := d.status(ctx)
		if err != nil {
			return Result{}, err
		}
		return d.addToGroup(ctx, before)
	})
}

func (d *Diagnostics) addToGroup(ctx context.Context, before Status) (Result, error) {
	const step = "add user to audio group"
	if !before.IsLinux {
		return Result{Message: "nothing to do on " + d.goos, Before: before, After: before}, nil
	}
	if before.InAudioGroup {
		return Result{Message: "already in the audio group", Before: before, After: before}, nil
	}
	msg, err := d.ch.AddUserToAudioGroup(ctx)
	return d.finishStep(ctx, step, before, msg, err)
}

// StartAudioServices succeeds without running anything when a server is
// already up.
func (d *Diagnostics) StartAudioServices(ctx context.Context) (Result, error) {
	return do(d, "services", func() (Result, error) {
		before, err := d.status(ctx)
		if err != nil {
			return Result{}, err
		}
		return d.startServices(ctx, before)
	})
}

func (d *Diagnostics) startServices(ctx context.Context, before Status) (Result, error) {
	const step = "start audio services"
	if !before.IsLinux {
		return Result{Message: "nothing to do on " + d.goos, Before: before, After: before}, nil
	}
	if before.Server == ServerPipeWire || before.Server == ServerPulseAudio {
		return Result{Message: string(before.Server) + " is already running", Before: before, After: before}, nil
	}
	msg, err := d.ch.StartAudioServices(ctx)
	return d.finishStep(ctx, step, before, msg, err)
}

func (d *Diagnostics) finishStep(ctx context.Context, step string, before Status, msg string, err error) (Result, error) {
	after, serr := d.status(ctx)
	if serr != nil {
		after = before
	}
	metrics.AudioFix(step, err == nil)
	if err != nil {
		fe := &FixError{Step: step, Before: before, After: after, Err: err}
		log.Failure(fe)
		return Result{Before: before, After: after, Changed: after != before}, fe
	}
	if msg == "" {
		msg = step + ": done"
	}
	log.Infof("%s: %s (before: %s, after: %s)", step, msg, before, after)
	return Result{Message: msg, Steps: []string{msg}, Before: before, After: after, Changed: after != before}, nil
}

// TryAutoFix starts a server if none is running, then joins the audio
// group if PulseAudio still needs it, re-checking after each step.
func (d *Diagnostics) TryAutoFix(ctx context.Context) (Result, error) {
	return do(d, "autofix", func() (Result, error) { return d.autoFix(ctx) })
}

func (d *Diagnostics) autoFix(ctx context.Context) (Result, error) {
	before, err := d.status(ctx)
	if err != nil {
		return Result{}, err
	}
	if !before.NeedsSetup() {
		return Result{Message: "audio setup looks fine, no action needed", Before: before, After: before}, nil
	}

	res := Result{Before: before, After: before}
	run := func(fn func(context.Context, Status) (Result, error)) error {
		r, err := fn(ctx, res.After)
		res.After = r.After
		res.Steps = append(res.Steps, r.Steps...)
		if err != nil {
			var fe *FixError
			if errors.As(err, &fe) {
				fe.Before = before
			}
			return err
		}
		return nil
	}

	if res.After.Server == ServerNone || res.After.Server == ServerUnknown {
		if err := run(d.startServices); err != nil {
			res.Changed = res.After != before
			return res, err
		}
	}
	if res.After.Server == ServerPulseAudio && !res.After.InAudioGroup {
		if err := run(d.addToGroup); err != nil {
			res.Changed = res.After != before
			return res, err
		}
	}

	res.Changed = res.After != before
	if res.After.NeedsSetup() {
		fe := &FixError{Step: "audio auto-fix", Before: before, After: res.After, Err: errStillSetup}
		log.Failure(fe)
		return res, fe
	}
	res.Message = strings.Join(res.Steps, "; ")
	return res, nil
}
