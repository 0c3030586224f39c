package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"earshot/analyzer"
	"earshot/apperr"
	"earshot/catalog"
	"earshot/linuxaudio"
	"earshot/recording"
	"earshot/settings"
	"earshot/transcriber"
)

// Deps are the services the checks exercise. Diag may be nil on hosts
// without Linux diagnostics.
type Deps struct {
	Diag        *linuxaudio.Diagnostics
	Catalog     *catalog.Catalog
	Recorder    *recording.Recorder
	Transcriber *transcriber.Service
	Stt         settings.SttConfig
	DeviceID    string

	// DeviceExplicit makes a missing DeviceID a failure instead of a
	// fallback to the system default.
	DeviceExplicit bool

	// LevelDuration is how long the microphone level test listens.
	LevelDuration time.Duration
}

// RunInteractive runs the checks on the terminal and returns an exit code
// (0=all pass, 1=any fail, 130=interrupted).
func RunInteractive(ctx context.Context, d Deps) int {
	resetTerminal()
	code := Run(ctx, os.Stdout, d)
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stdout, "\nInterrupted")
		return 130
	}
	return code
}

// Run writes each check's PASS/FAIL line, with a fix for failures, to w.
func Run(ctx context.Context, w io.Writer, d Deps) int {
	fmt.Fprintln(w, "earshot doctor - audio and transcription diagnostics")
	fmt.Fprintln(w, "====================================================")

	checks := []struct {
		name string
		run  func(context.Context, io.Writer, Deps) error
	}{
		{"Linux audio stack", checkLinuxAudio},
		{"Input devices", checkDevices},
		{"Microphone permission", checkPermission},
		{"Microphone level", checkLevel},
		{"Transcription provider", checkProvider},
	}

	allPass := true
	for i, c := range checks {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "[%d/%d] %s\n", i+1, len(checks), c.name)
		if err := c.run(ctx, w, d); err != nil {
			allPass = false
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			fmt.Fprintf(w, "  Fix: %s\n", action(err))
		}
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
		return 0
	}
	fmt.Fprintln(w, "Some checks failed. See details above.")
	return 1
}

func action(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Action != "" {
		return ae.Action
	}
	return apperr.KindOf(err).Action()
}

func checkLinuxAudio(ctx context.Context, w io.Writer, d Deps) error {
	if d.Diag == nil {
		fmt.Fprintln(w, "  SKIP: no diagnostics on this platform")
		return nil
	}
	st, err := d.Diag.CheckStatus(ctx)
	if err != nil {
		return err
	}
	if !st.IsLinux {
		fmt.Fprintln(w, "  PASS: not Linux, nothing to check")
		return nil
	}
	if st.NeedsSetup() {
		return apperr.Newf(apperr.PlatformSetupRequired, "", "audio server %s, in audio group: %v", st.Server, st.InAudioGroup)
	}
	fmt.Fprintf(w, "  PASS: %s\n", st)
	return nil
}

func checkDevices(_ context.Context, w io.Writer, d Deps) error {
	inputs, _, err := d.Catalog.ListDevices()
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return apperr.New(apperr.DeviceNotFound, "", "no capture devices found")
	}
	for _, dev := range inputs {
		mark := " "
		if dev.IsDefault {
			mark = "*"
		}
		extra := ""
		if dev.Bluetooth {
			extra = " (bluetooth: lower quality while in headset mode)"
		}
		fmt.Fprintf(w, "  %s %s%s\n", mark, dev.Label, extra)
	}
	if d.DeviceID != "" {
		if _, err := d.Catalog.FindInput(d.DeviceID); err != nil {
			if d.DeviceExplicit || apperr.KindOf(err) != apperr.DeviceNotFound {
				return err
			}
			fmt.Fprintf(w, "  WARN: saved input %q is not connected, using the system default\n", d.DeviceID)
		}
	}
	fmt.Fprintf(w, "  PASS: %d input device(s)\n", len(inputs))
	return nil
}

func checkPermission(ctx context.Context, w io.Writer, d Deps) error {
	st := d.Catalog.RequestPermission(ctx)
	if !st.Granted {
		return apperr.New(st.Kind, "", st.Error)
	}
	fmt.Fprintln(w, "  PASS: microphone access granted")
	return nil
}

func checkLevel(ctx context.Context, w io.Writer, d Deps) error {
	dur := d.LevelDuration
	if dur <= 0 {
		dur = 2 * time.Second
	}
	fmt.Fprintf(w, "  Speak for %s...\n", dur)

	var mu sync.Mutex
	var peak float64
	var asyncErr error
	h, err := d.Recorder.Start(ctx, d.DeviceID, func(r analyzer.Reading) {
		mu.Lock()
		peak = max(peak, r.Level)
		mu.Unlock()
	}, func(err error) {
		mu.Lock()
		asyncErr = err
		mu.Unlock()
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
	h.Stop()

	mu.Lock()
	defer mu.Unlock()
	if asyncErr != nil {
		return asyncErr
	}
	if peak == 0 {
		return apperr.New(apperr.Unknown, "", "no signal above the noise gate; check that the microphone is unmuted and the input volume is up")
	}
	name := h.Device()
	if name == "" {
		name = "system default"
	}
	fmt.Fprintf(w, "  PASS: peak level %.0f on %s\n", peak, name)
	return nil
}

func checkProvider(_ context.Context, w io.Writer, d Deps) error {
	kind, err := d.Transcriber.Resolve(d.Stt, "")
	if err != nil {
		return err
	}
	native := "unavailable"
	if d.Transcriber.NativeSupported() {
		native = "available"
	}
	fmt.Fprintf(w, "  PASS: %s (setting %s, on-device recognizer %s)\n", kind, d.Stt.Provider, native)
	return nil
}
