package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"earshot/analyzer"
	"earshot/apperr"
	"earshot/audio"
	"earshot/beep"
	"earshot/catalog"
	"earshot/config"
	"earshot/doctor"
	"earshot/log"
	"earshot/metrics"
	"earshot/provider"
	"earshot/settings"
	"earshot/shutdown"
	"earshot/transcriber"
)

var version = "dev"

const usage = `usage: earshot [flags] <command> [command flags]

commands:
  devices     list input and output devices (-watch to follow changes)
  mictest     show the live microphone level
  transcribe  record and transcribe until Enter, Ctrl+C cancels
  doctor      check audio, permission and provider setup
  fix-audio   repair the Linux audio stack (-check to only inspect)
  settings    show or change saved audio and speech settings
  speaker     play a test tone on the saved output device and volume

flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

type globalFlags struct {
	configPath string
	logPath    string
	fake       bool
	fakeWAV    string
	metrics    string
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := flag.NewFlagSet("earshot", flag.ContinueOnError)
	fs.SetOutput(stdout)
	var g globalFlags
	fs.StringVar(&g.configPath, "config", config.DefaultPath(), "config file path")
	fs.StringVar(&g.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.BoolVar(&g.fake, "fake", false, "use a simulated microphone instead of the audio system")
	fs.StringVar(&g.fakeWAV, "fake-wav", "", "replay a 16 kHz mono WAV file as the microphone")
	fs.StringVar(&g.metrics, "metrics", "", "serve Prometheus metrics on this address (overrides config)")
	versionFlag := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprint(stdout, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *versionFlag {
		fmt.Fprintf(stdout, "earshot %s\n", version)
		return 0
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}
	if g.logPath == "" {
		g.logPath = cfg.Log.Path
	}
	logDir, err := log.ResolveDir(g.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logDir)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	crashLog()

	ctx, cancel := signalContext()
	defer cancel()

	if addr := firstSet(g.metrics, cfg.Metrics.Listen); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	if g.fake || g.fakeWAV != "" {
		beep.Disable()
	}

	a, err := newApp(cfg, appOptions{fake: g.fake, fakeWAV: g.fakeWAV})
	if err != nil {
		fmt.Fprintf(stdout, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "devices":
		return cmdDevices(ctx, a, cmdArgs, stdout)
	case "mictest":
		return cmdMicTest(ctx, a, cmdArgs, stdout)
	case "transcribe":
		return cmdTranscribe(ctx, a, cmdArgs, stdin, stdout)
	case "doctor":
		return cmdDoctor(ctx, a, cmdArgs, stdout)
	case "fix-audio":
		return cmdFixAudio(ctx, a, cmdArgs, stdout)
	case "settings":
		return cmdSettings(a, cmdArgs, stdout)
	case "speaker":
		return cmdSpeaker(ctx, a, stdout)
	}
	fmt.Fprintf(stdout, "unknown command %q\n\n", cmd)
	fs.Usage()
	return 2
}

// signalContext is cancelled on the first interrupt; a second one exits.
func signalContext() (context.Context, context.CancelFunc) {
	return shutdown.Context(context.Background(), func(sig os.Signal) {
		log.Infof("received %s, shutting down", sig)
	}, func() {
		log.Warn("second interrupt, exiting")
		log.Close()
		os.Exit(130)
	})
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// report prints a classified error with its next action.
func report(w io.Writer, err error) int {
	ae := apperr.Classify("", err)
	fmt.Fprintf(w, "Error: %v\n", err)
	if ae.Action != "" {
		fmt.Fprintf(w, "  -> %s\n", ae.Action)
	}
	return 1
}

func cmdDevices(ctx context.Context, a *app, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	fs.SetOutput(w)
	watch := fs.Bool("watch", false, "keep running and print device changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	inputs, outputs, err := a.catalog.ListDevices()
	if err != nil {
		return report(w, err)
	}
	printDevices(w, inputs, outputs)
	if !*watch {
		return 0
	}

	var mu sync.Mutex
	unsubscribe := a.catalog.OnDeviceChange(func(in, out []catalog.Device) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "\n-- devices changed at %s --\n", time.Now().Format("15:04:05"))
		printDevices(w, in, out)
	})
	defer unsubscribe()
	<-ctx.Done()
	return 0
}

func printDevices(w io.Writer, inputs, outputs []catalog.Device) {
	section := func(title string, ds []catalog.Device) {
		fmt.Fprintf(w, "%s:\n", title)
		if len(ds) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
		for _, d := range ds {
			tags := ""
			if d.IsDefault {
				tags += " (default)"
			}
			if d.Bluetooth {
				tags += " [bluetooth]"
			}
			fmt.Fprintf(w, "  %-40s %s%s\n", d.Label, d.ID, tags)
		}
	}
	section("inputs", inputs)
	section("outputs", outputs)
}

func cmdMicTest(ctx context.Context, a *app, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("mictest", flag.ContinueOnError)
	fs.SetOutput(w)
	device := fs.String("device", "", "input device id or name (default: saved selection)")
	plain := fs.Bool("plain", false, "print levels as text instead of the full-screen meter")
	duration := fs.Duration("duration", 0, "stop after this long (0 = until Ctrl+C)")
	autoClose := fs.Bool("autoclose", false, "stop after 30s without voice")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	deviceID, err := a.inputDevice(*device)
	if err != nil {
		return report(w, err)
	}
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if *plain {
		return micTestPlain(ctx, a, deviceID, w)
	}
	return runMeter(ctx, a, deviceID, *autoClose)
}

func micTestPlain(ctx context.Context, a *app, deviceID string, w io.Writer) int {
	readings := make(chan analyzer.Reading, 1)
	errs := make(chan error, 1)
	h, err := a.recorder.Start(ctx, deviceID, func(r analyzer.Reading) {
		select {
		case readings <- r:
		default:
		}
	}, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	if err != nil {
		return report(w, err)
	}
	defer h.Stop()

	name := h.Device()
	if name == "" {
		name = "system default"
	}
	fmt.Fprintf(w, "Listening on %s (Ctrl+C to stop)\n", name)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	var last analyzer.Reading
	for {
		select {
		case <-ctx.Done():
			return 0
		case err := <-errs:
			report(w, err)
		case last = <-readings:
		case <-ticker.C:
			fmt.Fprintf(w, "%3.0f %s\n", last.Level, levelBar(last.Level, 40))
		}
	}
}

func levelBar(level float64, width int) string {
	n := int(level / 100 * float64(width))
	return strings.Repeat("#", n) + strings.Repeat(".", width-n)
}

func cmdTranscribe(ctx context.Context, a *app, args []string, stdin io.Reader, w io.Writer) int {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	fs.SetOutput(w)
	device := fs.String("device", "", "input device id or name (default: saved selection)")
	providerFlag := fs.String("provider", "", "override the saved provider: native, cloud or custom")
	duration := fs.Duration("duration", 0, "stop automatically after this long")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var override provider.Kind
	switch *providerFlag {
	case "":
	case "native", "cloud", "custom":
		override = provider.Kind(*providerFlag)
	default:
		fmt.Fprintf(w, "Error: unknown provider %q (use native, cloud or custom)\n", *providerFlag)
		return 2
	}

	stt, err := a.settings.Stt()
	if err != nil {
		log.Warnf("load stt config: %v", err)
		stt = settings.DefaultSttConfig()
	}
	deviceID, err := a.inputDevice(*device)
	if err != nil {
		return report(w, err)
	}

	cues := a.player()
	var outMu sync.Mutex
	h, err := a.stt.Start(ctx, transcriber.StartRequest{
		DeviceID: deviceID,
		Stt:      stt,
		Override: override,
		OnInterim: func(text string) {
			outMu.Lock()
			fmt.Fprintf(w, "\r\x1b[K… %s", text)
			outMu.Unlock()
		},
		OnSegment: func(s transcriber.Segment) {
			outMu.Lock()
			fmt.Fprintf(w, "\r\x1b[K%s\n", s.Text)
			outMu.Unlock()
		},
		OnError: func(err error) {
			cues.Error()
			outMu.Lock()
			report(w, err)
			outMu.Unlock()
		},
	})
	if err != nil {
		// already reported through OnError
		return 1
	}
	cues.Start()
	fmt.Fprintf(w, "Recording with %s. Press Enter to finish, Ctrl+C to discard.\n", h.Provider)

	enter := make(chan struct{})
	go func() {
		bufio.NewReader(stdin).ReadString('\n')
		close(enter)
	}()
	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	select {
	case <-ctx.Done():
		h.Cancel()
		fmt.Fprintln(w, "\nDiscarded.")
		return 130
	case <-enter:
	case <-timeout:
	}

	if h.Provider != provider.Native {
		fmt.Fprintln(w, "Transcribing...")
	}
	text, err := h.Stop(ctx)
	if errors.Is(err, transcriber.ErrCancelled) {
		fmt.Fprintln(w, "\nDiscarded.")
		return 130
	}
	if err != nil {
		cues.Error()
		return report(w, err)
	}
	cues.End()
	if text == "" {
		fmt.Fprintln(w, "(no speech detected)")
		return 0
	}
	fmt.Fprintf(w, "\n%s\n", text)
	return 0
}

func cmdDoctor(ctx context.Context, a *app, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(w)
	device := fs.String("device", "", "input device to test (default: saved selection)")
	listen := fs.Duration("listen", 2*time.Second, "how long the level test listens")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	stt, _ := a.settings.Stt()
	deviceID := *device
	if deviceID == "" {
		if s, err := a.settings.Audio(); err == nil {
			deviceID = s.SelectedInputDevice
		}
	}
	return doctor.RunInteractive(ctx, doctor.Deps{
		Diag:           a.diag,
		Catalog:        a.catalog,
		Recorder:       a.recorder,
		Transcriber:    a.stt,
		Stt:            stt,
		DeviceID:       deviceID,
		DeviceExplicit: *device != "",
		LevelDuration:  *listen,
	})
}

func cmdFixAudio(ctx context.Context, a *app, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("fix-audio", flag.ContinueOnError)
	fs.SetOutput(w)
	check := fs.Bool("check", false, "only report the current status")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *check {
		st, err := a.diag.CheckStatus(ctx)
		if err != nil {
			return report(w, err)
		}
		fmt.Fprintf(w, "status: %s\nneeds setup: %v\n", st, st.NeedsSetup())
		return 0
	}

	res, err := a.diag.TryAutoFix(ctx)
	for _, step := range res.Steps {
		fmt.Fprintf(w, "  - %s\n", step)
	}
	if err != nil {
		return report(w, err)
	}
	if !res.Changed {
		fmt.Fprintln(w, res.Message)
		return 0
	}
	fmt.Fprintf(w, "before: %s\nafter:  %s\n", res.Before, res.After)
	return 0
}

func cmdSpeaker(ctx context.Context, a *app, w io.Writer) int {
	p := a.player()
	name := "system default"
	if p.DeviceID != "" {
		name = p.DeviceID
	}
	fmt.Fprintf(w, "Playing a test tone on %s at %d%%\n", name, p.Volume)
	if err := p.Test(ctx); err != nil {
		return report(w, err)
	}
	return 0
}

func cmdSettings(a *app, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	fs.SetOutput(w)
	pickInput := fs.Bool("pick-input", false, "choose the input device interactively")
	reset := fs.Bool("reset", false, "restore defaults")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *reset {
		if err := a.settings.SaveAudio(settings.DefaultAudioSettings()); err != nil {
			return report(w, err)
		}
		if err := a.settings.SaveStt(settings.DefaultSttConfig()); err != nil {
			return report(w, err)
		}
	}

	if *pickInput {
		labels := func(d audio.DeviceInfo) string { return d.Name }
		if inputs, _, err := a.catalog.ListDevices(); err == nil {
			byID := make(map[string]string, len(inputs))
			for _, d := range inputs {
				byID[d.ID] = d.Label
			}
			labels = func(d audio.DeviceInfo) string { return byID[d.ID] }
		}
		dev, err := audio.SelectDevice(a.actx, audio.Input, labels)
		if err != nil {
			return report(w, err)
		}
		if _, err := a.settings.UpdateAudio(func(s *settings.AudioSettings) { s.SelectedInputDevice = dev.ID }); err != nil {
			return report(w, err)
		}
	}

	for _, kv := range fs.Args() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			fmt.Fprintf(w, "Error: expected key=value, got %q\n", kv)
			return 2
		}
		if err := applySetting(a.settings, key, val); err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			return 2
		}
	}

	audioSettings, _ := a.settings.Audio()
	stt, _ := a.settings.Stt()
	if stt.CustomKey != "" {
		stt.CustomKey = "********"
	}
	out, _ := json.MarshalIndent(struct {
		Audio settings.AudioSettings `json:"audio"`
		Stt   settings.SttConfig     `json:"stt"`
	}{audioSettings, stt}, "", "  ")
	fmt.Fprintln(w, string(out))
	return 0
}

// applySetting sets one field by its command-line name. Percentages are
// clamped by the settings layer.
func applySetting(s *settings.Settings, key, val string) error {
	updateAudio := func(fn func(*settings.AudioSettings)) error {
		_, err := s.UpdateAudio(fn)
		return err
	}

	switch key {
	case "input":
		return updateAudio(func(a *settings.AudioSettings) { a.SelectedInputDevice = val })
	case "output":
		return updateAudio(func(a *settings.AudioSettings) { a.SelectedOutputDevice = val })
	case "input-volume", "output-volume", "sensitivity":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", key, val)
		}
		return updateAudio(func(a *settings.AudioSettings) {
			switch key {
			case "input-volume":
				a.InputVolumePct = n
			case "output-volume":
				a.OutputVolumePct = n
			default:
				a.ManualSensitivityPct = n
			}
		})
	case "auto-sensitivity":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", key, val)
		}
		return updateAudio(func(a *settings.AudioSettings) { a.AutoSensitivity = b })
	}

	stt, err := s.Stt()
	if err != nil {
		return err
	}
	switch key {
	case "provider":
		p, ok := settings.ParseProvider(val)
		if !ok {
			return fmt.Errorf("provider: %q is not one of auto, native, cloud, custom", val)
		}
		stt.Provider = p
	case "endpoint":
		if val != "" {
			if err := provider.ValidateEndpoint(val); err != nil {
				return err
			}
		}
		stt.CustomEndpoint = val
	case "key":
		stt.CustomKey = val
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return s.SaveStt(stt)
}
