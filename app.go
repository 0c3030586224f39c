package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"earshot/analyzer"
	"earshot/audio"
	"earshot/beep"
	"earshot/catalog"
	"earshot/config"
	"earshot/linuxaudio"
	"earshot/log"
	"earshot/recording"
	"earshot/settings"
	"earshot/transcriber"
)

// app owns every long-lived service for one command invocation.
type app struct {
	cfg      *config.Config
	store    settings.Store
	settings *settings.Settings
	actx     audio.Context
	catalog  *catalog.Catalog
	owner    *audio.Owner
	recorder *recording.Recorder
	stt      *transcriber.Service
	diag     *linuxaudio.Diagnostics

	unsubscribe func()
}

type appOptions struct {
	fake    bool
	fakeWAV string
	store   settings.Store // overrides cfg.Store when set
	channel linuxaudio.CommandChannel
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, owner: audio.NewOwner()}

	store := opts.store
	if store == nil {
		var err error
		store, err = settings.Open(cfg.Store.Backend, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open settings store: %w", err)
		}
	}
	a.store = store
	a.settings = settings.New(store)

	actx, err := openAudio(opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.actx = actx

	a.catalog = catalog.New(actx, catalog.WithPollInterval(cfg.Recording.PollInterval))
	a.catalog.Init()

	audioSettings, err := a.settings.Audio()
	if err != nil {
		log.Warnf("load audio settings: %v", err)
		audioSettings = settings.DefaultAudioSettings()
	}

	an := cfg.Analysis
	a.recorder = recording.New(a.catalog, actx, a.owner,
		recording.WithTickInterval(an.TickInterval),
		recording.WithGraceWindow(cfg.Recording.GraceWindow),
		recording.WithAnalyzer(analyzer.Analyzer{
			AutoMultiplier: an.AutoMultiplier,
			Gate:           an.NoiseGate,
			Points:         an.WaveformPoints,
		}),
		recording.WithSpectrum(analyzer.WithFFTSize(an.FFTSize), analyzer.WithSmoothing(an.Smoothing)),
		recording.WithSettings(audioSettings),
	)
	a.unsubscribe = a.settings.OnAudioChange(a.recorder.SettingsChanged)

	tc := cfg.Transcription
	var sttOpts []transcriber.Option
	if tc.NativeModel != "" {
		factory, err := transcriber.NewVoskFactory(tc.NativeModel)
		if err != nil {
			log.Warnf("on-device recognizer unavailable: %v", err)
		} else {
			sttOpts = append(sttOpts, transcriber.WithRecognizer(factory))
		}
	}
	a.stt = transcriber.NewService(transcriber.Config{
		CloudAPIKey:   tc.CloudAPIKey,
		CloudBaseURL:  tc.CloudBaseURL,
		CloudModel:    tc.CloudModel,
		CustomModel:   tc.CustomModel,
		Language:      tc.Language,
		UploadFormat:  tc.UploadFormat,
		UploadTimeout: tc.UploadTimeout,
		Retry:         transcriber.RetryPolicy{MaxAttempts: tc.MaxAttempts, Backoff: tc.Backoff},
	}, a.catalog, actx, a.owner, sttOpts...)

	ch := opts.channel
	if ch == nil {
		ch = linuxaudio.NewExecChannel()
	}
	a.diag = linuxaudio.New(ch)
	return a, nil
}

// inputDevice picks the device for a session. An explicit choice must
// exist; the saved selection is passed through even when it is unplugged,
// since sessions fall back to the system default and reconnect to it.
func (a *app) inputDevice(explicit string) (string, error) {
	if explicit != "" {
		if _, err := a.catalog.FindInput(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	s, err := a.settings.Audio()
	if err != nil {
		log.Warnf("load audio settings: %v", err)
		return "", nil
	}
	return s.SelectedInputDevice, nil
}

// player plays cues on the saved output device. A saved device that is no
// longer present falls back to the system default.
func (a *app) player() beep.Player {
	s, err := a.settings.Audio()
	if err != nil {
		s = settings.DefaultAudioSettings()
	}
	p := beep.Player{Volume: s.OutputVolumePct}
	if s.SelectedOutputDevice == "" {
		return p
	}
	_, outputs, err := a.catalog.ListDevices()
	if err != nil {
		return p
	}
	for _, d := range outputs {
		if d.ID == s.SelectedOutputDevice {
			p.DeviceID = d.ID
		}
	}
	return p
}

func openAudio(opts appOptions) (audio.Context, error) {
	switch {
	case opts.fakeWAV != "":
		return audio.NewFakeContextFromWAV(opts.fakeWAV, true)
	case opts.fake:
		return audio.NewFakeContext([]audio.DeviceInfo{
			{ID: "fake-mic", Name: "Fake Microphone", Kind: audio.Input, IsDefault: true},
		}, []audio.DeviceInfo{
			{ID: "fake-speaker", Name: "Fake Speaker", Kind: audio.Output, IsDefault: true},
		}), nil
	}
	actx, err := audio.NewContext()
	if err != nil {
		return nil, fmt.Errorf("initializing audio: %w", err)
	}
	return actx, nil
}

// close stops any live session before tearing down the platform.
func (a *app) close() {
	if h := a.stt.Active(); h != nil {
		h.Cancel()
	}
	if h := a.recorder.Active(); h != nil {
		h.Stop()
	}
	a.unsubscribe()
	a.catalog.Dispose()
	a.diag.Dispose()
	a.actx.Close()
	if err := a.store.Close(); err != nil {
		log.Warnf("close settings store: %v", err)
	}
}

// crashLog routes runtime crash output to the log directory.
func crashLog() {
	f, err := os.OpenFile(filepath.Join(log.Dir(), "crash_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(f, debug.CrashOptions{})
}
