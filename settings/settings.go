// Package settings persists the user's audio and speech-to-text choices
// in a key-value store as JSON records.
//
// Reads never fail on bad data: a missing record yields defaults, and a
// malformed field falls back to its own default without discarding the
// rest of the record.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	KeyAudioSettings = "audio_settings"
	KeySttConfig     = "stt_config"
)

type AudioSettings struct {
	SelectedInputDevice  string `json:"selectedInputDevice"`
	SelectedOutputDevice string `json:"selectedOutputDevice"`
	InputVolumePct       int    `json:"inputVolumePct"`
	OutputVolumePct      int    `json:"outputVolumePct"`
	AutoSensitivity      bool   `json:"autoSensitivity"`
	ManualSensitivityPct int    `json:"manualSensitivityPct"`
}

func DefaultAudioSettings() AudioSettings {
	return AudioSettings{
		InputVolumePct:       100,
		OutputVolumePct:      100,
		AutoSensitivity:      true,
		ManualSensitivityPct: 50,
	}
}

// Normalize clamps every percentage into [0, 100].
func (a AudioSettings) Normalize() AudioSettings {
	a.InputVolumePct = ClampPct(a.InputVolumePct)
	a.OutputVolumePct = ClampPct(a.OutputVolumePct)
	a.ManualSensitivityPct = ClampPct(a.ManualSensitivityPct)
	return a
}

func ClampPct(v int) int {
	return max(0, min(100, v))
}

type Provider string

const (
	ProviderAuto   Provider = "auto"
	ProviderNative Provider = "native"
	ProviderCloud  Provider = "cloud"
	ProviderCustom Provider = "custom"
)

func ParseProvider(s string) (Provider, bool) {
	switch p := Provider(s); p {
	case ProviderAuto, ProviderNative, ProviderCloud, ProviderCustom:
		return p, true
	}
	return ProviderAuto, false
}

type SttConfig struct {
	Provider       Provider `json:"provider"`
	CustomEndpoint string   `json:"customEndpoint,omitempty"`
	CustomKey      string   `json:"customKey,omitempty"`
}

func DefaultSttConfig() SttConfig {
	return SttConfig{Provider: ProviderAuto}
}

// Settings is the read-modify-write front end over a Store. Writes are
// last-writer-wins.
type Settings struct {
	store Store

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(AudioSettings)
}

func New(store Store) *Settings {
	return &Settings{store: store, listeners: make(map[int]func(AudioSettings))}
}

func (s *Settings) Audio() (AudioSettings, error) {
	raw, err := s.store.Get(KeyAudioSettings)
	if errors.Is(err, ErrNotFound) {
		a := DefaultAudioSettings()
		return a, s.put(KeyAudioSettings, a)
	}
	if err != nil {
		return DefaultAudioSettings(), fmt.Errorf("read audio settings: %w", err)
	}
	return decodeAudio(raw), nil
}

func (s *Settings) SaveAudio(a AudioSettings) error {
	a = a.Normalize()
	if err := s.put(KeyAudioSettings, a); err != nil {
		return err
	}
	s.notify(a)
	return nil
}

// UpdateAudio loads, applies fn, and saves.
func (s *Settings) UpdateAudio(fn func(*AudioSettings)) (AudioSettings, error) {
	a, err := s.Audio()
	if err != nil {
		return a, err
	}
	fn(&a)
	a = a.Normalize()
	return a, s.SaveAudio(a)
}

// OnAudioChange registers fn to run after every successful SaveAudio.
func (s *Settings) OnAudioChange(fn func(AudioSettings)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Settings) notify(a AudioSettings) {
	s.mu.Lock()
	fns := make([]func(AudioSettings), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(a)
	}
}

func (s *Settings) Stt() (SttConfig, error) {
	raw, err := s.store.Get(KeySttConfig)
	if errors.Is(err, ErrNotFound) {
		c := DefaultSttConfig()
		return c, s.put(KeySttConfig, c)
	}
	if err != nil {
		return DefaultSttConfig(), fmt.Errorf("read stt config: %w", err)
	}
	return decodeStt(raw), nil
}

func (s *Settings) SaveStt(c SttConfig) error {
	if _, ok := ParseProvider(string(c.Provider)); !ok {
		c.Provider = ProviderAuto
	}
	return s.put(KeySttConfig, c)
}

func (s *Settings) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.Set(key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func decodeAudio(raw []byte) AudioSettings {
	a := DefaultAudioSettings()
	fields := decodeFields(raw)
	if fields == nil {
		return a
	}
	field(fields, "selectedInputDevice", &a.SelectedInputDevice)
	field(fields, "selectedOutputDevice", &a.SelectedOutputDevice)
	pctField(fields, "inputVolumePct", &a.InputVolumePct)
	pctField(fields, "outputVolumePct", &a.OutputVolumePct)
	field(fields, "autoSensitivity", &a.AutoSensitivity)
	pctField(fields, "manualSensitivityPct", &a.ManualSensitivityPct)
	return a.Normalize()
}

func decodeStt(raw []byte) SttConfig {
	c := DefaultSttConfig()
	fields := decodeFields(raw)
	if fields == nil {
		return c
	}
	var p string
	if field(fields, "provider", &p) {
		c.Provider, _ = ParseProvider(p)
	}
	field(fields, "customEndpoint", &c.CustomEndpoint)
	field(fields, "customKey", &c.CustomKey)
	return c
}

func decodeFields(raw []byte) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields
}

// field decodes fields[name] into dst, leaving dst untouched on any error.
func field[T any](fields map[string]json.RawMessage, name string, dst *T) bool {
	raw, ok := fields[name]
	if !ok {
		return false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	*dst = v
	return true
}

// pctField accepts any JSON number, rounding fractions.
func pctField(fields map[string]json.RawMessage, name string, dst *int) {
	var f float64
	if field(fields, name, &f) && !math.IsNaN(f) && !math.IsInf(f, 0) {
		*dst = ClampPct(int(math.Round(math.Max(-1, math.Min(101, f)))))
	}
}
