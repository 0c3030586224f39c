// Package config loads the application config file. User-editable audio
// and speech-to-text choices live in the settings store instead.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log           LogConfig           `yaml:"log"`
	Store         StoreConfig         `yaml:"store"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Recording     RecordingConfig     `yaml:"recording"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type LogConfig struct {
	Path string `yaml:"path"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // badger, sqlite, memory
	Path    string `yaml:"path"`
}

type AnalysisConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	AutoMultiplier float64       `yaml:"auto_multiplier"`
	NoiseGate      float64       `yaml:"noise_gate"`
	WaveformPoints int           `yaml:"waveform_points"`
	FFTSize        int           `yaml:"fft_size"`
	Smoothing      float64       `yaml:"smoothing"`
}

type RecordingConfig struct {
	GraceWindow  time.Duration `yaml:"grace_window"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TranscriptionConfig struct {
	CloudAPIKey   string        `yaml:"cloud_api_key"`
	CloudBaseURL  string        `yaml:"cloud_base_url"`
	CloudModel    string        `yaml:"cloud_model"`
	CustomModel   string        `yaml:"custom_model"`
	Language      string        `yaml:"language"`
	UploadFormat  string        `yaml:"upload_format"` // flac, wav
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
	NativeModel   string        `yaml:"native_model"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// DefaultPath is config.yaml in the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "earshot", "config.yaml")
}

// Load reads path, fills defaults, applies env overrides and validates.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	c.applyDefaults()
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "badger"
	}
	if c.Store.Path == "" && c.Store.Backend != "memory" {
		c.Store.Path = defaultStorePath(c.Store.Backend)
	}

	a := &c.Analysis
	if a.TickInterval == 0 {
		a.TickInterval = 16 * time.Millisecond
	}
	if a.AutoMultiplier == 0 {
		a.AutoMultiplier = 3.0
	}
	if a.NoiseGate == 0 {
		a.NoiseGate = 3.0
	}
	if a.WaveformPoints == 0 {
		a.WaveformPoints = 40
	}
	if a.FFTSize == 0 {
		a.FFTSize = 256
	}
	if a.Smoothing == 0 {
		a.Smoothing = 0.8
	}

	if c.Recording.GraceWindow == 0 {
		c.Recording.GraceWindow = 250 * time.Millisecond
	}
	if c.Recording.PollInterval == 0 {
		c.Recording.PollInterval = 3 * time.Second
	}

	t := &c.Transcription
	if t.CloudModel == "" {
		t.CloudModel = "whisper-1"
	}
	if t.CustomModel == "" {
		t.CustomModel = "whisper-1"
	}
	if t.UploadFormat == "" {
		t.UploadFormat = "flac"
	}
	if t.UploadTimeout == 0 {
		t.UploadTimeout = 30 * time.Second
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	if t.Backoff == 0 {
		t.Backoff = 200 * time.Millisecond
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EARSHOT_LOG_PATH"); v != "" {
		c.Log.Path = v
	}
	if v := os.Getenv("EARSHOT_CLOUD_API_KEY"); v != "" {
		c.Transcription.CloudAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Transcription.CloudAPIKey == "" {
		c.Transcription.CloudAPIKey = v
	}
	if v := os.Getenv("EARSHOT_VOSK_MODEL"); v != "" {
		c.Transcription.NativeModel = v
	}
}

func defaultStorePath(backend string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	if backend == "sqlite" {
		return filepath.Join(dir, "earshot", "settings.db")
	}
	return filepath.Join(dir, "earshot", "settings")
}

func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis config: %w", err)
	}
	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	return nil
}

func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case "badger", "sqlite", "memory":
	default:
		return fmt.Errorf("backend must be badger, sqlite or memory, got %q", s.Backend)
	}
	return nil
}

func (a *AnalysisConfig) Validate() error {
	if a.TickInterval < time.Millisecond {
		return fmt.Errorf("tick_interval must be at least 1ms, got %s", a.TickInterval)
	}
	if a.AutoMultiplier <= 0 {
		return fmt.Errorf("auto_multiplier must be positive, got %v", a.AutoMultiplier)
	}
	if a.NoiseGate < 0 || a.NoiseGate > 100 {
		return fmt.Errorf("noise_gate must be between 0 and 100, got %v", a.NoiseGate)
	}
	if a.WaveformPoints < 1 {
		return fmt.Errorf("waveform_points must be at least 1, got %d", a.WaveformPoints)
	}
	if a.FFTSize < 32 || a.FFTSize&(a.FFTSize-1) != 0 {
		return fmt.Errorf("fft_size must be a power of two >= 32, got %d", a.FFTSize)
	}
	if a.Smoothing < 0 || a.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %v", a.Smoothing)
	}
	return nil
}

func (r *RecordingConfig) Validate() error {
	if r.GraceWindow < 0 {
		return fmt.Errorf("grace_window cannot be negative, got %s", r.GraceWindow)
	}
	if r.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll_interval must be at least 100ms, got %s", r.PollInterval)
	}
	return nil
}

func (t *TranscriptionConfig) Validate() error {
	switch t.UploadFormat {
	case "flac", "wav":
	default:
		return fmt.Errorf("upload_format must be flac or wav, got %q", t.UploadFormat)
	}
	if t.UploadTimeout < time.Second {
		return fmt.Errorf("upload_timeout must be at least 1s, got %s", t.UploadTimeout)
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", t.MaxAttempts)
	}
	if t.CloudBaseURL != "" {
		u, err := url.Parse(t.CloudBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("cloud_base_url must be an absolute http(s) URL, got %q", t.CloudBaseURL)
		}
	}
	return nil
}
