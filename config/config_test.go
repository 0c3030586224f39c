package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"EARSHOT_LOG_PATH", "EARSHOT_CLOUD_API_KEY", "OPENAI_API_KEY", "EARSHOT_VOSK_MODEL"} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Analysis.TickInterval != 16*time.Millisecond {
		t.Errorf("tick = %s", c.Analysis.TickInterval)
	}
	if c.Recording.GraceWindow != 250*time.Millisecond {
		t.Errorf("grace = %s", c.Recording.GraceWindow)
	}
	if c.Transcription.MaxAttempts != 3 || c.Transcription.Backoff != 200*time.Millisecond {
		t.Errorf("retry = %d/%s", c.Transcription.MaxAttempts, c.Transcription.Backoff)
	}
	if c.Store.Backend != "badger" {
		t.Errorf("backend = %q", c.Store.Backend)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
store:
  backend: sqlite
  path: /tmp/x.db
analysis:
  tick_interval: 33ms
  noise_gate: 5
recording:
  grace_window: 1s
transcription:
  upload_format: wav
  cloud_api_key: from-file
metrics:
  listen: 127.0.0.1:9464
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Store.Backend != "sqlite" || c.Store.Path != "/tmp/x.db" {
		t.Errorf("store = %+v", c.Store)
	}
	if c.Analysis.TickInterval != 33*time.Millisecond || c.Analysis.NoiseGate != 5 {
		t.Errorf("analysis = %+v", c.Analysis)
	}
	if c.Recording.GraceWindow != time.Second {
		t.Errorf("grace = %s", c.Recording.GraceWindow)
	}
	if c.Transcription.UploadFormat != "wav" || c.Transcription.CloudAPIKey != "from-file" {
		t.Errorf("transcription = %+v", c.Transcription)
	}
	if c.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("metrics = %+v", c.Metrics)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("EARSHOT_VOSK_MODEL", "/models/vosk")
	c, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Transcription.CloudAPIKey != "sk-openai" {
		t.Errorf("key = %q", c.Transcription.CloudAPIKey)
	}
	if c.Transcription.NativeModel != "/models/vosk" {
		t.Errorf("model = %q", c.Transcription.NativeModel)
	}

	t.Setenv("EARSHOT_CLOUD_API_KEY", "sk-earshot")
	c, _ = Load(filepath.Join(t.TempDir(), "none.yaml"))
	if c.Transcription.CloudAPIKey != "sk-earshot" {
		t.Errorf("key = %q, want earshot override", c.Transcription.CloudAPIKey)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad backend", func(c *Config) { c.Store.Backend = "redis" }, "store config"},
		{"fft not pow2", func(c *Config) { c.Analysis.FFTSize = 300 }, "fft_size"},
		{"smoothing 1", func(c *Config) { c.Analysis.Smoothing = 1 }, "smoothing"},
		{"gate too high", func(c *Config) { c.Analysis.NoiseGate = 101 }, "noise_gate"},
		{"bad format", func(c *Config) { c.Transcription.UploadFormat = "mp3" }, "upload_format"},
		{"zero attempts", func(c *Config) { c.Transcription.MaxAttempts = 0 }, "max_attempts"},
		{"relative base url", func(c *Config) { c.Transcription.CloudBaseURL = "/v1" }, "cloud_base_url"},
		{"fast poll", func(c *Config) { c.Recording.PollInterval = time.Millisecond }, "poll_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("error = %v, want containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("store: [unclosed"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
