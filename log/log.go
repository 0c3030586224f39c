package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"earshot/apperr"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcribeFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: EARSHOT_LOG_PATH environment variable
	if envPath := os.Getenv("EARSHOT_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcribePath := filepath.Join(dir, "transcribe_log.txt")
	transcribeFile, err = os.OpenFile(transcribePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// Failure records a classified error. Unknown errors go out at error level
// with the full cause chain; user-actionable kinds are warnings.
func Failure(err error) {
	if !logReady || err == nil {
		return
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Classify("", err)
	}
	ev := diagLog.Warn()
	if ae.Kind == apperr.Unknown {
		ev = diagLog.Error()
		var chain []string
		for e := error(ae); e != nil; e = errors.Unwrap(e) {
			chain = append(chain, fmt.Sprintf("%T", e))
		}
		ev = ev.Strs("chain", chain)
	}
	ev.Str("kind", ae.Kind.String()).
		Str("op", ae.Op).
		Str("action", ae.Action).
		Err(ae).
		Msg("failure")
}

func SessionStart(kind, id, provider, device string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("kind", kind).
		Str("id", id).
		Str("provider", provider).
		Str("device", device).
		Msg("session_start")
}

func SessionEnd(kind, id, reason string, dur time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("kind", kind).
		Str("id", id).
		Str("reason", reason).
		Float64("dur_s", dur.Seconds()).
		Msg("session_end")
}

func SessionRestart(id, device string, attempt int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("id", id).
		Str("device", device).
		Int("attempt", attempt).
		Msg("session_restart")
}

func DeviceChange(inputs, outputs []string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Strs("inputs", inputs).
		Strs("outputs", outputs).
		Msg("device_change")
}

type Upload struct {
	Provider    string
	Format      string
	AudioKB     float64
	DNSTimeMs   float64
	TLSTimeMs   float64
	TTFBMs      float64
	TotalTimeMs float64
	ConnReused  bool
	TLSProtocol string
}

func UploadMetrics(u Upload) {
	if !logReady {
		return
	}

	connStatus := "new"
	if u.ConnReused {
		connStatus = "reused"
	}

	ev := diagLog.Info().
		Str("provider", u.Provider).
		Str("format", u.Format).
		Str("conn", connStatus)
	if u.TLSProtocol != "" {
		ev = ev.Str("tls_proto", u.TLSProtocol)
	}
	ev.Float64("audio_kb", u.AudioKB).
		Float64("dns_ms", u.DNSTimeMs).
		Float64("tls_ms", u.TLSTimeMs).
		Float64("ttfb_ms", u.TTFBMs).
		Float64("total_ms", u.TotalTimeMs).
		Msg("upload")
}

func AudioStatus(inGroup bool, server string, needsSetup bool) {
	if !logReady {
		return
	}
	diagLog.Info().
		Bool("in_audio_group", inGroup).
		Str("server", server).
		Bool("needs_setup", needsSetup).
		Msg("linux_audio_status")
}

func TranscriptionText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcribeFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcribeFile.WriteString(line)
}
