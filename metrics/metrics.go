// Package metrics exposes Prometheus counters for capture and
// transcription sessions.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"earshot/apperr"
)

var (
	sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "earshot_sessions_started_total",
		Help: "Sessions started, by kind (recording, transcription)",
	}, []string{"kind"})

	sessionRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_session_restarts_total",
		Help: "Recording sessions restarted after a device or settings change",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "earshot_errors_total",
		Help: "Classified errors surfaced to the user, by kind",
	}, []string{"kind"})

	uploadSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "earshot_transcription_upload_seconds",
		Help:    "Time spent uploading audio for transcription",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider"})

	uploadPhaseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "earshot_upload_phase_seconds",
		Help:    "Network time per upload phase (dns, tcp, tls, request, ttfb, download)",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"provider", "phase"})

	micOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "earshot_mic_owned",
		Help: "1 while a session holds the microphone",
	})

	audioFixes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "earshot_audio_fix_total",
		Help: "Linux audio remediation steps run, by step and result",
	}, []string{"step", "result"})
)

func SessionStarted(kind string) {
	sessionsStarted.WithLabelValues(kind).Inc()
}

func SessionRestarted() {
	sessionRestarts.Inc()
}

func Error(err error) {
	if err == nil {
		return
	}
	errorsTotal.WithLabelValues(apperr.KindOf(err).String()).Inc()
}

func ObserveUpload(provider string, d time.Duration) {
	uploadSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

func UploadPhase(provider, phase string, d time.Duration) {
	uploadPhaseSeconds.WithLabelValues(provider, phase).Observe(d.Seconds())
}

func MicOwned(owned bool) {
	if owned {
		micOwned.Set(1)
	} else {
		micOwned.Set(0)
	}
}

func AudioFix(step string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	audioFixes.WithLabelValues(step, result).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
