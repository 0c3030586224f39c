package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"earshot/apperr"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(sessionsStarted.WithLabelValues("recording"))
	SessionStarted("recording")
	if got := testutil.ToFloat64(sessionsStarted.WithLabelValues("recording")); got != before+1 {
		t.Errorf("sessions = %v, want %v", got, before+1)
	}

	kind := apperr.DeviceNotFound.String()
	before = testutil.ToFloat64(errorsTotal.WithLabelValues(kind))
	Error(apperr.New(apperr.DeviceNotFound, "open", "gone"))
	Error(nil)
	if got := testutil.ToFloat64(errorsTotal.WithLabelValues(kind)); got != before+1 {
		t.Errorf("errors = %v, want %v", got, before+1)
	}

	MicOwned(true)
	if got := testutil.ToFloat64(micOwned); got != 1 {
		t.Errorf("mic owned = %v", got)
	}
	MicOwned(false)
	if got := testutil.ToFloat64(micOwned); got != 0 {
		t.Errorf("mic owned = %v", got)
	}

	ObserveUpload("custom", 300*time.Millisecond)
	if n := testutil.CollectAndCount(uploadSeconds); n < 1 {
		t.Errorf("upload histogram empty")
	}

	UploadPhase("custom", "ttfb", 40*time.Millisecond)
	if n := testutil.CollectAndCount(uploadPhaseSeconds); n < 1 {
		t.Errorf("upload phase histogram empty")
	}
}
