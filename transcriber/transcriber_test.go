package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"earshot/apperr"
	"earshot/audio"
	"earshot/catalog"
	"earshot/provider"
	"earshot/settings"
)

var linux = provider.Platform{OS: "linux", Arch: "amd64"}

type rig struct {
	fake  *audio.FakeContext
	owner *audio.Owner
	svc   *Service

	mu   sync.Mutex
	recs []*FakeRecognizer
	// recognizers after the first are built with this start error
	restartErr error
}

func (r *rig) newRecognizer() (Recognizer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := NewFakeRecognizer()
	if len(r.recs) > 0 {
		rec.StartErr = r.restartErr
	}
	r.recs = append(r.recs, rec)
	return rec, nil
}

func (r *rig) rec(i int) *FakeRecognizer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.recs) {
		return nil
	}
	return r.recs[i]
}

func (r *rig) recCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

func newRig(t *testing.T, cfg Config, opts ...Option) *rig {
	t.Helper()
	r := &rig{
		fake: audio.NewFakeContext([]audio.DeviceInfo{
			{ID: "mic-1", Name: "Built-in Microphone", Kind: audio.Input, IsDefault: true},
		}, nil),
		owner: audio.NewOwner(),
	}
	cat := catalog.New(r.fake)
	opts = append([]Option{WithPlatform(linux), WithRecognizer(r.newRecognizer)}, opts...)
	r.svc = NewService(cfg, cat, r.fake, r.owner, opts...)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nativeStt() settings.SttConfig {
	return settings.SttConfig{Provider: settings.ProviderNative}
}

func TestNativeAccumulatesSegments(t *testing.T) {
	r := newRig(t, Config{})
	var mu sync.Mutex
	var segs []string
	var interims []string
	h, err := r.svc.Start(context.Background(), StartRequest{
		Stt: nativeStt(),
		OnSegment: func(s Segment) {
			mu.Lock()
			segs = append(segs, s.Text)
			mu.Unlock()
		},
		OnInterim: func(s string) {
			mu.Lock()
			interims = append(interims, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Provider != provider.Native || h.State() != Recording {
		t.Fatalf("provider=%s state=%s", h.Provider, h.State())
	}
	if r.owner.Holder() != "transcription" {
		t.Errorf("holder = %q", r.owner.Holder())
	}

	rec := r.rec(0)
	rec.Tail = "again"
	rec.Emit(Event{Text: "hel"})
	rec.Emit(Event{Text: "hello", Final: true})
	rec.Emit(Event{Text: "wor"})
	waitFor(t, "interim", func() bool { return h.Interim() == "wor" })
	rec.Emit(Event{Text: " world ", Final: true})
	waitFor(t, "segments", func() bool { return len(h.Segments()) == 2 })
	if h.Interim() != "" {
		t.Errorf("interim not cleared by final: %q", h.Interim())
	}
	waitFor(t, "audio", func() bool { return rec.Fed() > 0 })

	text, err := h.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if text != "hello world again" {
		t.Errorf("text = %q", text)
	}
	mu.Lock()
	if strings.Join(segs, "|") != "hello|world|again" {
		t.Errorf("segments = %v", segs)
	}
	if len(interims) != 2 {
		t.Errorf("interims = %v", interims)
	}
	mu.Unlock()

	if h.State() != Done {
		t.Errorf("state = %s", h.State())
	}
	if n := r.fake.Captures()[0].Closes(); n != 1 {
		t.Errorf("capture closed %d times", n)
	}
	if r.owner.Holder() != "" || r.svc.Active() != nil {
		t.Error("session not released")
	}

	again, err := h.Stop(context.Background())
	if again != text || err != nil {
		t.Errorf("second Stop = %q, %v", again, err)
	}
}

func TestNativeRestartWithinPolicy(t *testing.T) {
	r := newRig(t, Config{Retry: RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}})
	h, err := r.svc.Start(context.Background(), StartRequest{Stt: nativeStt()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.rec(0).Emit(Event{Text: "one", Final: true})
	waitFor(t, "first segment", func() bool { return len(h.Segments()) == 1 })
	r.rec(0).Die(errors.New("engine crashed"))

	waitFor(t, "restart", func() bool { return r.recCount() == 2 })
	waitFor(t, "swap", func() bool { return r.rec(1).Emit(Event{Text: "two", Final: true}) })
	waitFor(t, "second segment", func() bool { return len(h.Segments()) == 2 })

	text, err := h.Stop(context.Background())
	if err != nil || text != "one two" {
		t.Errorf("Stop = %q, %v", text, err)
	}
}

func TestNativeRetryExhausted(t *testing.T) {
	r := newRig(t, Config{Retry: RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}})
	r.restartErr = errors.New("model failed to load")
	errs := make(chan error, 1)
	h, err := r.svc.Start(context.Background(), StartRequest{
		Stt:     nativeStt(),
		OnError: func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.rec(0).Emit(Event{Text: "kept", Final: true})
	waitFor(t, "segment", func() bool { return len(h.Segments()) == 1 })
	r.rec(0).Die(errors.New("engine crashed"))

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion never reported")
	}
	if n := r.recCount(); n != 3 {
		t.Errorf("recognizers built = %d, want 3", n)
	}
	if h.State() != Done {
		t.Errorf("state = %s", h.State())
	}
	text, err := h.Stop(context.Background())
	if err == nil || text != "kept" {
		t.Errorf("Stop = %q, %v", text, err)
	}
	if n := r.fake.Captures()[0].Closes(); n != 1 {
		t.Errorf("capture closed %d times", n)
	}
	if r.owner.Holder() != "" {
		t.Error("mic still held")
	}
}

func TestCloudUpload(t *testing.T) {
	up := NewFakeUploader("transcribed text", nil)
	r := newRig(t, Config{UploadFormat: "wav"}, WithCloudUploader(up))
	var got []Segment
	h, err := r.svc.Start(context.Background(), StartRequest{
		Stt:       settings.SttConfig{Provider: settings.ProviderCloud},
		OnSegment: func(s Segment) { got = append(got, s) },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Provider != provider.Cloud {
		t.Fatalf("provider = %s", h.Provider)
	}
	<-r.fake.Captures()[0].AudioDone()

	text, err := h.Stop(context.Background())
	if err != nil || text != "transcribed text" {
		t.Fatalf("Stop = %q, %v", text, err)
	}
	n, format, size := up.Calls()
	if n != 1 || format != "wav" || size <= 44 {
		t.Errorf("upload calls=%d format=%s size=%d", n, format, size)
	}
	if len(got) != 1 || !got[0].IsFinal {
		t.Errorf("segments = %+v", got)
	}
	if r.owner.Holder() != "" {
		t.Error("mic still held")
	}
}

func TestAutoPrefersNative(t *testing.T) {
	r := newRig(t, Config{}, WithCloudUploader(NewFakeUploader("x", nil)))
	kind, err := r.svc.Resolve(settings.DefaultSttConfig(), "")
	if err != nil || kind != provider.Native {
		t.Errorf("auto = %s, %v", kind, err)
	}
	kind, _ = r.svc.Resolve(settings.DefaultSttConfig(), provider.Cloud)
	if kind != provider.Cloud {
		t.Errorf("override = %s", kind)
	}

	wsl := newRig(t, Config{}, WithPlatform(provider.Platform{OS: "linux", Arch: "amd64", WSL: true}))
	if wsl.svc.NativeSupported() {
		t.Error("native allowed under WSL")
	}
}

func TestUploadTimeoutIsNetworkFailure(t *testing.T) {
	up := NewFakeUploader("late", nil)
	up.Delay = time.Second
	r := newRig(t, Config{UploadTimeout: 20 * time.Millisecond}, WithCloudUploader(up))
	h, err := r.svc.Start(context.Background(), StartRequest{Stt: settings.SttConfig{Provider: settings.ProviderCloud}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	text, err := h.Stop(context.Background())
	if text != "" || !errors.Is(err, apperr.ErrNetworkFailure) {
		t.Errorf("Stop = %q, %v; want NetworkFailure", text, err)
	}
	if r.owner.Holder() != "" {
		t.Error("mic still held")
	}
}

func TestCallerDeadlineHonored(t *testing.T) {
	up := NewFakeUploader("late", nil)
	up.Delay = time.Second
	r := newRig(t, Config{UploadTimeout: time.Minute}, WithCloudUploader(up))
	h, _ := r.svc.Start(context.Background(), StartRequest{Stt: settings.SttConfig{Provider: settings.ProviderCloud}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := h.Stop(ctx)
	if apperr.KindOf(err) != apperr.NetworkFailure {
		t.Errorf("err = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("caller deadline ignored")
	}
}

func TestCancelDuringUpload(t *testing.T) {
	up := NewFakeUploader("discard me", nil)
	up.Delay = 2 * time.Second
	r := newRig(t, Config{}, WithCloudUploader(up))
	h, _ := r.svc.Start(context.Background(), StartRequest{Stt: settings.SttConfig{Provider: settings.ProviderCloud}})

	type result struct {
		text string
		err  error
	}
	res := make(chan result, 1)
	go func() {
		text, err := h.Stop(context.Background())
		res <- result{text, err}
	}()
	<-up.Started()
	h.Cancel()

	select {
	case got := <-res:
		if got.text != "" || !errors.Is(got.err, ErrCancelled) {
			t.Errorf("Stop = %q, %v", got.text, got.err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after Cancel")
	}
	if h.State() != Cancelled {
		t.Errorf("state = %s", h.State())
	}
	if _, err := h.Stop(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("later Stop = %v", err)
	}
}

func TestCancelWhileRecording(t *testing.T) {
	r := newRig(t, Config{})
	h, _ := r.svc.Start(context.Background(), StartRequest{Stt: nativeStt()})
	r.rec(0).Emit(Event{Text: "secret", Final: true})
	waitFor(t, "segment", func() bool { return len(h.Segments()) == 1 })

	h.Cancel()
	h.Cancel()
	text, err := h.Stop(context.Background())
	if text != "" || !errors.Is(err, ErrCancelled) {
		t.Errorf("Stop = %q, %v", text, err)
	}
	if len(h.Segments()) != 0 {
		t.Error("segments kept after cancel")
	}
	if n := r.fake.Captures()[0].Closes(); n != 1 {
		t.Errorf("capture closed %d times", n)
	}
	if r.rec(0).Closes() == 0 {
		t.Error("recognizer not closed")
	}
	if r.owner.Holder() != "" {
		t.Error("mic still held")
	}
}

func TestProviderUnavailable(t *testing.T) {
	r := &rig{fake: audio.NewFakeContext(nil, nil), owner: audio.NewOwner()}
	svc := NewService(Config{}, catalog.New(r.fake), r.fake, r.owner, WithPlatform(linux))
	var reported error
	_, err := svc.Start(context.Background(), StartRequest{
		Stt:     settings.DefaultSttConfig(),
		OnError: func(err error) { reported = err },
	})
	if !errors.Is(err, apperr.ErrProviderUnavailable) {
		t.Errorf("err = %v", err)
	}
	if reported == nil {
		t.Error("onError not called")
	}
	if len(r.fake.Captures()) != 0 {
		t.Error("capture opened without a provider")
	}
}

func TestStartCaptureFailure(t *testing.T) {
	r := newRig(t, Config{})
	r.fake.FailStart(errors.New("operation not permitted"))
	_, err := r.svc.Start(context.Background(), StartRequest{Stt: nativeStt()})
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("err = %v", err)
	}
	if r.rec(0).Closes() == 0 {
		t.Error("recognizer leaked")
	}
	if r.owner.Holder() != "" {
		t.Error("mic still held")
	}
}

func TestMissingDeviceUsesDefault(t *testing.T) {
	r := newRig(t, Config{})
	h, err := r.svc.Start(context.Background(), StartRequest{DeviceID: "unplugged-mic", Stt: nativeStt()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Cancel()
	caps := r.fake.Captures()
	if len(caps) != 1 || caps[0].DeviceName() != "system default" {
		t.Errorf("capture not opened on the system default")
	}
}

func TestPreemptsRecordingSession(t *testing.T) {
	r := newRig(t, Config{})
	preempted := false
	lease := r.owner.Acquire("recording", func() { preempted = true })
	h, err := r.svc.Start(context.Background(), StartRequest{Stt: nativeStt()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Cancel()
	if !preempted || lease.Held() {
		t.Error("recording session not preempted")
	}
}

func customServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer custom-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart: %v", err)
		}
		if r.FormValue("model") == "" {
			t.Error("missing model field")
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if hdr.Filename != "audio.flac" || string(data[:4]) != "fLaC" {
				t.Errorf("file %s starts %q", hdr.Filename, data[:4])
			}
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func customStt(url string) settings.SttConfig {
	return settings.SttConfig{Provider: settings.ProviderCustom, CustomEndpoint: url, CustomKey: "custom-key"}
}

func TestCustomEndpoint(t *testing.T) {
	srv := customServer(t, http.StatusOK, `{"text":"  from custom  "}`)
	r := newRig(t, Config{})
	h, err := r.svc.Start(context.Background(), StartRequest{Stt: customStt(srv.URL)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Provider != provider.Custom {
		t.Fatalf("provider = %s", h.Provider)
	}
	<-r.fake.Captures()[0].AudioDone()
	text, err := h.Stop(context.Background())
	if err != nil || text != "from custom" {
		t.Errorf("Stop = %q, %v", text, err)
	}
}

func TestCustomEndpointFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`},
		{"malformed body", http.StatusOK, `not json`},
		{"missing text", http.StatusOK, `{"result":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := customServer(t, tt.status, tt.body)
			r := newRig(t, Config{})
			h, err := r.svc.Start(context.Background(), StartRequest{Stt: customStt(srv.URL)})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			<-r.fake.Captures()[0].AudioDone()
			text, err := h.Stop(context.Background())
			if text != "" || !errors.Is(err, apperr.ErrNetworkFailure) {
				t.Errorf("Stop = %q, %v; want NetworkFailure", text, err)
			}
		})
	}
}

func TestCustomEndpointUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	up := NewCustomEndpoint(url, "k", "whisper-1", "")
	_, err := up.Transcribe(context.Background(), []byte("fLaC"), "flac")
	if apperr.KindOf(err) != apperr.NetworkFailure {
		t.Errorf("err = %v, want NetworkFailure", err)
	}
}

func TestCustomResponseShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		json.NewEncoder(w).Encode(map[string]string{
			"text":     "ok",
			"language": r.FormValue("language"),
		})
	}))
	defer srv.Close()
	up := NewCustomEndpoint(srv.URL, "k", "whisper-1", "de")
	text, err := up.Transcribe(context.Background(), []byte("RIFF"), "wav")
	if err != nil || text != "ok" {
		t.Errorf("got %q, %v", text, err)
	}
}

func TestNetworkMetricsSum(t *testing.T) {
	m := &NetworkMetrics{
		ConnWait:   10 * time.Millisecond,
		DNS:        20 * time.Millisecond,
		TCP:        30 * time.Millisecond,
		TLS:        40 * time.Millisecond,
		ReqHeaders: 5 * time.Millisecond,
		ReqBody:    15 * time.Millisecond,
		TTFB:       50 * time.Millisecond,
		Download:   25 * time.Millisecond,
	}
	if got, want := m.Sum(), 195*time.Millisecond; got != want {
		t.Errorf("Sum() = %v, want %v", got, want)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	h := http.Header{}
	h.Set("X-Rate-Limit", "100")
	if got := firstNonEmpty(h, "X-Missing", "X-Rate-Limit"); got != "100" {
		t.Errorf("got %q, want %q", got, "100")
	}
	if got := firstNonEmpty(h, "X-A", "X-B"); got != "?" {
		t.Errorf("got %q, want %q", got, "?")
	}
}

func phaseSamples(t *testing.T, provider, phase string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "earshot_upload_phase_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["provider"] == provider && labels["phase"] == phase {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func TestTracedClientObservesPhases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		io.WriteString(w, `{"text":"ok"}`)
	}))
	defer srv.Close()

	c := NewTracedClient("phase-test")
	before := phaseSamples(t, "phase-test", "ttfb")
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("audio"))
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"text":"ok"}` {
		t.Errorf("got %d %q", resp.StatusCode, resp.Body)
	}
	if resp.Metrics.TTFB < 5*time.Millisecond || resp.Metrics.Total < resp.Metrics.TTFB {
		t.Errorf("metrics = %+v", resp.Metrics)
	}
	if got := phaseSamples(t, "phase-test", "ttfb"); got != before+1 {
		t.Errorf("ttfb samples = %d, want %d", got, before+1)
	}
	if phaseSamples(t, "phase-test", "tcp") == 0 {
		t.Error("first request should record a tcp connect")
	}
}

func TestTracedClientCapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, maxResponseBytes+1))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := NewTracedClient("cap-test").Do(req); err == nil {
		t.Error("oversized response accepted")
	}
}
