package transcriber

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"earshot/apperr"
	"earshot/audio"
	"earshot/catalog"
	"earshot/encoder"
	"earshot/log"
	"earshot/metrics"
	"earshot/provider"
	"earshot/settings"
)

type Config struct {
	CloudAPIKey   string
	CloudBaseURL  string
	CloudModel    string
	CustomModel   string
	Language      string
	UploadFormat  string
	UploadTimeout time.Duration
	Retry         RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.CloudModel == "" {
		c.CloudModel = "whisper-1"
	}
	if c.CustomModel == "" {
		c.CustomModel = "whisper-1"
	}
	if c.UploadFormat == "" {
		c.UploadFormat = "flac"
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if c.Retry.Backoff <= 0 {
		c.Retry.Backoff = DefaultRetryPolicy().Backoff
	}
}

type Option func(*Service)

// WithRecognizer supplies the on-device recognizer constructor. Without
// one the native provider is unavailable.
func WithRecognizer(newRecognizer func() (Recognizer, error)) Option {
	return func(s *Service) { s.newRecognizer = newRecognizer }
}

func WithCloudUploader(u Uploader) Option {
	return func(s *Service) { s.cloud = u }
}

func WithCustomUploader(fn func(endpoint, key string) Uploader) Option {
	return func(s *Service) { s.newCustom = fn }
}

func WithPlatform(p provider.Platform) Option {
	return func(s *Service) { s.platform = p }
}

type Service struct {
	cfg   Config
	cat   *catalog.Catalog
	actx  audio.Context
	owner *audio.Owner

	platform      provider.Platform
	newRecognizer func() (Recognizer, error)
	cloud         Uploader
	newCustom     func(endpoint, key string) Uploader

	mu     sync.Mutex
	active *Handle
}

func NewService(cfg Config, cat *catalog.Catalog, actx audio.Context, owner *audio.Owner, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:      cfg,
		cat:      cat,
		actx:     actx,
		owner:    owner,
		platform: provider.CurrentPlatform(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cloud == nil && cfg.CloudAPIKey != "" {
		s.cloud = NewCloud(cfg.CloudAPIKey, cfg.CloudBaseURL, cfg.CloudModel, cfg.Language)
	}
	if s.newCustom == nil {
		s.newCustom = func(endpoint, key string) Uploader {
			return NewCustomEndpoint(endpoint, key, cfg.CustomModel, cfg.Language)
		}
	}
	return s
}

// NativeSupported reports whether the on-device provider can be chosen.
func (s *Service) NativeSupported() bool {
	return provider.IsNativeRecognizerSupported(s.platform, s.newRecognizer != nil)
}

// Resolve runs provider selection for stt, honoring override when set.
func (s *Service) Resolve(stt settings.SttConfig, override provider.Kind) (provider.Kind, error) {
	switch override {
	case provider.Native:
		stt.Provider = settings.ProviderNative
	case provider.Cloud:
		stt.Provider = settings.ProviderCloud
	case provider.Custom:
		stt.Provider = settings.ProviderCustom
	}
	cloudKey := ""
	if s.cloud != nil {
		cloudKey = "configured"
	}
	return provider.Resolve(stt, provider.CapabilitiesFor(stt, s.NativeSupported(), cloudKey))
}

func (s *Service) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type StartRequest struct {
	DeviceID string
	Stt      settings.SttConfig
	Override provider.Kind

	// Callbacks are invoked one at a time, in order.
	OnSegment func(Segment)
	OnInterim func(string)
	OnError   func(error)
}

// Start resolves a provider, takes the microphone (stopping any level
// session holding it) and begins recording.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	onError := req.OnError
	if onError == nil {
		onError = func(error) {}
	}
	fail := func(err error) (*Handle, error) {
		ae := apperr.Classify("start transcription", err)
		log.Failure(ae)
		metrics.Error(ae)
		onError(ae)
		return nil, ae
	}

	kind, err := s.Resolve(req.Stt, req.Override)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ID:        uuid.NewString(),
		Provider:  kind,
		s:         s,
		ctx:       hctx,
		cancelCtx: cancel,
		onSegment: req.OnSegment,
		onInterim: req.OnInterim,
		onError:   onError,
		state:     Recording,
		feedCh:    make(chan []byte, 256),
		feedDone:  make(chan struct{}),
		started:   time.Now(),
	}
	if h.onSegment == nil {
		h.onSegment = func(Segment) {}
	}
	if h.onInterim == nil {
		h.onInterim = func(string) {}
	}

	switch kind {
	case provider.Native:
		rec, err := s.startRecognizer(hctx)
		if err != nil {
			cancel()
			return fail(apperr.Wrap(apperr.ProviderUnavailable, "start recognizer", err))
		}
		h.rec = rec
		h.nativeDone = make(chan struct{})
	case provider.Cloud:
		h.uploader = s.cloud
	case provider.Custom:
		h.uploader = s.newCustom(req.Stt.CustomEndpoint, req.Stt.CustomKey)
	}
	if h.uploader != nil {
		enc, err := encoder.New(s.cfg.UploadFormat)
		if err != nil {
			cancel()
			return fail(err)
		}
		h.enc = enc
		if w, ok := h.uploader.(interface{ Warm(context.Context) }); ok {
			go w.Warm(hctx)
		}
	}

	h.lease = s.owner.Acquire("transcription", h.Cancel)

	dev, err := s.openCapture(req.DeviceID, h.feed)
	if err != nil {
		h.discardBackend()
		h.lease.Release()
		cancel()
		return fail(err)
	}
	h.dev = dev

	s.mu.Lock()
	s.active = h
	s.mu.Unlock()

	go h.runFeed()
	if h.rec != nil {
		go h.superviseNative()
	}

	metrics.SessionStarted("transcription")
	metrics.MicOwned(true)
	log.SessionStart("transcription", h.ID, string(kind), dev.DeviceName())
	return h, nil
}

func (s *Service) startRecognizer(ctx context.Context) (Recognizer, error) {
	rec, err := s.newRecognizer()
	if err != nil {
		return nil, err
	}
	if err := rec.Start(ctx); err != nil {
		rec.Close()
		return nil, err
	}
	return rec, nil
}

// openCapture falls back to the system default when deviceID is gone.
func (s *Service) openCapture(deviceID string, cb audio.DataCallback) (audio.CaptureDevice, error) {
	info, err := s.cat.FindInput(deviceID)
	if apperr.KindOf(err) == apperr.DeviceNotFound {
		log.Warnf("transcription: %v, using the system default", err)
		info, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	dev, err := s.actx.NewCapture(info, audio.DefaultCaptureConfig())
	if err != nil {
		return nil, err
	}
	dev.SetCallback(cb)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, err
	}
	return dev, nil
}

func (s *Service) clearActive(h *Handle) {
	s.mu.Lock()
	if s.active == h {
		s.active = nil
	}
	s.mu.Unlock()
}
