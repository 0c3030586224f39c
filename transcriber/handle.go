package transcriber

import (
	"context"
	"strings"
	"sync"
	"time"

	"earshot/apperr"
	"earshot/audio"
	"earshot/encoder"
	"earshot/log"
	"earshot/metrics"
	"earshot/provider"
)

// Handle is one transcription session: Recording until Stop or Cancel,
// then Finalizing (native flush or upload), then Done or Cancelled.
type Handle struct {
	ID       string
	Provider provider.Kind

	s         *Service
	ctx       context.Context
	cancelCtx context.CancelFunc
	onSegment func(Segment)
	onInterim func(string)
	onError   func(error)
	started   time.Time

	dev   audio.CaptureDevice
	lease *audio.Lease

	// native
	nativeDone chan struct{}

	// cloud and custom
	enc      encoder.Encoder
	uploader Uploader

	feedMu     sync.Mutex
	feedCh     chan []byte
	feedClosed bool
	feedDone   chan struct{}

	mu         sync.Mutex
	state      State
	rec        Recognizer
	interim    string
	segments   []Segment
	finished   chan struct{}
	resultText string
	resultErr  error

	captureOnce sync.Once
	releaseOnce sync.Once
	finishOnce  sync.Once
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Interim is the latest partial hypothesis; native sessions only.
func (h *Handle) Interim() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interim
}

func (h *Handle) Segments() []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Segment(nil), h.segments...)
}

// Stop ends recording and returns the final text. Cloud and custom
// sessions upload here, bounded by ctx and the configured upload timeout.
// Calling Stop again returns the same result.
func (h *Handle) Stop(ctx context.Context) (string, error) {
	h.mu.Lock()
	if h.finished == nil {
		h.finished = make(chan struct{})
	}
	switch h.state {
	case Cancelled:
		h.mu.Unlock()
		return "", ErrCancelled
	case Finalizing, Done:
		done := h.finished
		h.mu.Unlock()
		<-done
		return h.result()
	}
	h.state = Finalizing
	h.mu.Unlock()

	var text string
	var err error
	if h.rec != nil {
		text, err = h.finalizeNative()
	} else {
		text, err = h.finalizeUpload(ctx)
	}

	h.mu.Lock()
	if h.state == Cancelled {
		text, err = "", ErrCancelled
	} else {
		h.state = Done
	}
	h.mu.Unlock()

	if err != nil && err != ErrCancelled {
		log.Failure(err)
		metrics.Error(err)
	}
	if err == nil && text != "" {
		log.TranscriptionText(text)
	}
	h.finish(text, err)
	return text, err
}

// Cancel discards the session. A Stop in progress or issued later
// returns ErrCancelled. Idempotent.
func (h *Handle) Cancel() {
	h.mu.Lock()
	prev := h.state
	if prev == Done || prev == Cancelled {
		h.mu.Unlock()
		return
	}
	h.state = Cancelled
	h.interim = ""
	h.segments = nil
	h.mu.Unlock()

	h.cancelCtx()
	if prev != Recording {
		// the Finalizing path tears down and finishes on its own
		return
	}
	h.stopCapture()
	h.discardBackend()
	if h.nativeDone != nil {
		<-h.nativeDone
	}
	h.release("cancelled")
	h.finish("", ErrCancelled)
}

func (h *Handle) result() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resultText, h.resultErr
}

func (h *Handle) finish(text string, err error) {
	h.finishOnce.Do(func() {
		h.mu.Lock()
		if h.finished == nil {
			h.finished = make(chan struct{})
		}
		h.resultText, h.resultErr = text, err
		close(h.finished)
		h.mu.Unlock()
	})
}

func (h *Handle) feed(data []byte, _ uint32) {
	pcm := make([]byte, len(data))
	copy(pcm, data)
	h.feedMu.Lock()
	defer h.feedMu.Unlock()
	if !h.feedClosed {
		h.feedCh <- pcm
	}
}

func (h *Handle) runFeed() {
	defer close(h.feedDone)
	var encErr error
	for pcm := range h.feedCh {
		if h.enc != nil {
			if encErr == nil {
				if encErr = h.enc.Write(pcm); encErr != nil {
					log.Errorf("encode audio: %v", encErr)
				}
			}
			continue
		}
		if rec := h.recognizer(); rec != nil {
			rec.Feed(pcm)
		}
	}
}

// stopCapture stops the stream and drains queued audio. Runs once.
func (h *Handle) stopCapture() {
	h.captureOnce.Do(func() {
		if h.dev != nil {
			h.dev.ClearCallback()
			h.dev.Stop()
			h.dev.Close()
		}
		h.feedMu.Lock()
		h.feedClosed = true
		close(h.feedCh)
		h.feedMu.Unlock()
		<-h.feedDone
	})
}

func (h *Handle) discardBackend() {
	if rec := h.recognizer(); rec != nil {
		rec.Close()
	}
}

func (h *Handle) release(reason string) {
	h.releaseOnce.Do(func() {
		h.lease.Release()
		h.s.clearActive(h)
		metrics.MicOwned(false)
		log.SessionEnd("transcription", h.ID, reason, time.Since(h.started))
	})
}

func (h *Handle) recognizer() Recognizer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

func (h *Handle) joined() string {
	parts := make([]string, 0, len(h.segments))
	for _, s := range h.segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

func (h *Handle) finalizeNative() (string, error) {
	h.stopCapture()

	rec := h.recognizer()
	tail, err := rec.Stop()
	<-h.nativeDone
	rec.Close()

	if tail = strings.TrimSpace(tail); tail != "" {
		h.deliver(Event{Text: tail, Final: true})
	}
	h.release("stopped")

	h.mu.Lock()
	text := h.joined()
	h.interim = ""
	h.mu.Unlock()
	if err != nil {
		return text, apperr.Classify("stop recognizer", err)
	}
	return text, nil
}

func (h *Handle) finalizeUpload(ctx context.Context) (string, error) {
	h.stopCapture()
	defer h.release("stopped")

	if err := h.enc.Close(); err != nil {
		return "", apperr.Wrap(apperr.Unknown, "encode audio", err)
	}

	upCtx, cancel := context.WithTimeout(ctx, h.s.cfg.UploadTimeout)
	defer cancel()
	unlink := context.AfterFunc(h.ctx, cancel)
	defer unlink()

	start := time.Now()
	text, err := h.uploader.Transcribe(upCtx, h.enc.Bytes(), h.enc.Format())
	metrics.ObserveUpload(h.uploader.Name(), time.Since(start))

	if h.ctx.Err() != nil {
		return "", ErrCancelled
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.Unknown {
			err = apperr.Wrap(apperr.NetworkFailure, "upload audio", err)
		}
		return "", err
	}
	if text != "" {
		h.deliver(Event{Text: text, Final: true})
	}
	return text, nil
}

func (h *Handle) deliver(ev Event) {
	text := strings.TrimSpace(ev.Text)
	h.mu.Lock()
	if h.state == Cancelled || h.state == Done {
		h.mu.Unlock()
		return
	}
	if !ev.Final {
		h.interim = text
		h.mu.Unlock()
		h.onInterim(text)
		return
	}
	h.interim = ""
	if text == "" {
		h.mu.Unlock()
		return
	}
	seg := Segment{Text: text, IsFinal: true}
	h.segments = append(h.segments, seg)
	h.mu.Unlock()
	h.onSegment(seg)
}

func (h *Handle) ending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state != Recording
}

// superviseNative forwards recognizer events and restarts a recognizer
// that dies mid-session, within the retry policy.
func (h *Handle) superviseNative() {
	defer close(h.nativeDone)

	policy := h.s.cfg.Retry
	backoff := policy.Backoff
	attempts := 0
	rec := h.recognizer()

	for {
		err := h.drain(rec)
		if h.ending() {
			return
		}
		if err == nil {
			err = errRecognizer
		}
		log.Warnf("transcription %s: recognizer ended: %v", h.ID, err)
		rec.Close()

		for {
			attempts++
			if attempts > policy.MaxAttempts {
				h.fail(err)
				return
			}
			select {
			case <-h.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2

			next, serr := h.s.startRecognizer(h.ctx)
			if serr != nil {
				err = serr
				continue
			}
			h.mu.Lock()
			if h.state != Recording {
				h.mu.Unlock()
				next.Close()
				return
			}
			h.rec = next
			h.mu.Unlock()
			rec = next
			log.Infof("transcription %s: recognizer restarted (attempt %d)", h.ID, attempts)
			break
		}
	}
}

func (h *Handle) drain(rec Recognizer) error {
	for ev := range rec.Events() {
		if ev.Err != nil {
			return ev.Err
		}
		h.deliver(ev)
	}
	return nil
}

func (h *Handle) fail(err error) {
	ae := apperr.Classify("native transcription", err)

	h.mu.Lock()
	if h.state != Recording {
		h.mu.Unlock()
		return
	}
	h.state = Done
	text := h.joined()
	h.interim = ""
	h.mu.Unlock()

	h.cancelCtx()
	h.stopCapture()
	h.discardBackend()
	h.release("failed")
	log.Failure(ae)
	metrics.Error(ae)
	h.onError(ae)
	h.finish(text, ae)
}
