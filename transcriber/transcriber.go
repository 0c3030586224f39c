// Package transcriber turns microphone audio into text through one of
// three backends: an on-device recognizer that streams partial results,
// or a cloud/custom HTTP endpoint that receives the whole recording on
// stop.
package transcriber

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	ErrCancelled  = errors.New("transcription cancelled")
	ErrNotActive  = errors.New("transcription session not active")
	errRecognizer = errors.New("recognizer ended unexpectedly")
)

type State int

const (
	Idle State = iota
	Recording
	Finalizing
	Done
	Cancelled
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	}
	return "idle"
}

type Segment struct {
	Text    string
	IsFinal bool
}

// Event is one recognizer result. An Event with Err set reports that the
// recognizer died; its channel is closed right after.
type Event struct {
	Text  string
	Final bool
	Err   error
}

// Recognizer is an on-device streaming speech recognizer. Feed after
// Stop or Close must be a no-op.
type Recognizer interface {
	Start(ctx context.Context) error
	Feed(pcm []byte)
	Events() <-chan Event
	// Stop flushes pending audio and returns any final text not yet
	// delivered as an Event. The Events channel is closed afterwards.
	Stop() (tail string, err error)
	Close()
}

// Uploader transcribes a complete recording in one request.
type Uploader interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// RetryPolicy bounds native recognizer restarts. Backoff doubles after
// each attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 200 * time.Millisecond}
}

type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}
