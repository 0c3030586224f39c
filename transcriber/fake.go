package transcriber

import (
	"context"
	"sync"
	"time"
)

// FakeRecognizer is a scripted Recognizer. Tests push results with Emit
// and kill it with Die.
type FakeRecognizer struct {
	StartErr error
	Tail     string
	StopErr  error

	mu     sync.Mutex
	events chan Event
	fed    int
	closed bool
	closes int
}

func NewFakeRecognizer() *FakeRecognizer {
	return &FakeRecognizer{events: make(chan Event, 64)}
}

func (f *FakeRecognizer) Start(ctx context.Context) error {
	if f.StartErr != nil {
		return f.StartErr
	}
	return ctx.Err()
}

func (f *FakeRecognizer) Feed(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.fed += len(pcm)
	}
}

func (f *FakeRecognizer) Events() <-chan Event { return f.events }

// Emit queues ev, reporting false once the recognizer is closed.
func (f *FakeRecognizer) Emit(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events <- ev
	return true
}

// Die reports err and ends the event stream, like a crashed engine.
func (f *FakeRecognizer) Die(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- Event{Err: err}
	f.closed = true
	close(f.events)
}

func (f *FakeRecognizer) Stop() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", nil
	}
	f.closed = true
	close(f.events)
	return f.Tail, f.StopErr
}

func (f *FakeRecognizer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *FakeRecognizer) Fed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fed
}

func (f *FakeRecognizer) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// FakeUploader returns a canned transcript, optionally after Delay.
type FakeUploader struct {
	Text  string
	Err   error
	Delay time.Duration

	mu      sync.Mutex
	calls   int
	format  string
	size    int
	started chan struct{}
}

func NewFakeUploader(text string, err error) *FakeUploader {
	return &FakeUploader{Text: text, Err: err, started: make(chan struct{}, 1)}
}

func (f *FakeUploader) Name() string { return "fake" }

func (f *FakeUploader) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.format = format
	f.size = len(audio)
	f.mu.Unlock()
	select {
	case f.started <- struct{}{}:
	default:
	}

	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	return f.Text, f.Err
}

// Started fires when Transcribe is entered.
func (f *FakeUploader) Started() <-chan struct{} { return f.started }

func (f *FakeUploader) Calls() (n int, format string, size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.format, f.size
}
