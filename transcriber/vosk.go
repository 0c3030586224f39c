//go:build vosk

package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"

	"earshot/audio"
)

const nativeCompiled = true

// NewVoskFactory loads the model once and returns a constructor for
// per-session recognizers.
func NewVoskFactory(modelPath string) (func() (Recognizer, error), error) {
	if modelPath == "" {
		return nil, fmt.Errorf("no vosk model configured")
	}
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model %s: %w", modelPath, err)
	}
	return func() (Recognizer, error) {
		return &voskRecognizer{model: model, events: make(chan Event, 32)}, nil
	}, nil
}

type voskRecognizer struct {
	model *vosk.VoskModel

	mu          sync.Mutex
	rec         *vosk.VoskRecognizer
	events      chan Event
	lastPartial string
	closed      bool
}

func (v *voskRecognizer) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := vosk.NewRecognizer(v.model, float64(audio.SampleRate))
	if err != nil {
		return fmt.Errorf("create vosk recognizer: %w", err)
	}
	v.mu.Lock()
	v.rec = rec
	v.mu.Unlock()
	return nil
}

func (v *voskRecognizer) Feed(pcm []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || v.rec == nil {
		return
	}
	if v.rec.AcceptWaveform(pcm) != 0 {
		if text := voskText(v.rec.Result(), "text"); text != "" {
			v.emit(Event{Text: text, Final: true})
		}
		v.lastPartial = ""
		return
	}
	if p := voskText(v.rec.PartialResult(), "partial"); p != v.lastPartial {
		v.lastPartial = p
		v.emit(Event{Text: p})
	}
}

// emit drops interim events when the consumer lags; finals always block.
func (v *voskRecognizer) emit(ev Event) {
	if ev.Final {
		v.events <- ev
		return
	}
	select {
	case v.events <- ev:
	default:
	}
}

func (v *voskRecognizer) Events() <-chan Event { return v.events }

func (v *voskRecognizer) Stop() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return "", nil
	}
	var tail string
	if v.rec != nil {
		tail = voskText(v.rec.FinalResult(), "text")
	}
	v.shutdown()
	return tail, nil
}

func (v *voskRecognizer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.shutdown()
	}
}

func (v *voskRecognizer) shutdown() {
	v.closed = true
	if v.rec != nil {
		v.rec.Free()
		v.rec = nil
	}
	close(v.events)
}

func voskText(raw, key string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
