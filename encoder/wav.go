package encoder

import (
	"errors"
	"fmt"
	"io"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type WavEncoder struct {
	mu     sync.Mutex
	file   memFile
	enc    *wav.Encoder
	reader sampleReader
	buf    goaudio.IntBuffer
	frames uint64
	closed bool
}

func NewWav() *WavEncoder {
	e := &WavEncoder{}
	e.enc = wav.NewEncoder(&e.file, SampleRate, BitsPerSample, Channels, 1)
	e.buf = goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: Channels, SampleRate: SampleRate},
		SourceBitDepth: BitsPerSample,
	}
	return e
}

func (e *WavEncoder) Format() string      { return "wav" }
func (e *WavEncoder) ContentType() string { return "audio/wav" }

func (e *WavEncoder) Write(pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("wav encoder closed")
	}
	samples := e.reader.read(pcm)
	if len(samples) == 0 {
		return nil
	}
	e.buf.Data = e.buf.Data[:0]
	for _, s := range samples {
		e.buf.Data = append(e.buf.Data, int(s))
	}
	if err := e.enc.Write(&e.buf); err != nil {
		return fmt.Errorf("writing wav samples: %w", err)
	}
	e.frames += uint64(len(samples))
	return nil
}

// Close finalizes the RIFF header sizes. Idempotent.
func (e *WavEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.enc.Close(); err != nil {
		return fmt.Errorf("closing wav encoder: %w", err)
	}
	return nil
}

func (e *WavEncoder) Bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.data
}

func (e *WavEncoder) Frames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// memFile is the in-memory io.WriteSeeker the wav encoder needs to patch
// its header on Close.
type memFile struct {
	data []byte
	pos  int64
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[m.pos:end], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.pos + offset
	case io.SeekEnd:
		abs = int64(len(m.data)) + offset
	default:
		return 0, errors.New("memfile: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("memfile: negative position")
	}
	m.pos = abs
	return abs, nil
}
