// Package encoder packs captured s16le PCM into an upload container.
package encoder

import (
	"fmt"

	"earshot/audio"
)

const (
	SampleRate    = audio.SampleRate
	Channels      = audio.Channels
	BitsPerSample = audio.BitsPerSample
	BlockSize     = 4096
)

type Encoder interface {
	// Write appends s16le mono PCM. Partial samples are carried over.
	Write(pcm []byte) error
	Close() error
	Bytes() []byte
	Frames() uint64
	Format() string
	ContentType() string
}

func New(format string) (Encoder, error) {
	switch format {
	case "flac", "":
		return NewFlac()
	case "wav":
		return NewWav(), nil
	}
	return nil, fmt.Errorf("unsupported upload format %q", format)
}

// FileName is the multipart file name for a format.
func FileName(format string) string {
	return "audio." + format
}

// sampleReader turns a byte stream into int16 samples, holding a trailing
// odd byte until the next write.
type sampleReader struct {
	carry   []byte
	samples []int16
}

func (r *sampleReader) read(pcm []byte) []int16 {
	if len(r.carry) > 0 {
		pcm = append(r.carry, pcm...)
		r.carry = nil
	}
	r.samples = audio.Samples(r.samples[:0], pcm)
	if len(pcm)%2 == 1 {
		r.carry = []byte{pcm[len(pcm)-1]}
	}
	return r.samples
}
