package analyzer

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"earshot/audio"
)

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Spectrum keeps the most recent FFTSize samples of a live stream and
// renders them as byte-valued frequency magnitudes (0–255 per bin), with
// time smoothing between successive Bins calls. One goroutine may Write
// while another calls Bins.
type Spectrum struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft *fourier.FFT

	mu       sync.Mutex
	ring     []float64
	pos      int
	scratch  []int16
	frame    []float64
	coeffs   []complex128
	smoothed []float64
}

type SpectrumOption func(*Spectrum)

func WithFFTSize(n int) SpectrumOption {
	return func(s *Spectrum) {
		if n >= 32 && n&(n-1) == 0 {
			s.size = n
		}
	}
}

func WithSmoothing(tc float64) SpectrumOption {
	return func(s *Spectrum) {
		if tc >= 0 && tc < 1 {
			s.smoothing = tc
		}
	}
}

func WithDecibelRange(minDB, maxDB float64) SpectrumOption {
	return func(s *Spectrum) {
		if minDB < maxDB {
			s.minDB, s.maxDB = minDB, maxDB
		}
	}
}

func NewSpectrum(opts ...SpectrumOption) *Spectrum {
	s := &Spectrum{
		size:      DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDB,
		maxDB:     DefaultMaxDB,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fft = fourier.NewFFT(s.size)
	s.ring = make([]float64, s.size)
	s.frame = make([]float64, s.size)
	s.smoothed = make([]float64, s.size/2)
	return s
}

// BinCount is FFTSize/2.
func (s *Spectrum) BinCount() int { return s.size / 2 }

// Write appends s16le mono PCM.
func (s *Spectrum) Write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scratch = audio.Samples(s.scratch[:0], pcm)
	for _, v := range s.scratch {
		s.ring[s.pos] = float64(v) / 32768
		s.pos = (s.pos + 1) % s.size
	}
}

// Reset clears history, as when the underlying stream is replaced.
func (s *Spectrum) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	clear(s.smoothed)
	s.pos = 0
}

// Bins returns a fresh slice of BinCount byte magnitudes.
func (s *Spectrum) Bins() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.size {
		s.frame[i] = s.ring[(s.pos+i)%s.size]
	}
	window.Blackman(s.frame)
	s.coeffs = s.fft.Coefficients(s.coeffs, s.frame)

	out := make([]byte, s.size/2)
	scale := 255 / (s.maxDB - s.minDB)
	for k := range out {
		mag := cmplxAbs(s.coeffs[k]) / float64(s.size)
		s.smoothed[k] = s.smoothing*s.smoothed[k] + (1-s.smoothing)*mag
		db := math.Inf(-1)
		if s.smoothed[k] > 0 {
			db = 20 * math.Log10(s.smoothed[k])
		}
		v := scale * (db - s.minDB)
		switch {
		case v <= 0 || math.IsNaN(v):
			out[k] = 0
		case v >= 255:
			out[k] = 255
		default:
			out[k] = byte(v)
		}
	}
	return out
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
