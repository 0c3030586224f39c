// Package analyzer turns frequency-magnitude bins into the normalized
// level and waveform shown while the microphone is live.
//
// Analyze is a pure function of its inputs: no clocks, no state, no
// randomness. Spectrum is the stateful half that produces the bins.
package analyzer

import "math"

const (
	// AutoSensitivityMultiplier is the gain used when sensitivity is automatic.
	AutoSensitivityMultiplier = 3.0
	// NoiseGate is the processed level (percent) below which output is zero.
	NoiseGate = 3.0
	// MinManualMultiplier floors the manual sensitivity gain.
	MinManualMultiplier = 0.1
	// WaveformPoints is the number of waveform samples per reading.
	WaveformPoints = 40

	manualDivisor = 25.0
)

// Params are the user-controlled knobs. Percentages are nominally 0–100.
type Params struct {
	InputVolumePct       float64
	AutoSensitivity      bool
	ManualSensitivityPct float64
}

// Reading is one analysed frame: a display level and a waveform of
// Points samples.
type Reading struct {
	Level    float64   // 0–100
	Waveform []float64 // each point in [-1, 1]
}

// Analyzer holds overrides for the tuning constants. The zero value uses
// the package defaults.
type Analyzer struct {
	AutoMultiplier float64
	Gate           float64
	Points         int
}

var defaultAnalyzer Analyzer

func Analyze(bins []byte, p Params) Reading {
	return defaultAnalyzer.Analyze(bins, p)
}

func SensitivityMultiplier(p Params) float64 {
	return defaultAnalyzer.SensitivityMultiplier(p)
}

func ProcessLevel(rawPct float64, p Params) float64 {
	return defaultAnalyzer.ProcessLevel(rawPct, p)
}

func (a Analyzer) autoMultiplier() float64 {
	if a.AutoMultiplier > 0 {
		return a.AutoMultiplier
	}
	return AutoSensitivityMultiplier
}

func (a Analyzer) gate() float64 {
	if a.Gate > 0 {
		return a.Gate
	}
	return NoiseGate
}

func (a Analyzer) points() int {
	if a.Points > 0 {
		return a.Points
	}
	return WaveformPoints
}

func (a Analyzer) SensitivityMultiplier(p Params) float64 {
	if p.AutoSensitivity {
		return a.autoMultiplier()
	}
	return math.Max(MinManualMultiplier, p.ManualSensitivityPct/manualDivisor)
}

// ProcessLevel applies volume and sensitivity gain, the noise gate, and
// clamps to [0, 100].
func (a Analyzer) ProcessLevel(rawPct float64, p Params) float64 {
	level := rawPct * (p.InputVolumePct / 100) * a.SensitivityMultiplier(p)
	if level < a.gate() {
		return 0
	}
	return math.Min(level, 100)
}

func (a Analyzer) Analyze(bins []byte, p Params) Reading {
	n := a.points()
	r := Reading{Waveform: make([]float64, n)}
	if len(bins) == 0 {
		return r
	}

	var sum float64
	for _, b := range bins {
		sum += float64(b)
	}
	rawPct := sum / float64(len(bins)) / 255 * 100
	r.Level = a.ProcessLevel(rawPct, p)

	for i := range n {
		v := float64(bins[i*len(bins)/n])/255 - 0.5
		amp := a.ProcessLevel(math.Abs(v)*100, p) / 100
		switch {
		case v < 0:
			r.Waveform[i] = -amp
		case v > 0:
			r.Waveform[i] = amp
		}
	}
	return r
}
