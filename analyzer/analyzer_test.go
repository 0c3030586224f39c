package analyzer

import (
	"math"
	"testing"
	"time"

	"earshot/audio"
)

// binsForRaw builds a bin buffer whose mean is rawPct percent of 255.
func binsForRaw(rawPct float64) []byte {
	bins := make([]byte, 255)
	lit := int(math.Round(rawPct / 100 * 255))
	for i := range lit {
		bins[i] = 255
	}
	return bins
}

func TestSensitivityMultiplier(t *testing.T) {
	for _, tt := range []struct {
		name string
		p    Params
		want float64
	}{
		{"auto ignores manual", Params{AutoSensitivity: true, ManualSensitivityPct: 100}, 3.0},
		{"auto with zero manual", Params{AutoSensitivity: true}, 3.0},
		{"manual 50", Params{ManualSensitivityPct: 50}, 2.0},
		{"manual 25", Params{ManualSensitivityPct: 25}, 1.0},
		{"manual floor", Params{ManualSensitivityPct: 0}, 0.1},
		{"manual 100", Params{ManualSensitivityPct: 100}, 4.0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := SensitivityMultiplier(tt.p); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcessLevelExamples(t *testing.T) {
	// 50% raw at 80% volume with auto gain is 120, clamped.
	if got := ProcessLevel(50, Params{InputVolumePct: 80, AutoSensitivity: true}); got != 100 {
		t.Errorf("clamped level = %v, want 100", got)
	}
	// 1% raw at unity gain falls under the noise gate.
	if got := ProcessLevel(1, Params{InputVolumePct: 100, ManualSensitivityPct: 25}); got != 0 {
		t.Errorf("gated level = %v, want 0", got)
	}
	if got := ProcessLevel(10, Params{InputVolumePct: 100, ManualSensitivityPct: 25}); got != 10 {
		t.Errorf("unity level = %v, want 10", got)
	}
}

func TestAnalyzeLevelFromBins(t *testing.T) {
	r := Analyze(binsForRaw(50), Params{InputVolumePct: 80, AutoSensitivity: true})
	if r.Level != 100 {
		t.Errorf("Level = %v, want 100", r.Level)
	}
	r = Analyze(make([]byte, 128), Params{InputVolumePct: 100, AutoSensitivity: true})
	if r.Level != 0 {
		t.Errorf("silent Level = %v, want 0", r.Level)
	}
	if len(r.Waveform) != WaveformPoints {
		t.Errorf("waveform len = %d, want %d", len(r.Waveform), WaveformPoints)
	}
}

func TestLevelBoundsAndMonotonic(t *testing.T) {
	for _, auto := range []bool{true, false} {
		for sens := 0.0; sens <= 100; sens += 5 {
			for raw := 0.5; raw <= 100; raw += 3.5 {
				prev := -1.0
				for vol := 0.0; vol <= 100; vol += 2.5 {
					p := Params{InputVolumePct: vol, AutoSensitivity: auto, ManualSensitivityPct: sens}
					got := ProcessLevel(raw, p)
					if got < 0 || got > 100 {
						t.Fatalf("level %v out of range for raw=%v %+v", got, raw, p)
					}
					if got < prev {
						t.Fatalf("level decreased from %v to %v at raw=%v %+v", prev, got, raw, p)
					}
					prev = got
				}
			}
		}
	}
}

func TestWaveformSignAndRange(t *testing.T) {
	bins := make([]byte, 80)
	for i := range bins {
		if i%4 < 2 {
			bins[i] = 255
		}
	}
	r := Analyze(bins, Params{InputVolumePct: 100, AutoSensitivity: true})
	for i, v := range r.Waveform {
		if v < -1 || v > 1 {
			t.Fatalf("point %d = %v out of [-1,1]", i, v)
		}
		src := bins[i*len(bins)/WaveformPoints]
		if src == 255 && v <= 0 {
			t.Errorf("point %d should be positive, got %v", i, v)
		}
		if src == 0 && v >= 0 {
			t.Errorf("point %d should be negative, got %v", i, v)
		}
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	bins := []byte{10, 200, 33, 90, 140, 7, 255, 0}
	p := Params{InputVolumePct: 70, ManualSensitivityPct: 40}
	a, b := Analyze(bins, p), Analyze(bins, p)
	if a.Level != b.Level {
		t.Fatal("level not deterministic")
	}
	for i := range a.Waveform {
		if a.Waveform[i] != b.Waveform[i] {
			t.Fatal("waveform not deterministic")
		}
	}
}

func TestAnalyzerOverrides(t *testing.T) {
	a := Analyzer{AutoMultiplier: 1, Gate: 20, Points: 8}
	r := a.Analyze(binsForRaw(10), Params{InputVolumePct: 100, AutoSensitivity: true})
	if r.Level != 0 {
		t.Errorf("Level = %v, want gated to 0", r.Level)
	}
	if len(r.Waveform) != 8 {
		t.Errorf("waveform len = %d, want 8", len(r.Waveform))
	}
}

func TestSpectrumTone(t *testing.T) {
	s := NewSpectrum()
	silent := s.Bins()
	for i, b := range silent {
		if b != 0 {
			t.Fatalf("silent bin %d = %d", i, b)
		}
	}

	tone := audio.Tone(1000, 0.01, 100*time.Millisecond)
	var bins []byte
	for range 10 {
		s.Write(tone)
		bins = s.Bins()
	}
	if len(bins) != s.BinCount() {
		t.Fatalf("len = %d, want %d", len(bins), s.BinCount())
	}
	// 1 kHz at 16 kHz / 256 points lands in bin 16
	peak := 0
	for i := range bins {
		if bins[i] > bins[peak] {
			peak = i
		}
	}
	if peak < 15 || peak > 17 {
		t.Errorf("peak bin = %d, want ~16", peak)
	}

	s.Reset()
	for i, b := range s.Bins() {
		if b != 0 {
			t.Fatalf("bin %d = %d after reset", i, b)
		}
	}
}
