package beep

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"earshot/log"
)

var disabled atomic.Bool

// Disable silences every Player in the process.
func Disable() { disabled.Store(true) }

const (
	sampleRate = 44100

	// Start cue: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End cue: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error cue: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30

	testFreq   = 440
	testVolume = 0.5
)

// Player plays cues on one output device. An empty DeviceID is the system
// default; Volume is a percentage of full scale.
type Player struct {
	DeviceID string
	Volume   int
}

func (p Player) Start() { p.cue("start", tick(startFreq, 0.05, startVolume, startDecay)) }
func (p Player) End()   { p.cue("end", tick(endFreq, 0.08, endVolume, endDecay)) }
func (p Player) Error() { p.cue("error", doubleBeep(errorFreq, 0.08, 0.05, errorVolume, errorDecay)) }

func (p Player) cue(name string, samples []int16) {
	if disabled.Load() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := play(ctx, p.DeviceID, scale(samples, p.Volume)); err != nil {
			log.Warnf("beep %s: %v", name, err)
		}
	}()
}

// Test plays a one second tone and returns when it has drained.
func (p Player) Test(ctx context.Context) error {
	if disabled.Load() {
		return nil
	}
	return play(ctx, p.DeviceID, scale(tone(testFreq, 1.0, testVolume), p.Volume))
}

func tone(freq, duration, volume float64) []int16 {
	return tick(freq, duration, volume, 0)
}

func tick(freq, duration, volume, decay float64) []int16 {
	n := int(math.Round(sampleRate * duration))
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

func doubleBeep(freq, beepDur, gapDur, volume, decay float64) []int16 {
	b := tick(freq, beepDur, volume, decay)
	gap := make([]int16, int(math.Round(sampleRate*gapDur)))
	out := make([]int16, 0, len(b)*2+len(gap))
	out = append(out, b...)
	out = append(out, gap...)
	return append(out, b...)
}

// scale applies an output volume percentage, clamped to 0..100.
func scale(samples []int16, pct int) []int16 {
	pct = min(max(pct, 0), 100)
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(int(s) * pct / 100)
	}
	return out
}
