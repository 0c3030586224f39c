package main

import "time"

// The mic test watches the processed level for stretches without voice.
// A tick counts as voiced when any reading in it cleared the noise gate.
const (
	voiceTick        = 100 * time.Millisecond
	voiceWarnAfter   = 8 * time.Second
	voiceCloseAfter  = 30 * time.Second
	voicedMinRatio   = 0.10
	voicedClearRatio = 0.25 // hysteresis
)

type voiceEvent int

const (
	voiceNone     voiceEvent = iota
	voiceMissing             // no voice for voiceWarnAfter
	voiceBack                // voice resumed after a warning
	voiceReminder            // still silent, repeated every voiceWarnAfter
	voiceGone                // silent for voiceCloseAfter; only with autoClose
)

type voiceWatch struct {
	warnAt    int
	windowSz  int
	autoClose bool

	ticks      int
	window     []bool
	voiced     int
	warned     bool
	lastRemind int
}

func newVoiceWatch(autoClose bool) *voiceWatch {
	windowSz := int(voiceCloseAfter / voiceTick)
	return &voiceWatch{
		warnAt:    int(voiceWarnAfter / voiceTick),
		windowSz:  windowSz,
		autoClose: autoClose,
		window:    make([]bool, windowSz),
	}
}

// ratio is the voiced share of the last n ticks.
func (w *voiceWatch) ratio(n int) float64 {
	n = min(n, w.ticks)
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := range n {
		if w.window[(w.ticks-1-i+w.windowSz)%w.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (w *voiceWatch) Tick(voiced bool) voiceEvent {
	idx := w.ticks % w.windowSz
	if w.ticks >= w.windowSz && w.window[idx] {
		w.voiced--
	}
	w.window[idx] = voiced
	if voiced {
		w.voiced++
	}
	w.ticks++

	r := w.ratio(w.warnAt)
	if w.ticks >= w.warnAt && r < voicedMinRatio && !w.warned {
		w.warned = true
		w.lastRemind = w.ticks
		return voiceMissing
	}
	if w.warned && r >= voicedClearRatio {
		w.warned = false
		return voiceBack
	}
	if !w.autoClose {
		return voiceNone
	}

	// closing wins over a reminder due on the same tick
	if w.ticks >= w.windowSz && float64(w.voiced)/float64(w.windowSz) < voicedMinRatio {
		return voiceGone
	}
	if w.warned && w.ticks-w.lastRemind >= w.warnAt {
		w.lastRemind = w.ticks
		return voiceReminder
	}
	return voiceNone
}
