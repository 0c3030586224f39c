package main

import "testing"

func feedN(w *voiceWatch, voiced bool, n int) voiceEvent {
	var last voiceEvent
	for range n {
		last = w.Tick(voiced)
	}
	return last
}

func TestVoiceMissingAfter8s(t *testing.T) {
	w := newVoiceWatch(false)
	for i := range 79 {
		if ev := w.Tick(false); ev != voiceNone {
			t.Fatalf("unexpected event at tick %d: %d", i, ev)
		}
	}
	if ev := w.Tick(false); ev != voiceMissing {
		t.Fatalf("expected voiceMissing at tick 80, got %d", ev)
	}
}

func TestVoiceBackClearsWarning(t *testing.T) {
	w := newVoiceWatch(false)
	feedN(w, false, 80)
	for range 80 {
		if w.Tick(true) == voiceBack {
			return
		}
	}
	t.Fatal("expected voiceBack after sustained voice")
}

func TestNoWarningWhileTalking(t *testing.T) {
	w := newVoiceWatch(false)
	for i := range 200 {
		if ev := w.Tick(true); ev == voiceMissing {
			t.Fatalf("unexpected warning during voice at tick %d", i)
		}
	}
}

func TestReminderWithAutoClose(t *testing.T) {
	w := newVoiceWatch(true)
	feedN(w, false, 80)
	for range 100 {
		if w.Tick(false) == voiceReminder {
			return
		}
	}
	t.Fatal("expected a reminder")
}

func TestCloseWinsOverReminder(t *testing.T) {
	w := newVoiceWatch(true)
	for i := range 400 {
		ev := w.Tick(false)
		if ev == voiceGone {
			if i != 299 {
				t.Errorf("closed at tick %d, want 299", i)
			}
			return
		}
		if i >= 299 && ev == voiceReminder {
			t.Fatalf("reminder at tick %d instead of close", i)
		}
	}
	t.Fatal("expected voiceGone within 400 ticks")
}

func TestNoCloseWithoutAutoClose(t *testing.T) {
	w := newVoiceWatch(false)
	for i := range 400 {
		switch w.Tick(false) {
		case voiceGone:
			t.Fatalf("closed at tick %d", i)
		case voiceReminder:
			t.Fatalf("reminder at tick %d", i)
		}
	}
}

func TestCloseHeldOffByVoice(t *testing.T) {
	w := newVoiceWatch(true)
	for i := range 500 {
		if ev := w.Tick(i%10 < 7); ev == voiceGone {
			t.Fatalf("closed with voice present at tick %d", i)
		}
	}
}

func TestWarnsOnce(t *testing.T) {
	w := newVoiceWatch(false)
	warns := 0
	for range 300 {
		if w.Tick(false) == voiceMissing {
			warns++
		}
	}
	if warns != 1 {
		t.Fatalf("expected 1 warning, got %d", warns)
	}
}

func TestWarningSurvivesNoise(t *testing.T) {
	w := newVoiceWatch(false)
	feedN(w, false, 80)
	for i := range 80 {
		if w.Tick(i%10 == 0) == voiceBack {
			t.Fatal("10% voiced ticks cleared the warning")
		}
	}
}
