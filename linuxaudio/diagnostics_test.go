package linuxaudio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"earshot/apperr"
)

// fakeChannel simulates a machine: remediations mutate the state that
// the checks report.
type fakeChannel struct {
	mu       sync.Mutex
	inGroup  bool
	server   string
	startsTo string

	groupErr error
	startErr error
	checkErr error
	block    chan struct{}

	adds   atomic.Int32
	starts atomic.Int32
}

func (f *fakeChannel) CheckAudioGroupMembership(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inGroup, f.checkErr
}

func (f *fakeChannel) CheckAudioServer(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.server, nil
}

func (f *fakeChannel) AddUserToAudioGroup(context.Context) (string, error) {
	f.adds.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupErr != nil {
		return "", f.groupErr
	}
	f.inGroup = true
	return "added to audio", nil
}

func (f *fakeChannel) StartAudioServices(context.Context) (string, error) {
	f.starts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.server = f.startsTo
	return "started " + f.startsTo, nil
}

func newLinux(ch CommandChannel) *Diagnostics {
	return New(ch, WithGOOS("linux"))
}

func TestCheckStatus(t *testing.T) {
	d := newLinux(&fakeChannel{server: "pulseaudio"})
	st, err := d.CheckStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Status{IsLinux: true, InAudioGroup: false, Server: ServerPulseAudio}
	if st != want || !st.NeedsSetup() {
		t.Errorf("status = %+v", st)
	}

	d = newLinux(&fakeChannel{server: "jackd"})
	st, _ = d.CheckStatus(context.Background())
	if st.Server != ServerUnknown {
		t.Errorf("server = %s", st.Server)
	}
}

func TestCheckStatusError(t *testing.T) {
	d := newLinux(&fakeChannel{checkErr: errors.New("id: permission denied")})
	_, err := d.CheckStatus(context.Background())
	if apperr.KindOf(err) != apperr.PermissionDenied {
		t.Errorf("err = %v", err)
	}
}

func TestNonLinuxIsNoop(t *testing.T) {
	ch := &fakeChannel{server: "none"}
	d := New(ch, WithGOOS("darwin"))
	st, err := d.CheckStatus(context.Background())
	if err != nil || st.IsLinux || st.NeedsSetup() {
		t.Errorf("status = %+v, %v", st, err)
	}
	res, err := d.TryAutoFix(context.Background())
	if err != nil || res.Changed {
		t.Errorf("autofix = %+v, %v", res, err)
	}
	if _, err := d.AddUserToAudioGroup(context.Background()); err != nil {
		t.Error(err)
	}
	if ch.adds.Load() != 0 || ch.starts.Load() != 0 {
		t.Error("remediation ran off linux")
	}
}

func TestAddUserIdempotent(t *testing.T) {
	ch := &fakeChannel{server: "pulseaudio", inGroup: true}
	d := newLinux(ch)
	res, err := d.AddUserToAudioGroup(context.Background())
	if err != nil || res.Changed || res.Message == "" {
		t.Errorf("res = %+v, %v", res, err)
	}
	if ch.adds.Load() != 0 {
		t.Error("usermod ran for an existing member")
	}
}

func TestAddUserFailureCarriesStatus(t *testing.T) {
	ch := &fakeChannel{server: "pulseaudio", groupErr: errors.New("pkexec: dismissed")}
	d := newLinux(ch)
	_, err := d.AddUserToAudioGroup(context.Background())
	if !errors.Is(err, apperr.ErrPlatformSetupRequired) {
		t.Fatalf("err = %v", err)
	}
	var fe *FixError
	if !errors.As(err, &fe) {
		t.Fatal("not a FixError")
	}
	if fe.Before.Server != ServerPulseAudio || fe.After.InAudioGroup {
		t.Errorf("before=%+v after=%+v", fe.Before, fe.After)
	}
}

func TestAutoFixNoActionNeeded(t *testing.T) {
	ch := &fakeChannel{server: "pipewire"}
	res, err := newLinux(ch).TryAutoFix(context.Background())
	if err != nil || res.Changed || len(res.Steps) != 0 {
		t.Errorf("res = %+v, %v", res, err)
	}
	if ch.adds.Load()+ch.starts.Load() != 0 {
		t.Error("ran remediation on a healthy system")
	}
}

func TestAutoFixStartsPipeWire(t *testing.T) {
	ch := &fakeChannel{server: "none", startsTo: "pipewire"}
	res, err := newLinux(ch).TryAutoFix(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.After.Server != ServerPipeWire || len(res.Steps) != 1 {
		t.Errorf("res = %+v", res)
	}
	if ch.adds.Load() != 0 {
		t.Error("group change not needed under pipewire")
	}
}

func TestAutoFixPulseAudioBothSteps(t *testing.T) {
	ch := &fakeChannel{server: "none", startsTo: "pulseaudio"}
	res, err := newLinux(ch).TryAutoFix(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Steps) != 2 || res.Message != "started pulseaudio; added to audio" {
		t.Errorf("steps = %q message = %q", res.Steps, res.Message)
	}
	if res.Before.Server != ServerNone || res.After.NeedsSetup() {
		t.Errorf("before=%+v after=%+v", res.Before, res.After)
	}
}

func TestAutoFixStartFailure(t *testing.T) {
	ch := &fakeChannel{server: "none", startErr: errors.New("systemctl: unit not found")}
	res, err := newLinux(ch).TryAutoFix(context.Background())
	var fe *FixError
	if !errors.As(err, &fe) || apperr.KindOf(err) != apperr.PlatformSetupRequired {
		t.Fatalf("err = %v", err)
	}
	if res.Changed || fe.Before.Server != ServerNone {
		t.Errorf("res = %+v", res)
	}
	if ch.adds.Load() != 0 {
		t.Error("continued after a failed step")
	}
}

func TestAutoFixStillBroken(t *testing.T) {
	ch := &fakeChannel{server: "none", startsTo: "jack"}
	_, err := newLinux(ch).TryAutoFix(context.Background())
	if !errors.Is(err, apperr.ErrPlatformSetupRequired) {
		t.Errorf("err = %v", err)
	}
}

func TestConcurrentCallsShareOneRun(t *testing.T) {
	ch := &fakeChannel{server: "pulseaudio", block: make(chan struct{})}
	d := newLinux(ch)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = d.AddUserToAudioGroup(context.Background())
		}()
	}
	deadline := time.Now().Add(time.Second)
	for ch.adds.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(ch.block)
	wg.Wait()

	if n := ch.adds.Load(); n != 1 {
		t.Errorf("usermod ran %d times", n)
	}
	for _, r := range results {
		if !r.After.InAudioGroup {
			t.Errorf("result = %+v", r)
		}
	}
}

func TestDispose(t *testing.T) {
	d := newLinux(&fakeChannel{server: "pipewire"})
	d.Dispose()
	if _, err := d.CheckStatus(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Errorf("err = %v", err)
	}
	d.Init()
	if _, err := d.CheckStatus(context.Background()); err != nil {
		t.Error(err)
	}
}
