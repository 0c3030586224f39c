package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

// FakeContext is an in-memory platform used by tests and the -fake flag.
// Captures replay a PCM buffer in a loop.
type FakeContext struct {
	pcm      []byte
	realtime bool

	mu         sync.Mutex
	inputs     []DeviceInfo
	outputs    []DeviceInfo
	captureErr error
	startErr   error
	captures   []*FakeCapture
}

func NewFakeContext(inputs, outputs []DeviceInfo) *FakeContext {
	return &FakeContext{
		pcm:     Tone(440, 0.5, 250*time.Millisecond),
		inputs:  inputs,
		outputs: outputs,
	}
}

func NewFakeContextFromWAV(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{
		pcm:      data,
		realtime: realtime,
		inputs:   []DeviceInfo{{ID: "fake", Name: "fake", Kind: Input, IsDefault: true}},
	}, nil
}

// Tone renders a sine wave as s16le mono PCM at SampleRate.
func Tone(freq, amplitude float64, dur time.Duration) []byte {
	n := int(dur.Seconds() * SampleRate)
	out := make([]byte, n*2)
	for i := range n {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/SampleRate)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

func (f *FakeContext) SetPCM(pcm []byte) {
	f.mu.Lock()
	f.pcm = pcm
	f.mu.Unlock()
}

func (f *FakeContext) SetDevices(kind Kind, devices []DeviceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == Output {
		f.outputs = devices
	} else {
		f.inputs = devices
	}
}

// FailCapture makes subsequent NewCapture calls return err (nil clears it).
func (f *FakeContext) FailCapture(err error) {
	f.mu.Lock()
	f.captureErr = err
	f.mu.Unlock()
}

// FailStart makes subsequent captures fail in Start.
func (f *FakeContext) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *FakeContext) Devices(kind Kind) ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.inputs
	if kind == Output {
		src = f.outputs
	}
	return append([]DeviceInfo(nil), src...), nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(device *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	if device != nil && !containsID(f.inputs, device.ID) {
		return nil, errors.New("fake: no such device")
	}
	name := "system default"
	if device != nil {
		name = device.Name
	}
	c := &FakeCapture{
		pcm:       f.pcm,
		realtime:  f.realtime,
		name:      name,
		startErr:  f.startErr,
		audioDone: make(chan struct{}),
	}
	f.captures = append(f.captures, c)
	return c, nil
}

// Captures returns every capture handed out so far, oldest first.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

func containsID(devices []DeviceInfo, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

type FakeCapture struct {
	pcm       []byte
	realtime  bool
	name      string
	startErr  error
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	running  bool

	starts atomic.Int32
	stops  atomic.Int32
	closes atomic.Int32
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return f.name }

// Closes reports how many times Close was called.
func (f *FakeCapture) Closes() int { return int(f.closes.Load()) }

func (f *FakeCapture) Starts() int { return int(f.starts.Load()) }

func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	f.starts.Add(1)
	if f.startErr != nil {
		return f.startErr
	}

	f.mu.Lock()
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	f.running = true
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	interval := time.Millisecond
	if f.realtime {
		interval = time.Duration(fakeFrameSize) * time.Second / time.Duration(SampleRate)
	}

	go func() {
		defer close(feedDone)
		pos := 0
		finished := false
		for {
			select {
			case <-stopCh:
				return
			default:
			}

			if cb := f.callback(); cb != nil && len(f.pcm) > 0 {
				pos = f.feedChunk(cb, pos, chunkBytes)
				if pos >= len(f.pcm) {
					pos = 0
					if !finished {
						finished = true
						close(f.audioDone)
					}
				}
			}

			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.stops.Add(1)
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.running = false
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone
}

func (f *FakeCapture) Close() {
	f.closes.Add(1)
	f.Stop()
}
