// Package audio is the platform port for microphones and speakers:
// device enumeration and the capture stream (the getUserMedia equivalent).
// PulseAudio backs it on Linux, miniaudio everywhere else.
package audio

import (
	"encoding/binary"
	"strings"
)

const (
	WAVHeaderSize = 44

	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]", "bluez",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type Kind int

const (
	Input Kind = iota
	Output
)

func (k Kind) String() string {
	if k == Output {
		return "output"
	}
	return "input"
}

// DataCallback receives s16le mono PCM. The slice is only valid for the
// duration of the call.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: SampleRate, Channels: Channels}
}

type DeviceInfo struct {
	ID        string // opaque platform-specific identifier
	Name      string // may be empty when the platform withholds labels
	Kind      Kind
	IsDefault bool
}

type Context interface {
	Devices(kind Kind) ([]DeviceInfo, error)
	// NewCapture opens the input stream for device, or the system default
	// when device is nil. The stream does not deliver data until Start.
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// Samples decodes s16le PCM into dst, growing it as needed.
func Samples(dst []int16, pcm []byte) []int16 {
	for i := 0; i+1 < len(pcm); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	return dst
}
