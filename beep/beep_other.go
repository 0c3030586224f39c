//go:build !linux

package beep

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

func play(ctx context.Context, deviceID string, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("malgo: %w", err)
	}
	defer func() {
		mctx.Uninit()
		mctx.Free()
	}()

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = sampleRate
	if deviceID != "" {
		idBytes, err := hex.DecodeString(deviceID)
		if err != nil {
			return fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		config.Playback.DeviceID = devID.Pointer()
	}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	done := make(chan struct{})
	var once sync.Once
	pos := 0
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			n := copy(out, pcm[pos:])
			pos += n
			clear(out[n:])
			if pos >= len(pcm) {
				once.Do(func() { close(done) })
			}
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, config, callbacks)
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	defer dev.Uninit()
	if err := dev.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	defer dev.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
