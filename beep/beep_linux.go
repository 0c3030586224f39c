//go:build linux

package beep

import (
	"context"
	"fmt"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

func play(ctx context.Context, deviceID string, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	c, err := pulse.NewClient(pulse.ClientApplicationName("earshot"))
	if err != nil {
		return fmt.Errorf("pulse: %w", err)
	}
	defer c.Close()

	opts := []pulse.PlaybackOption{
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(sampleRate),
		pulse.PlaybackLatency(0.1),
		pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
			p.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}),
	}
	if deviceID != "" {
		sink, err := c.SinkByID(deviceID)
		if err != nil || sink == nil {
			return fmt.Errorf("pulse sink %q: no such device", deviceID)
		}
		opts = append(opts, pulse.PlaybackSink(sink))
	}

	pos := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		if pos >= len(samples) || ctx.Err() != nil {
			return 0, pulse.EndOfData
		}
		n := copy(buf, samples[pos:])
		pos += n
		return n, nil
	})
	stream, err := c.NewPlayback(reader, opts...)
	if err != nil {
		return fmt.Errorf("pulse playback: %w", err)
	}
	defer stream.Close()
	stream.Start()
	stream.Drain()
	stream.Stop()
	return ctx.Err()
}
