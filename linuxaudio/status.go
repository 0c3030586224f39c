// Package linuxaudio inspects and repairs the Linux audio stack: audio
// group membership and whether a PulseAudio or PipeWire server is
// running. Everything is a no-op on other platforms.
package linuxaudio

import (
	"bufio"
	"strings"
)

type Server string

const (
	ServerPulseAudio Server = "pulseaudio"
	ServerPipeWire   Server = "pipewire"
	ServerNone       Server = "none"
	ServerUnknown    Server = "unknown"
)

// ParseServer maps a command channel answer onto a Server. Anything it
// does not recognize is ServerUnknown.
func ParseServer(s string) Server {
	switch Server(strings.ToLower(strings.TrimSpace(s))) {
	case ServerPulseAudio:
		return ServerPulseAudio
	case ServerPipeWire:
		return ServerPipeWire
	case ServerNone, "":
		return ServerNone
	}
	return ServerUnknown
}

type Status struct {
	IsLinux      bool
	InAudioGroup bool
	Server       Server
}

// NeedsSetup is always false off Linux.
func (s Status) NeedsSetup() bool {
	return s.IsLinux && NeedsSetup(s.InAudioGroup, s.Server)
}

// NeedsSetup decides from group membership and the running server alone.
// PipeWire grants device access without the audio group.
func NeedsSetup(inAudioGroup bool, server Server) bool {
	switch server {
	case ServerPipeWire:
		return false
	case ServerPulseAudio:
		return !inAudioGroup
	}
	return true
}

func (s Status) String() string {
	if !s.IsLinux {
		return "not linux"
	}
	group := "not in audio group"
	if s.InAudioGroup {
		group = "in audio group"
	}
	return string(s.Server) + ", " + group
}

func hasGroup(idOutput, group string) bool {
	for _, g := range strings.Fields(idOutput) {
		if g == group {
			return true
		}
	}
	return false
}

// serverFromInfo reads the "Server Name" line of `pactl info`. PipeWire's
// pulse shim reports "PulseAudio (on PipeWire x.y.z)".
func serverFromInfo(info string) Server {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		name, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "Server Name:")
		if !ok {
			continue
		}
		name = strings.ToLower(name)
		switch {
		case strings.Contains(name, "pipewire"):
			return ServerPipeWire
		case strings.Contains(name, "pulseaudio"):
			return ServerPulseAudio
		}
		return ServerUnknown
	}
	return ServerUnknown
}
