package linuxaudio

import "context"

// CommandChannel runs the privileged queries and remediations. The exec
// implementation shells out; tests and other hosts can supply their own.
type CommandChannel interface {
	CheckAudioGroupMembership(ctx context.Context) (bool, error)
	// CheckAudioServer answers "pulseaudio", "pipewire" or anything else,
	// which is treated as unknown.
	CheckAudioServer(ctx context.Context) (string, error)
	AddUserToAudioGroup(ctx context.Context) (string, error)
	StartAudioServices(ctx context.Context) (string, error)
}
