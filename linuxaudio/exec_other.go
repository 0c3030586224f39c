//go:build !linux

package linuxaudio

import "context"

// ExecChannel has nothing to run outside Linux.
type ExecChannel struct{}

func NewExecChannel() *ExecChannel { return &ExecChannel{} }

func (*ExecChannel) CheckAudioGroupMembership(context.Context) (bool, error) { return true, nil }

func (*ExecChannel) CheckAudioServer(context.Context) (string, error) { return string(ServerNone), nil }

func (*ExecChannel) AddUserToAudioGroup(context.Context) (string, error) { return "", nil }

func (*ExecChannel) StartAudioServices(context.Context) (string, error) { return "", nil }
