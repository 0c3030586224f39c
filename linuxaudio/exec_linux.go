package linuxaudio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strings"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		return out, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return out, nil
}

// ExecChannel implements CommandChannel with id, pactl, pkexec and
// systemctl.
type ExecChannel struct {
	run  runFunc
	user string
}

func NewExecChannel() *ExecChannel {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return &ExecChannel{run: runCommand, user: name}
}

func (c *ExecChannel) CheckAudioGroupMembership(ctx context.Context) (bool, error) {
	// id reads the group database, so a fresh usermod shows up before re-login
	out, err := c.run(ctx, "id", "-nG", c.user)
	if err != nil {
		return false, err
	}
	return hasGroup(string(out), "audio"), nil
}

func (c *ExecChannel) CheckAudioServer(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "pactl", "info")
	if err != nil {
		return string(ServerNone), nil
	}
	return string(serverFromInfo(string(out))), nil
}

func (c *ExecChannel) AddUserToAudioGroup(ctx context.Context) (string, error) {
	if ok, err := c.CheckAudioGroupMembership(ctx); err == nil && ok {
		return fmt.Sprintf("%s is already in the audio group", c.user), nil
	}
	if _, err := c.run(ctx, "pkexec", "usermod", "-aG", "audio", c.user); err != nil {
		return "", err
	}
	return fmt.Sprintf("added %s to the audio group; log out and back in to apply it everywhere", c.user), nil
}

func (c *ExecChannel) StartAudioServices(ctx context.Context) (string, error) {
	_, pwErr := c.run(ctx, "systemctl", "--user", "start", "pipewire", "pipewire-pulse", "wireplumber")
	if pwErr == nil {
		return "started pipewire, pipewire-pulse and wireplumber user services", nil
	}
	_, paErr := c.run(ctx, "pulseaudio", "--start")
	if paErr == nil {
		return "started pulseaudio", nil
	}
	return "", errors.Join(pwErr, paErr)
}
