// Package apperr classifies failures from the audio and transcription
// stack into the small set of kinds the UI knows how to act on.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Kind int

const (
	Unknown Kind = iota
	PermissionDenied
	DeviceNotFound
	ProviderUnavailable
	NetworkFailure
	PlatformSetupRequired
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case DeviceNotFound:
		return "device_not_found"
	case ProviderUnavailable:
		return "provider_unavailable"
	case NetworkFailure:
		return "network_failure"
	case PlatformSetupRequired:
		return "platform_setup_required"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against a classified *Error.
var (
	ErrPermissionDenied      = errors.New("microphone permission denied")
	ErrDeviceNotFound        = errors.New("audio device not found")
	ErrProviderUnavailable   = errors.New("no transcription provider available")
	ErrNetworkFailure        = errors.New("transcription endpoint unreachable")
	ErrPlatformSetupRequired = errors.New("audio system needs setup")
)

func (k Kind) sentinel() error {
	switch k {
	case PermissionDenied:
		return ErrPermissionDenied
	case DeviceNotFound:
		return ErrDeviceNotFound
	case ProviderUnavailable:
		return ErrProviderUnavailable
	case NetworkFailure:
		return ErrNetworkFailure
	case PlatformSetupRequired:
		return ErrPlatformSetupRequired
	}
	return nil
}

// Action is the default next step shown next to an error of this kind.
func (k Kind) Action() string {
	switch k {
	case PermissionDenied:
		return "Open system settings and allow microphone access, then retry"
	case DeviceNotFound:
		return "Use the system default microphone"
	case ProviderUnavailable:
		return "Add an API key or pick a different transcription provider"
	case NetworkFailure:
		return "Check your connection and retry"
	case PlatformSetupRequired:
		return "Run the audio auto-fix"
	default:
		return "Retry; if it keeps failing, check the diagnostics log"
	}
}

// Retryable reports whether retrying the same operation unchanged can succeed.
func (k Kind) Retryable() bool {
	return k == NetworkFailure || k == Unknown
}

type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Action string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else if s := e.Kind.sentinel(); s != nil {
		b.WriteString(s.Error())
	} else {
		b.WriteString("unexpected error")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Action: kind.Action()}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Action: kind.Action(), Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Unknown
}

// Classify turns a raw error into an *Error. Already-classified errors are
// returned unchanged; anything else is inspected by type and message.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(guess(err), op, err)
}

func guess(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkFailure
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkFailure
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NetworkFailure
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission denied", "access denied", "not allowed", "notallowed", "eacces", "operation not permitted"):
		return PermissionDenied
	case containsAny(msg, "no such device", "device not found", "no capture devices", "no such entity", "invalid device"):
		return DeviceNotFound
	case containsAny(msg, "connection refused", "pulse: dial", "no pulseaudio", "pipewire", "xdg_runtime_dir", "no backend"):
		return PlatformSetupRequired
	case containsAny(msg, "timeout", "connection reset", "no route to host", "eof"):
		return NetworkFailure
	}
	return Unknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
