// Package provider decides which transcription backend serves a session.
package provider

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strings"

	"earshot/apperr"
	"earshot/settings"
)

type Kind string

const (
	None   Kind = "none"
	Native Kind = "native"
	Cloud  Kind = "cloud"
	Custom Kind = "custom"
)

// Capabilities is what the running process can actually use.
type Capabilities struct {
	NativeSupported bool
	CloudKey        string
	CustomEndpoint  string
	CustomKey       string
}

// CapabilitiesFor merges the stored custom endpoint with process-level
// capabilities.
func CapabilitiesFor(cfg settings.SttConfig, nativeSupported bool, cloudKey string) Capabilities {
	return Capabilities{
		NativeSupported: nativeSupported,
		CloudKey:        cloudKey,
		CustomEndpoint:  cfg.CustomEndpoint,
		CustomKey:       cfg.CustomKey,
	}
}

// Resolve picks a backend. An explicit choice is authoritative: if it
// cannot be satisfied the result is None with a ProviderUnavailable error,
// never a silent fallback. Auto prefers native, then cloud, then a
// complete custom endpoint.
func Resolve(cfg settings.SttConfig, caps Capabilities) (Kind, error) {
	const op = "resolve transcription provider"

	switch cfg.Provider {
	case settings.ProviderNative:
		if !caps.NativeSupported {
			return None, unavailable(op, "on-device recognition is not supported on this system", "Choose the cloud or a custom provider")
		}
		return Native, nil

	case settings.ProviderCloud:
		if caps.CloudKey == "" {
			return None, unavailable(op, "cloud transcription needs an API key", "Set OPENAI_API_KEY or EARSHOT_CLOUD_API_KEY")
		}
		return Cloud, nil

	case settings.ProviderCustom:
		if caps.CustomEndpoint == "" || caps.CustomKey == "" {
			return None, unavailable(op, "custom provider needs an endpoint and an API key", "Add a custom endpoint URL and key in settings")
		}
		if err := ValidateEndpoint(caps.CustomEndpoint); err != nil {
			return None, unavailable(op, err.Error(), "Fix the custom endpoint URL in settings")
		}
		return Custom, nil
	}

	switch {
	case caps.NativeSupported:
		return Native, nil
	case caps.CloudKey != "":
		return Cloud, nil
	case caps.CustomEndpoint != "" && caps.CustomKey != "" && ValidateEndpoint(caps.CustomEndpoint) == nil:
		return Custom, nil
	}
	return None, unavailable(op, "no transcription provider is available", "Set OPENAI_API_KEY or configure a custom endpoint")
}

func unavailable(op, msg, action string) error {
	e := apperr.New(apperr.ProviderUnavailable, op, msg)
	e.Action = action
	return e
}

// ValidateEndpoint requires an absolute http or https URL.
func ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid custom endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("custom endpoint must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

type Platform struct {
	OS   string
	Arch string
	WSL  bool
}

func (p Platform) String() string {
	s := p.OS + "/" + p.Arch
	if p.WSL {
		s += " (wsl)"
	}
	return s
}

var unsupported = []Platform{
	{OS: "windows", Arch: "arm64"},
	{OS: "linux", Arch: "arm"},
	{OS: "linux", Arch: "386"},
	{OS: "freebsd"},
	{OS: "openbsd"},
}

// IsNativeRecognizerSupported reports whether the on-device recognizer
// may be used. Known-broken platforms are refused even when the library
// loads.
func IsNativeRecognizerSupported(p Platform, loads bool) bool {
	if p.WSL {
		return false
	}
	for _, u := range unsupported {
		if u.OS == p.OS && (u.Arch == "" || u.Arch == p.Arch) {
			return false
		}
	}
	return loads
}

func CurrentPlatform() Platform {
	p := Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
	if p.OS == "linux" {
		if data, err := os.ReadFile("/proc/version"); err == nil {
			p.WSL = isWSL(string(data))
		}
	}
	return p
}

func isWSL(procVersion string) bool {
	v := strings.ToLower(procVersion)
	return strings.Contains(v, "microsoft") || strings.Contains(v, "wsl")
}
