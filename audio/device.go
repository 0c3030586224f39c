package audio

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// SelectDevice presents an interactive picker over devices of the given
// kind and returns the chosen one. A single device is returned without
// prompting. labels supplies display names (the catalog's placeholders
// for hidden names); it may be nil.
func SelectDevice(ctx Context, kind Kind, labels func(DeviceInfo) string) (*DeviceInfo, error) {
	devices, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no %s devices found", kind)
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}
	if labels == nil {
		labels = func(d DeviceInfo) string { return d.Name }
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	for i, d := range devices {
		if d.IsDefault {
			cursor = i
		}
	}

	renderList := func() {
		fmt.Print("\r\x1b[J")
		fmt.Printf("Select %s device (↑/↓, Enter to confirm, Esc to cancel):\r\n\r\n", kind)
		for i, d := range devices {
			tag := ""
			if d.IsDefault {
				tag += " \x1b[2m(default)\x1b[0m"
			}
			if IsBluetooth(d.Name) {
				tag += " \x1b[33m[⚠ Lower audio quality]\x1b[0m"
			}
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %s\x1b[0m%s\r\n", labels(d), tag)
			} else {
				fmt.Printf("    %s%s\r\n", labels(d), tag)
			}
		}
	}

	renderList()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}

		if n == 1 {
			switch buf[0] {
			case 13: // Enter
				fmt.Print("\r\n")
				return &devices[cursor], nil
			case 3, 27: // Ctrl+C, Esc
				fmt.Print("\r\n")
				return nil, fmt.Errorf("device selection cancelled")
			case 'j':
				if cursor < len(devices)-1 {
					cursor++
				}
			case 'k':
				if cursor > 0 {
					cursor--
				}
			}
		} else if n == 3 && buf[0] == 0x1b && buf[1] == '[' {
			switch buf[2] {
			case 'A': // Up arrow
				if cursor > 0 {
					cursor--
				}
			case 'B': // Down arrow
				if cursor < len(devices)-1 {
					cursor++
				}
			}
		}

		fmt.Printf("\x1b[%dA", len(devices)+2)
		renderList()
	}
}
