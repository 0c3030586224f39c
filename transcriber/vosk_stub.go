//go:build !vosk

package transcriber

import "errors"

const nativeCompiled = false

// NewVoskFactory is unavailable unless built with -tags vosk.
func NewVoskFactory(string) (func() (Recognizer, error), error) {
	return nil, errors.New("on-device recognition not compiled in (build with -tags vosk)")
}
