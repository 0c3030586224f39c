package transcriber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"earshot/apperr"
	"earshot/encoder"
)

// Cloud is the hosted transcription provider, reached through the
// OpenAI SDK. The SDK's own retries are disabled; the caller's deadline
// is the only bound.
type Cloud struct {
	client openai.Client
	model  string
	lang   string
}

func NewCloud(apiKey, baseURL, model, lang string) *Cloud {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Cloud{
		client: openai.NewClient(opts...),
		model:  model,
		lang:   lang,
	}
}

func (c *Cloud) Name() string { return "cloud" }

func (c *Cloud) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	const op = "cloud transcription"

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), encoder.FileName(format), contentType(format)),
		Model: openai.AudioModel(c.model),
	}
	if c.lang != "" {
		params.Language = openai.String(c.lang)
	}

	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", apperr.Newf(apperr.NetworkFailure, op, "cloud returned %d", apiErr.StatusCode)
		}
		return "", apperr.Wrap(apperr.NetworkFailure, op, err)
	}
	if resp == nil {
		return "", apperr.Wrap(apperr.NetworkFailure, op, fmt.Errorf("empty response"))
	}
	return strings.TrimSpace(resp.Text), nil
}

func contentType(format string) string {
	if format == "wav" {
		return "audio/wav"
	}
	return "audio/flac"
}
