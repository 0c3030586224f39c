package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"earshot/apperr"
	"earshot/encoder"
	"earshot/log"
)

// CustomEndpoint posts the recording to a user-supplied
// OpenAI-compatible transcription URL.
type CustomEndpoint struct {
	client   *TracedClient
	endpoint string
	apiKey   string
	model    string
	lang     string
}

func NewCustomEndpoint(endpoint, apiKey, model, lang string) *CustomEndpoint {
	return &CustomEndpoint{
		client:   NewTracedClient("custom"),
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		lang:     lang,
	}
}

func (c *CustomEndpoint) Name() string { return "custom" }

func (c *CustomEndpoint) Warm(ctx context.Context) {
	c.client.Warm(ctx, c.endpoint)
}

func (c *CustomEndpoint) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	const op = "custom transcription"

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", encoder.FileName(format))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	writer.WriteField("model", c.model)
	writer.WriteField("response_format", "json")
	if c.lang != "" {
		writer.WriteField("language", c.lang)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return "", apperr.Wrap(apperr.ProviderUnavailable, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.NetworkFailure, op, err)
	}

	m := resp.Metrics
	log.UploadMetrics(log.Upload{
		Provider:    c.Name(),
		Format:      format,
		AudioKB:     float64(len(audio)) / 1024,
		DNSTimeMs:   float64(m.DNS.Milliseconds()),
		TLSTimeMs:   float64(m.TLS.Milliseconds()),
		TTFBMs:      float64(m.TTFB.Milliseconds()),
		TotalTimeMs: float64(m.Sum().Milliseconds()),
		ConnReused:  m.ConnReused,
		TLSProtocol: m.TLSProtocol,
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperr.Newf(apperr.NetworkFailure, op, "endpoint returned %d: %s", resp.StatusCode, truncate(string(resp.Body), 200))
	}

	var out struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Text == nil {
		if err == nil {
			err = fmt.Errorf("response has no text field")
		}
		return "", apperr.Wrap(apperr.NetworkFailure, op, fmt.Errorf("malformed response: %w", err))
	}

	log.Infof("custom endpoint rate limit: %s/%s",
		firstNonEmpty(resp.Header, "x-ratelimit-remaining-requests"),
		firstNonEmpty(resp.Header, "x-ratelimit-limit-requests"))
	return strings.TrimSpace(*out.Text), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
