package transcriber

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"earshot/metrics"
)

// maxResponseBytes caps a transcription response body. A transcript of a
// long dictation is a few KB.
const maxResponseBytes = 1 << 20

// TracedClient posts uploads for one provider and records how long each
// network phase took, both on the response and in the upload phase
// histogram.
type TracedClient struct {
	provider string
	client   *http.Client
}

func NewTracedClient(provider string) *TracedClient {
	return &TracedClient{
		provider: provider,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type TracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	Metrics    *NetworkMetrics
}

// phaseClock stamps the httptrace callbacks of one request.
type phaseClock struct {
	m *NetworkMetrics

	connStart, dnsStart, dialStart, tlsStart time.Time
	conn, headers, body, firstByte           time.Time
}

func (p *phaseClock) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) { p.connStart = time.Now() },
		GotConn: func(info httptrace.GotConnInfo) {
			p.conn = time.Now()
			p.m.ConnWait = p.conn.Sub(p.connStart)
			p.m.ConnReused = info.Reused
		},
		DNSStart:          func(httptrace.DNSStartInfo) { p.dnsStart = time.Now() },
		DNSDone:           func(httptrace.DNSDoneInfo) { p.m.DNS = time.Since(p.dnsStart) },
		ConnectStart:      func(string, string) { p.dialStart = time.Now() },
		ConnectDone:       func(string, string, error) { p.m.TCP = time.Since(p.dialStart) },
		TLSHandshakeStart: func() { p.tlsStart = time.Now() },
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			p.m.TLS = time.Since(p.tlsStart)
			p.m.TLSProtocol = state.NegotiatedProtocol
		},
		WroteHeaders: func() {
			p.headers = time.Now()
			p.m.ReqHeaders = p.headers.Sub(p.conn)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			p.body = time.Now()
			p.m.ReqBody = p.body.Sub(p.headers)
		},
		GotFirstResponseByte: func() {
			p.firstByte = time.Now()
			p.m.TTFB = p.firstByte.Sub(p.body)
		},
	}
}

func (c *TracedClient) Do(req *http.Request) (*TracedResponse, error) {
	clock := &phaseClock{m: &NetworkMetrics{}}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), clock.trace()))
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("response larger than %d bytes", maxResponseBytes)
	}

	m := clock.m
	if !clock.firstByte.IsZero() {
		m.Download = time.Since(clock.firstByte)
	}
	m.Total = time.Since(start)
	if resp.TLS != nil && m.TLSProtocol == "" {
		m.TLSProtocol = resp.TLS.NegotiatedProtocol
	}
	c.observe(m)

	return &TracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Metrics:    m,
	}, nil
}

func (c *TracedClient) observe(m *NetworkMetrics) {
	for _, ph := range []struct {
		name string
		d    time.Duration
	}{
		{"conn_wait", m.ConnWait},
		{"dns", m.DNS},
		{"tcp", m.TCP},
		{"tls", m.TLS},
		{"request", m.ReqHeaders + m.ReqBody},
		{"ttfb", m.TTFB},
		{"download", m.Download},
	} {
		// phases skipped on a reused connection stay zero
		if ph.d > 0 {
			metrics.UploadPhase(c.provider, ph.name, ph.d)
		}
	}
}

// Warm opens a connection to url so the TLS handshake overlaps with
// recording instead of delaying the upload.
func (c *TracedClient) Warm(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
}
