package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

// maxResponseBytes caps how much of a unary upstream body is buffered.
const maxResponseBytes = 32 << 20

// HTTPClient is the pooled transport shared by every adapter. Unary calls
// are bounded by the request context and a 5-minute backstop; streaming calls
// rely on the context alone so long-lived streams are not cut off.
type HTTPClient struct {
	client *http.Client
	stream *http.Client
}

// NewHTTPClient creates an HTTPClient with connection pooling defaults.
func NewHTTPClient() *HTTPClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0,
	}
	return NewHTTPClientWithTransport(transport)
}

// NewHTTPClientWithTransport is NewHTTPClient with a caller-supplied
// transport. Tests pass httptest server transports here.
func NewHTTPClientWithTransport(rt http.RoundTripper) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{Transport: rt, Timeout: 5 * time.Minute},
		stream: &http.Client{Transport: rt},
	}
}

// Do sends one request upstream inside an "upstream.call" span and returns
// the raw response. Non-2xx statuses are returned as responses, not errors;
// transport failures are returned as classified *Error values.
func (c *HTTPClient) Do(ctx context.Context, providerID, method, url string, header http.Header, body []byte, stream bool) (*http.Response, error) {
	ctx, span := tracing.StartUpstreamSpan(ctx, url, providerID)
	defer span.End()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, &Error{Class: ClassTransport, Provider: providerID, Err: fmt.Errorf("creating upstream request: %w", err)}
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectHeaders(ctx, httpReq)

	client := c.client
	if stream {
		client = c.stream
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, transportError(providerID, fmt.Errorf("calling %s: %w", url, err))
	}
	tracing.SetUpstreamStatus(ctx, resp.StatusCode)
	return resp, nil
}

// readBody drains a unary response body up to maxResponseBytes. A read
// failure part-way through is a transport error.
func readBody(providerID string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(providerID, fmt.Errorf("reading upstream body: %w", err))
	}
	return data, nil
}

// joinURL appends path to base, tolerating a trailing slash on base.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
