// Package upstream performs provider HTTP calls: timeouts, transparent
// response decompression, and bounded exponential-backoff retries for
// transient failures.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/avast/retry-go/v4"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/wire"
)

// Result is a complete, decompressed upstream response.
type Result struct {
	Body       []byte
	StatusCode int
	Header     http.Header
}

// StreamResult hands the caller a live decompressed body. The caller owns
// Close.
type StreamResult struct {
	Body       io.ReadCloser
	StatusCode int
	Header     http.Header
}

type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	retries    int
}

func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
		timeout:    cfg.Timeout(),
		retries:    cfg.Retries(),
	}
}

// Call performs a non-streaming provider request. Transient failures
// (transport errors, 429, 5xx) are retried with exponential backoff until
// the attempt budget runs out; the final failure surfaces as *wire.UpstreamError.
func (c *Client) Call(ctx context.Context, pc *config.Provider, provider providers.Provider, body []byte) (*Result, error) {
	attempts := 0

	result, err := retry.DoWithData(
		func() (*Result, error) {
			attempts++
			return c.doOnce(ctx, pc, provider, body, false)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.retries)),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying upstream call",
				"provider", pc.Name,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, finalizeError(err, attempts)
	}

	return result, nil
}

// Stream opens a streaming provider request. Only the connection attempt is
// retried; once the first byte arrives the stream belongs to the caller.
func (c *Client) Stream(ctx context.Context, pc *config.Provider, provider providers.Provider, body []byte) (*StreamResult, error) {
	attempts := 0

	result, err := retry.DoWithData(
		func() (*StreamResult, error) {
			attempts++
			return c.openStream(ctx, pc, provider, body)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.retries)),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		return nil, finalizeError(err, attempts)
	}

	return result, nil
}

func (c *Client) doOnce(ctx context.Context, pc *config.Provider, provider providers.Provider, body []byte, stream bool) (*Result, error) {
	resp, err := c.send(ctx, pc, provider, body, stream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, err := decompressReader(resp)
	if err != nil {
		return nil, fmt.Errorf("decompress %s response: %w", pc.Name, err)
	}
	if closer, ok := reader.(io.Closer); ok {
		defer closer.Close()
	}

	respBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, &wire.UpstreamError{Provider: pc.Name, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &wire.UpstreamError{
			Provider: pc.Name,
			Status:   resp.StatusCode,
			Message:  truncateBody(respBody),
		}
	}

	return &Result{Body: respBody, StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

func (c *Client) openStream(ctx context.Context, pc *config.Provider, provider providers.Provider, body []byte) (*StreamResult, error) {
	resp, err := c.send(ctx, pc, provider, body, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &wire.UpstreamError{
			Provider: pc.Name,
			Status:   resp.StatusCode,
			Message:  truncateBody(errBody),
		}
	}

	reader, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decompress %s stream: %w", pc.Name, err)
	}

	return &StreamResult{
		Body:       readCloser{Reader: reader, closer: resp.Body},
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}, nil
}

func (c *Client) send(ctx context.Context, pc *config.Provider, provider providers.Provider, body []byte, stream bool) (*http.Response, error) {
	if !stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.APIBase, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	provider.ApplyAuth(req.Header, pc.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &wire.UpstreamError{Provider: pc.Name, Message: err.Error()}
	}

	return resp, nil
}

func isRetryable(err error) bool {
	if upstreamErr, ok := err.(*wire.UpstreamError); ok {
		return upstreamErr.Retryable()
	}
	return false
}

// finalizeError stamps the attempt count onto the surfaced upstream error.
func finalizeError(err error, attempts int) error {
	if upstreamErr, ok := err.(*wire.UpstreamError); ok {
		upstreamErr.Attempts = attempts
		return upstreamErr
	}
	return err
}

func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

func truncateBody(body []byte) string {
	const limit = 2048
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// readCloser pairs a decompressing reader with the underlying body closer.
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc readCloser) Close() error {
	return rc.closer.Close()
}
