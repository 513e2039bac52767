package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const maxFetchBytes = 1 << 20

type webFetchInput struct {
	URL string `json:"url" jsonschema_description:"HTTP or HTTPS URL to fetch"`
}

func (b *Builtins) webFetchTool() Tool {
	return New("web_fetch", "Fetch the content of a URL", CategoryWeb,
		func(ctx context.Context, input webFetchInput) (string, error) {
			parsed, err := url.Parse(input.URL)
			if err != nil {
				return "", fmt.Errorf("invalid url: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, input.URL, nil)
			if err != nil {
				return "", err
			}

			resp, err := b.client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				return "", err
			}

			if resp.StatusCode != http.StatusOK {
				return "", fmt.Errorf("fetch %s: status %d", input.URL, resp.StatusCode)
			}
			return string(body), nil
		})
}
