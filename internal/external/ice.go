package external

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ICEClient fetches network traversal configuration (STUN/TURN servers) from
// a config service, once per call attempt. TURN credentials are short-lived,
// so the result is never cached here.
type ICEClient struct {
	baseURL string
	client  *http.Client
}

// NewICEClient creates a client for the traversal config service at baseURL.
// An empty baseURL produces a client whose fetches always fall back.
func NewICEClient(baseURL string) *ICEClient {
	return &ICEClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

// Config returns the raw ICE servers JSON, or "" when the service is
// unconfigured or unavailable. Callers treat "" as "use the built-in STUN
// fallback": a broken config service must not prevent a call attempt.
func (c *ICEClient) Config(ctx context.Context) string {
	raw, err := c.fetch(ctx)
	if err != nil {
		if c.baseURL != "" {
			log.Printf("[external] ice config fetch: %v", err)
		}
		return ""
	}
	return raw
}

func (c *ICEClient) fetch(ctx context.Context) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("external: no ice config service configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ice-servers", nil)
	if err != nil {
		return "", fmt.Errorf("external: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("external: fetch ice config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("external: ice config service returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("external: read ice config: %w", err)
	}
	return string(body), nil
}
