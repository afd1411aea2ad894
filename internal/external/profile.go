// Package external holds clients for services outside this system: the
// account service that owns user profiles, and the notification dispatcher
// fed over NATS.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// AnonymousName is shown when the profile lookup fails or the user has no
// display name. Calls proceed regardless; profiles are cosmetic here.
const AnonymousName = "Stranger"

// Profile is the subset of the account service's user record we consume.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// ProfileClient fetches user profiles from the account service.
type ProfileClient struct {
	baseURL string
	client  *http.Client
}

// NewProfileClient creates a client for the account service at baseURL.
// An empty baseURL produces a client whose lookups always fall back.
func NewProfileClient(baseURL string) *ProfileClient {
	return &ProfileClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

// DisplayName resolves a user's display name, falling back to AnonymousName
// on any failure. It never returns an error: a broken account service must
// not block matching.
func (c *ProfileClient) DisplayName(ctx context.Context, userID string) string {
	profile, err := c.Get(ctx, userID)
	if err != nil {
		log.Printf("[external] profile lookup %s: %v", userID, err)
		return AnonymousName
	}
	if profile.DisplayName == "" {
		return AnonymousName
	}
	return profile.DisplayName
}

// Get fetches the raw profile record.
func (c *ProfileClient) Get(ctx context.Context, userID string) (*Profile, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("external: no profile service configured")
	}

	reqURL := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("external: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external: fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external: profile service returned %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("external: decode profile: %w", err)
	}
	return &profile, nil
}
