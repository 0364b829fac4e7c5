package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// TokenSource supplies a current bearer token
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token
type StaticToken string

// Token returns the token
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// RefreshingToken exchanges a refresh token for a fresh access token on
// every call. The auth server may rotate the refresh token; the latest one
// is kept.
type RefreshingToken struct {
	url    string
	apiKey string
	client *http.Client

	mu           sync.Mutex
	refreshToken string
}

// NewRefreshingToken creates a RefreshingToken for the given auth endpoint,
// e.g. https://project.supabase.co/auth/v1/token?grant_type=refresh_token
func NewRefreshingToken(url, apiKey, refreshToken string, client *http.Client) *RefreshingToken {
	if client == nil {
		client = http.DefaultClient
	}
	return &RefreshingToken{
		url:          url,
		apiKey:       apiKey,
		client:       client,
		refreshToken: refreshToken,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Token performs the refresh exchange
func (t *RefreshingToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	jsonData, err := json.Marshal(refreshRequest{RefreshToken: t.refreshToken})
	if err != nil {
		return "", fmt.Errorf("marshaling refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("apikey", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling auth server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("auth server error (status %d): %s", resp.StatusCode, string(body))
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("auth server returned no access token")
	}
	if out.RefreshToken != "" {
		t.refreshToken = out.RefreshToken
	}
	return out.AccessToken, nil
}
