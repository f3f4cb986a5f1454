package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ndvanh/vaultchat/internal/errs"
)

// RestClient talks to the server's HTTP auth and key-directory endpoints.
type RestClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewRestClient constructs a client for the given base URL, e.g.
// http://localhost:8080.
func NewRestClient(baseURL string) *RestClient {
	return &RestClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// TokenInfo is a session token with its expiry.
type TokenInfo struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Username  string    `json:"username"`
}

// Register creates an account and returns a session token.
func (c *RestClient) Register(ctx context.Context, username, password string) (TokenInfo, error) {
	return c.postCredentials(ctx, "/api/register", username, password)
}

// Login authenticates and returns a session token.
func (c *RestClient) Login(ctx context.Context, username, password string) (TokenInfo, error) {
	return c.postCredentials(ctx, "/api/login", username, password)
}

func (c *RestClient) postCredentials(ctx context.Context, path, username, password string) (TokenInfo, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return TokenInfo{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return TokenInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return TokenInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return TokenInfo{}, apiError(resp)
	}
	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TokenInfo{}, err
	}
	return info, nil
}

// FetchKey retrieves the last announced public key of a user, typically an
// offline peer absent from the live roster.
func (c *RestClient) FetchKey(ctx context.Context, token, username string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/keys/"+username, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("key for %s: %w", username, errs.ErrNotFound)
	case resp.StatusCode >= 300:
		return nil, apiError(resp)
	}
	var out struct {
		PublicKey json.RawMessage `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.PublicKey, nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &msg) == nil && msg.Error != "" {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w", msg.Error, errs.ErrUnauthorized)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w", msg.Error, errs.ErrRateLimited)
		case http.StatusConflict:
			return fmt.Errorf("%s: %w", msg.Error, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("server: %s (status %d)", msg.Error, resp.StatusCode)
	}
	return fmt.Errorf("server: status %d", resp.StatusCode)
}
