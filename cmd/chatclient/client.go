package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaulBabatuyi/secureChat/internal/transport/ws"
	"github.com/PaulBabatuyi/secureChat/pkg/e2ee"
)

// apiClient talks to the chat server's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

type authResult struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sendResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) register(ctx context.Context, username, password string) (authResult, error) {
	var out authResult
	err := c.do(ctx, http.MethodPost, "/auth/register", map[string]string{"username": username, "password": password}, &out)
	return out, err
}

func (c *apiClient) login(ctx context.Context, username, password string) (authResult, error) {
	var out authResult
	err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{"username": username, "password": password}, &out)
	return out, err
}

func (c *apiClient) uploadKey(ctx context.Context, pub e2ee.PublicKey) error {
	return c.do(ctx, http.MethodPost, "/keys/upload", map[string]string{"public_key": pub.String()}, nil)
}

func (c *apiClient) publicKey(ctx context.Context, userID int64) (e2ee.PublicKey, error) {
	var out struct {
		PublicKey string `json:"public_key"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/keys/%d", userID), nil, &out); err != nil {
		return e2ee.PublicKey{}, err
	}
	return e2ee.ParsePublicKey(out.PublicKey)
}

// send encrypts plaintext to receiverID's current key and posts it.
func (c *apiClient) send(ctx context.Context, receiverID int64, plaintext string) (sendResult, error) {
	pub, err := c.publicKey(ctx, receiverID)
	if err != nil {
		return sendResult{}, fmt.Errorf("fetching recipient key: %w", err)
	}
	ct, err := e2ee.Encrypt(pub, []byte(plaintext))
	if err != nil {
		return sendResult{}, err
	}
	var out sendResult
	err = c.do(ctx, http.MethodPost, "/messages/send", map[string]any{
		"receiver_id": receiverID,
		"content":     e2ee.EncodeCiphertext(ct),
	}, &out)
	return out, err
}

// dial opens the WebSocket for the client's token.
func (c *apiClient) dial(ctx context.Context) (*ws.Conn, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()
	conn, _, err := ws.Dial(ctx, u.String(), nil, 10*time.Second)
	return conn, err
}
