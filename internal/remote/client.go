package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Client talks to the store's PostgREST-style endpoint. All engine traffic
// is scoped to the messages table; row-level security on the remote side
// enforces membership.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
}

// NewClient creates a remote client. accessToken may be empty, in which
// case the api key alone authenticates (anonymous/service access).
func NewClient(baseURL, apiKey, accessToken string) *Client {
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// ListMessages fetches the canonical messages of a chat, oldest first.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	endpoint := fmt.Sprintf("messages?chat_id=eq.%s&select=*&order=created_at.asc", url.QueryEscape(chatID))
	body, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return msgs, nil
}

// SendMessage inserts a message and returns the canonical row, including
// the server-assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "messages", req)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return nil, fmt.Errorf("parse send response: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("send returned no representation")
	}
	return &msgs[0], nil
}

// UpdateMessage patches the given fields of a message row.
func (c *Client) UpdateMessage(ctx context.Context, id string, fields UpdateFields) error {
	endpoint := fmt.Sprintf("messages?id=eq.%s", url.QueryEscape(id))
	_, err := c.doRequest(ctx, http.MethodPatch, endpoint, fields)
	return err
}

// DeleteMessage removes a message row.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("messages?id=eq.%s", url.QueryEscape(id))
	_, err := c.doRequest(ctx, http.MethodDelete, endpoint, nil)
	return err
}

// MarkSeen flags every message in a chat not sent by readerID as seen.
func (c *Client) MarkSeen(ctx context.Context, chatID, readerID string) error {
	endpoint := fmt.Sprintf("messages?chat_id=eq.%s&sender_id=neq.%s&seen=is.false",
		url.QueryEscape(chatID), url.QueryEscape(readerID))
	seen := true
	_, err := c.doRequest(ctx, http.MethodPatch, endpoint, UpdateFields{Seen: &seen})
	return err
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	if err := c.checkToken(); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/rest/v1/%s", c.baseURL, endpoint), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	token := c.accessToken
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// checkToken fails fast when the configured access token has expired, so a
// doomed request surfaces as a rejection instead of a confusing 401 later.
// The signature is not verified here; the remote side does that.
func (c *Client) checkToken() error {
	if c.accessToken == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.accessToken, claims); err != nil {
		// Not a JWT (e.g. a plain service key); let the server judge it.
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}
