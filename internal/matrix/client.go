package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/shawkym/roombot/internal/version"
	"github.com/shawkym/roombot/pkg/log"
	"github.com/shawkym/roombot/pkg/ratelimit"
)

const defaultRequestTimeout = 15 * time.Second

// Client performs authenticated Matrix Client-Server API calls.
type Client struct {
	baseURL        string
	accessToken    string
	requestTimeout time.Duration
	httpClient     *http.Client
	limiter        *ratelimit.Limiter
}

// NewClient creates a client for the homeserver at baseURL. timeout bounds
// each request; long-poll syncs get their server-side wait added on top.
func NewClient(baseURL, accessToken string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:        cleanBaseURL(baseURL),
		accessToken:    accessToken,
		requestTimeout: timeout,
		httpClient:     &http.Client{},
	}
}

// SetLimiter makes every call wait on l first. A nil limiter disables pacing.
func (c *Client) SetLimiter(l *ratelimit.Limiter) {
	c.limiter = l
}

// SetHTTPClient swaps the underlying HTTP client.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpClient = hc
	}
}

// Whoami resolves the user ID that owns the access token.
func (c *Client) Whoami(ctx context.Context) (id.UserID, error) {
	var result struct {
		UserID id.UserID `json:"user_id"`
	}
	if err := c.do(ctx, "whoami", http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &result, 0); err != nil {
		return "", err
	}
	if result.UserID == "" {
		return "", &MalformedResponseError{Call: "whoami", Err: errors.New("missing user_id")}
	}
	return result.UserID, nil
}

// Sync performs a single /sync request. since may be empty for an initial
// sync; timeout is the server-side long-poll wait.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration, filter string) (*SyncResponse, error) {
	params := url.Values{}
	if since != "" {
		params.Set("since", since)
	}
	params.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if filter != "" {
		params.Set("filter", filter)
	}
	params.Set("set_presence", "offline")

	var result SyncResponse
	if err := c.do(ctx, "sync", http.MethodGet, "/_matrix/client/v3/sync", params, nil, &result, timeout); err != nil {
		return nil, err
	}
	return &result, nil
}

// JoinRoom joins a room by ID or alias and returns the resolved room ID.
func (c *Client) JoinRoom(ctx context.Context, room string) (id.RoomID, error) {
	if room == "" {
		return "", fmt.Errorf("room is required")
	}

	var params url.Values
	if domain := extractRoomDomain(room); domain != "" {
		params = url.Values{}
		params.Set("server_name", domain)
	}

	var result struct {
		RoomID id.RoomID `json:"room_id"`
	}
	path := "/_matrix/client/v3/join/" + url.PathEscape(room)
	if err := c.do(ctx, "join", http.MethodPost, path, params, nil, &result, 0); err != nil {
		return "", err
	}
	if result.RoomID == "" {
		return "", &MalformedResponseError{Call: "join", Err: errors.New("missing room_id")}
	}
	return result.RoomID, nil
}

// ResolveAlias looks up the room ID behind a #alias:server.
func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	var result struct {
		RoomID id.RoomID `json:"room_id"`
	}
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(string(alias))
	if err := c.do(ctx, "resolve_alias", http.MethodGet, path, nil, nil, &result, 0); err != nil {
		return "", err
	}
	if result.RoomID == "" {
		return "", &MalformedResponseError{Call: "resolve_alias", Err: errors.New("missing room_id")}
	}
	return result.RoomID, nil
}

// SendText sends a plain-text message under the caller-supplied transaction ID.
func (c *Client) SendText(ctx context.Context, roomID id.RoomID, txnID, body string) (id.EventID, error) {
	if roomID == "" {
		return "", fmt.Errorf("room ID is required")
	}

	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(string(roomID)), event.EventMessage.Type, url.PathEscape(txnID))
	payload := MessageContent{
		MsgType: string(event.MsgText),
		Body:    body,
	}

	var result struct {
		EventID id.EventID `json:"event_id"`
	}
	if err := c.do(ctx, "send", http.MethodPut, path, nil, payload, &result, 0); err != nil {
		return "", err
	}
	return result.EventID, nil
}

// do runs one JSON round trip. extraTimeout extends the per-request deadline
// for calls the server is expected to hold open.
func (c *Client) do(ctx context.Context, call, method, path string, params url.Values, payload, out interface{}, extraTimeout time.Duration) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Call: call, Err: err}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", call, err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout+extraTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", call, err)
	}
	c.addAuth(req)
	req.Header.Set("User-Agent", version.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Call: call, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Call: call, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests {
			if wait := capRetryAfter(parseRetryAfter(resp.Header, data)); wait > 0 {
				log.WithFields(map[string]interface{}{
					"call":    call,
					"wait_ms": wait.Milliseconds(),
				}).Warn("matrix rate limited, pausing requests")
				c.limiter.Pause(wait)
			}
		}
		return newHTTPError(call, resp, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &MalformedResponseError{Call: call, Err: err}
	}
	return nil
}

func (c *Client) addAuth(req *http.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
}

// LoginWithPassword logs in with m.login.password and returns an access token
// and the canonical user ID. Rate-limit responses are retried.
func LoginWithPassword(ctx context.Context, baseURL, userID, password string, timeout time.Duration) (string, id.UserID, error) {
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	payload := map[string]interface{}{
		"type": "m.login.password",
		"identifier": map[string]interface{}{
			"type": "m.id.user",
			"user": localpart(userID),
		},
		"password":                    password,
		"initial_device_display_name": "roombot",
	}

	client := NewClient(baseURL, "", timeout)
	client.SetLimiter(ratelimit.NewLimiter(0, 1))
	const maxRetries = 3
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		var result struct {
			AccessToken string    `json:"access_token"`
			UserID      id.UserID `json:"user_id"`
		}
		err := client.do(ctx, "login", http.MethodPost, "/_matrix/client/v3/login", nil, payload, &result, 0)
		if err == nil {
			if result.AccessToken == "" {
				return "", "", &MalformedResponseError{Call: "login", Err: errors.New("missing access_token")}
			}
			return result.AccessToken, result.UserID, nil
		}
		lastErr = err

		var transport *TransportError
		if !errors.As(err, &transport) {
			return "", "", err
		}
		if transport.StatusCode == http.StatusUnauthorized || transport.StatusCode == http.StatusForbidden {
			return "", "", &AuthError{Err: err}
		}
		if attempt == maxRetries {
			break
		}

		// A 429 already paused the client's limiter; other failures back off exponentially.
		if transport.StatusCode != http.StatusTooManyRequests {
			backoff := time.Duration(1<<attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", "", ctx.Err()
			}
		}
	}

	return "", "", fmt.Errorf("login failed after retries: %w", lastErr)
}

func extractRoomDomain(room string) string {
	if idx := strings.Index(room, ":"); idx != -1 && idx+1 < len(room) {
		return room[idx+1:]
	}
	return ""
}

func cleanBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if idx := strings.Index(trimmed, "/_matrix"); idx != -1 {
		return trimmed[:idx]
	}
	return trimmed
}

func localpart(userID string) string {
	if strings.HasPrefix(userID, "@") {
		userID = strings.TrimPrefix(userID, "@")
		if idx := strings.Index(userID, ":"); idx != -1 {
			return userID[:idx]
		}
	}
	return userID
}
