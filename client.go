// Package pollchat is a client and synchronization engine for a polling-based
// one-to-one chat service.
//
// The Client wraps the REST surface. The engine on top of it (Sidebar,
// Conversation, App) keeps a local view of the directory, presence, unread
// counts and the active conversation current by periodic polling, and makes
// sure overlapping or late responses never corrupt that view.
//
// Example:
//
//	client := pollchat.NewClient(
//		pollchat.WithBaseURL("http://localhost:8000/api"),
//		pollchat.WithTokenStore(pollchat.NewMemoryTokens(pollchat.Tokens{})),
//	)
//	if _, err := client.Login(ctx, "alice", "secret"); err != nil { ... }
//
//	app := pollchat.NewApp(client)
//	if err := app.Start(ctx); err != nil { ... }
//	app.SelectUser(ctx, &users[0])
//	app.Conversation().Send(ctx, "hello")
package pollchat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL      = "http://localhost:8000/api"
	DefaultRegisterPath = "/register/"
	DefaultTimeout      = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL      string
	registerPath string
	httpClient   *http.Client
	tokens       TokenStore
	logger       zerolog.Logger
	metrics      *Metrics
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenStore sets where credentials are read from and written to.
func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) { c.tokens = store }
}

func WithRegisterPath(path string) ClientOption {
	return func(c *Client) { c.registerPath = path }
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a chat service client. Without WithTokenStore the
// client keeps credentials in memory.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		registerPath: DefaultRegisterPath,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.tokens == nil {
		c.tokens = NewMemoryTokens(Tokens{})
	}
	return c
}

// Tokens returns the credential store in use.
func (c *Client) Tokens() TokenStore { return c.tokens }

// BaseURL returns the service root, without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, endpoint, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeRequest(endpoint, 0, time.Since(start))
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.observeRequest(endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	c.logger.Debug().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: strings.TrimSpace(string(data))}
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Detail = payload.Detail
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

func doJSON[T any](ctx context.Context, c *Client, endpoint, method, path string, body interface{}, query map[string]string) (*T, error) {
	data, err := c.doRequest(ctx, endpoint, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](data)
}

func userQuery(id UserID) map[string]string {
	return map[string]string{"user_id": strconv.FormatInt(int64(id), 10)}
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a token pair and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (*Tokens, error) {
	body := map[string]string{"username": username, "password": password}
	tokens, err := doJSON[Tokens](ctx, c, "login", http.MethodPost, "/login/", body, nil)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.SetTokens(*tokens); err != nil {
		return nil, errors.Wrap(err, "failed to store tokens")
	}
	return tokens, nil
}

// Register creates an account. Username, password and secret are checked
// locally first; a server-side validation failure comes back as *APIError
// with the service's message.
func (c *Client) Register(ctx context.Context, r RegisterRequest) (*Account, error) {
	switch {
	case strings.TrimSpace(r.Username) == "":
		return nil, errors.Wrap(ErrMissingField, "username")
	case r.Password == "":
		return nil, errors.Wrap(ErrMissingField, "password")
	case strings.TrimSpace(r.Secret) == "":
		return nil, errors.Wrap(ErrMissingField, "secret")
	}
	return doJSON[Account](ctx, c, "register", http.MethodPost, c.registerPath, r, nil)
}

// Me returns the authenticated identity.
func (c *Client) Me(ctx context.Context) (*Me, error) {
	return doJSON[Me](ctx, c, "me", http.MethodGet, "/me/", nil, nil)
}

// ============================================================================
// Directory and presence
// ============================================================================

// Users lists every other account with its last message preview.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	users, err := doJSON[[]User](ctx, c, "users", http.MethodGet, "/users/", nil, nil)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// Presence returns the presence of every known user.
func (c *Client) Presence(ctx context.Context) ([]PresenceRecord, error) {
	recs, err := doJSON[[]PresenceRecord](ctx, c, "presence", http.MethodGet, "/presence/", nil, nil)
	if err != nil {
		return nil, err
	}
	return *recs, nil
}

// ============================================================================
// Messages
// ============================================================================

// Messages returns the full, ordered message list between the caller and
// peer.
func (c *Client) Messages(ctx context.Context, peer UserID) ([]Message, error) {
	msgs, err := doJSON[[]Message](ctx, c, "messages.list", http.MethodGet, "/chat/messages/", nil, userQuery(peer))
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// SendMessage posts content to receiver and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, receiver UserID, content string) (*Message, error) {
	body := sendMessageRequest{Receiver: receiver, Content: content}
	return doJSON[Message](ctx, c, "messages.create", http.MethodPost, "/chat/messages/", body, nil)
}

// UnreadCounts returns per-sender unread counts for the caller.
func (c *Client) UnreadCounts(ctx context.Context) ([]UnreadCount, error) {
	counts, err := doJSON[[]UnreadCount](ctx, c, "unread", http.MethodGet, "/chat/unread_counts/", nil, nil)
	if err != nil {
		return nil, err
	}
	return *counts, nil
}

// ============================================================================
// Blocking
// ============================================================================

func (c *Client) BlockStatus(ctx context.Context, peer UserID) (BlockState, error) {
	state, err := doJSON[BlockState](ctx, c, "block.status", http.MethodGet, "/chat/block/status/", nil, userQuery(peer))
	if err != nil {
		return BlockState{}, err
	}
	return *state, nil
}

func (c *Client) Block(ctx context.Context, peer UserID) error {
	_, err := c.doRequest(ctx, "block.create", http.MethodPost, "/chat/block/", blockRequest{UserID: peer}, nil)
	return err
}

func (c *Client) Unblock(ctx context.Context, peer UserID) error {
	_, err := c.doRequest(ctx, "block.delete", http.MethodDelete, "/chat/block/", nil, userQuery(peer))
	return err
}
