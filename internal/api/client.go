// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/model"
)

// Configuration constants for the backend client.
const (
	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// DefaultStreamIdleTimeout cancels a stream when no bytes arrive for
	// this long. Zero disables the watchdog.
	DefaultStreamIdleTimeout = 2 * time.Minute

	// MaxResponseSize is the maximum allowed non-streaming response body.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 4 * 1024 * 1024 // 4MB
)

// Endpoint paths, relative to the base URL.
const (
	pathLogin      = "/api/v1/auth/login"
	pathRegister   = "/api/v1/auth/register"
	pathSessions   = "/api/v1/auth/sessions"
	pathSession    = "/api/v1/auth/session"
	pathHistory    = "/api/v1/chatbot/messages"
	pathChatStream = "/api/v1/chatbot/chat/stream"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ChatMessage is the wire format for a single message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// historyResponse is the message-history envelope.
type historyResponse struct {
	Messages []ChatMessage `json:"messages"`
}

// RegisterResult is the outcome of a successful registration: the new
// user's token plus the initial session the backend created for them.
type RegisterResult struct {
	UserToken model.Token   `json:"-"`
	Session   model.Session `json:"session"`

	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the parley backend. It holds no tokens; every call
// takes its bearer explicitly so the controller stays the single owner of
// credential state.
type Client struct {
	mu      sync.RWMutex
	baseURL string

	// httpClient serves bounded request/response calls.
	httpClient *http.Client

	// streamClient serves streaming calls. No client-level timeout; the
	// stream is bounded by context cancellation and the idle watchdog.
	streamClient *http.Client

	idleTimeout time.Duration
	log         zerolog.Logger
}

// NewClient creates a client for the given base URL (trailing slash
// stripped). An empty base URL falls back to DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Transport: transport, Timeout: DefaultTimeout},
		streamClient: &http.Client{Transport: transport},
		idleTimeout:  DefaultStreamIdleTimeout,
		log:          zerolog.Nop(),
	}
}

// WithTimeout sets the non-streaming request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// WithIdleTimeout sets the streaming idle watchdog window. Zero disables
// the watchdog entirely.
func (c *Client) WithIdleTimeout(timeout time.Duration) *Client {
	c.idleTimeout = timeout
	return c
}

// WithLogger sets the logger used for request/response logging.
func (c *Client) WithLogger(log zerolog.Logger) *Client {
	c.log = log
	return c
}

// SetBaseURL swaps the backend base URL. Safe to call while requests are
// in flight; only subsequent requests see the new URL.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimSuffix(baseURL, "/")
}

// BaseURL returns the current backend base URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// endpoint joins the base URL with a path.
func (c *Client) endpoint(path string) string {
	return c.BaseURL() + path
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// do executes a request, logging method, path, status, and duration.
// Bodies and bearers are never logged.
func (c *Client) do(client *http.Client, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		c.log.Debug().Str("method", req.Method).Str("path", req.URL.Path).
			Dur("duration", time.Since(start)).Err(err).Msg("request failed")
		return nil, err
	}
	c.log.Debug().Str("method", req.Method).Str("path", req.URL.Path).
		Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("request")
	return resp, nil
}

// readBody reads a response body with a size limit.
// SECURITY: Response size limit prevents memory exhaustion.
func readBody(resp *http.Response) ([]byte, error) {
	// Read one byte past the limit so a body of exactly MaxResponseSize is
	// still accepted; only the extra byte marks an oversized response.
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// isSuccess reports whether the status is in the 2xx range.
func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// isAuthRevoked reports whether the status indicates a revoked bearer.
func isAuthRevoked(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// setBearer attaches an Authorization header.
func setBearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

// =============================================================================
// AUTH OPERATIONS
// =============================================================================

// Login exchanges credentials for a user token using a form-encoded
// credentials grant. The caller persists the token and fetches or creates
// a session; Login itself mutates nothing.
func (c *Client) Login(ctx context.Context, email, password string) (model.Token, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)
	form.Set("grant_type", "password")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathLogin),
		strings.NewReader(form.Encode()))
	if err != nil {
		return model.Token{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return model.Token{}, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return model.Token{}, err
	}
	if !isSuccess(resp.StatusCode) {
		return model.Token{}, &AuthError{
			Status: resp.StatusCode,
			Detail: errorDetail(body, "login failed"),
		}
	}

	var token model.Token
	if err := json.Unmarshal(body, &token); err != nil {
		return model.Token{}, fmt.Errorf("failed to parse login response: %w", err)
	}
	return token, nil
}

// Register creates a new account and returns the user token plus the
// initial session the backend provisions alongside it.
func (c *Client) Register(ctx context.Context, email, password string) (*RegisterResult, error) {
	payload, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathRegister),
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &AuthError{
			Status: resp.StatusCode,
			Detail: errorDetail(body, "registration failed"),
		}
	}

	var result RegisterResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	result.UserToken = model.Token{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresAt:   result.ExpiresAt,
	}
	return &result, nil
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// ListSessions returns the sessions belonging to the user bearer, in
// server order.
func (c *Client) ListSessions(ctx context.Context, userToken string) ([]model.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pathSessions), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setBearer(req, userToken)

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("session list request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if isAuthRevoked(resp.StatusCode) {
		return nil, ErrSessionExpired
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &SessionError{
			Op:     "list sessions",
			Status: resp.StatusCode,
			Detail: errorDetail(body, "failed to load sessions"),
		}
	}

	var sessions []model.Session
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, fmt.Errorf("failed to parse session list: %w", err)
	}
	return sessions, nil
}

// CreateSession creates a new session under the user bearer. When name is
// non-empty the new session is immediately renamed using its OWN token;
// the backend authorizes renames per-session, not per-user. The created
// session is returned even when the follow-up rename fails, so the caller
// can still adopt it.
func (c *Client) CreateSession(ctx context.Context, userToken, name string) (model.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathSession), nil)
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to create request: %w", err)
	}
	setBearer(req, userToken)

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return model.Session{}, fmt.Errorf("session create request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return model.Session{}, err
	}
	if isAuthRevoked(resp.StatusCode) {
		return model.Session{}, ErrSessionExpired
	}
	if !isSuccess(resp.StatusCode) {
		return model.Session{}, &SessionError{
			Op:     "create session",
			Status: resp.StatusCode,
			Detail: errorDetail(body, "failed to create session"),
		}
	}

	var session model.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return model.Session{}, fmt.Errorf("failed to parse created session: %w", err)
	}

	if strings.TrimSpace(name) != "" {
		renamed, err := c.RenameSession(ctx, session, name)
		if err != nil {
			return session, err
		}
		session = renamed
	}
	return session, nil
}

// RenameSession renames a session, authorized by the session's own token.
// The name is trimmed first; an empty result is a no-op that returns the
// session unchanged.
func (c *Client) RenameSession(ctx context.Context, session model.Session, name string) (model.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return session, nil
	}

	form := url.Values{}
	form.Set("name", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.endpoint(pathSession+"/"+url.PathEscape(session.ID)+"/name"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return session, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	setBearer(req, session.Token.AccessToken)

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return session, fmt.Errorf("session rename request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return session, err
	}
	if isAuthRevoked(resp.StatusCode) {
		return session, ErrSessionExpired
	}
	if !isSuccess(resp.StatusCode) {
		return session, &SessionError{
			Op:     "rename session",
			Status: resp.StatusCode,
			Detail: errorDetail(body, "failed to rename session"),
		}
	}

	var updated model.Session
	if err := json.Unmarshal(body, &updated); err != nil {
		return session, fmt.Errorf("failed to parse renamed session: %w", err)
	}
	// Some backends omit the token from the rename response; keep the one
	// we already hold.
	if updated.Token.IsZero() {
		updated.Token = session.Token
	}
	return updated, nil
}

// DeleteSession revokes a session, authorized by the session's own token.
// The caller removes it from the collection on success.
func (c *Client) DeleteSession(ctx context.Context, session model.Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.endpoint(pathSession+"/"+url.PathEscape(session.ID)), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	setBearer(req, session.Token.AccessToken)

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return fmt.Errorf("session delete request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return err
	}
	if isAuthRevoked(resp.StatusCode) {
		return ErrSessionExpired
	}
	if !isSuccess(resp.StatusCode) {
		return &SessionError{
			Op:     "delete session",
			Status: resp.StatusCode,
			Detail: errorDetail(body, "failed to delete session"),
		}
	}
	return nil
}

// =============================================================================
// HISTORY
// =============================================================================

// History fetches the message history for the session bearer, in server
// order. The controller replays it at most once per session activation.
func (c *Client) History(ctx context.Context, sessionToken string) ([]ChatMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pathHistory), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setBearer(req, sessionToken)

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if isAuthRevoked(resp.StatusCode) {
		return nil, ErrSessionExpired
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &SessionError{
			Op:     "load history",
			Status: resp.StatusCode,
			Detail: errorDetail(body, "failed to load history"),
		}
	}

	var history historyResponse
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	return history.Messages, nil
}
