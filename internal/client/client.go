// Package client provides a REST and event-stream client for the journal
// chat backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/journalchat/internal/metrics"
	"github.com/raphaelgruber/journalchat/internal/models"
)

// Stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// DefaultBaseURL is the backend address of a local development setup.
const DefaultBaseURL = "http://localhost:8000/api"

// StreamHandle delivers the events of one open stream.
type StreamHandle interface {
	// Next blocks until the next event arrives. It returns io.EOF when the
	// backend ends the stream, ErrStreamClosed after Close, and *FrameError
	// for a frame that could not be decoded (the stream stays usable).
	Next() (Event, error)
	// Close releases the connection. It is idempotent.
	Close() error
}

// Client talks to the journal backend. It does no caching and no retries.
type Client struct {
	baseURL    string
	transport  string
	httpClient *http.Client
	streamHTTP *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the timeout for REST calls. Streams are bounded only by
// their context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithStreamTransport selects TransportSSE or TransportWebSocket.
func WithStreamTransport(name string) Option {
	return func(c *Client) { c.transport = name }
}

// WithLogger sets the logger used for request logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records request timings into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPTransport replaces the underlying round tripper (for testing).
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
		c.streamHTTP.Transport = rt
	}
}

// New creates a new backend client. An empty baseURL uses DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		transport:  TransportSSE,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: http.DefaultTransport},
		streamHTTP: &http.Client{Transport: http.DefaultTransport},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.httpClient.Transport = &loggingTransport{next: c.httpClient.Transport, logger: c.logger}
	c.streamHTTP.Transport = &loggingTransport{next: c.streamHTTP.Transport, logger: c.logger}

	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// errorBody covers the error shapes the backend uses.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// decodeAPIError builds an *APIError from a non-2xx response.
func decodeAPIError(resp *http.Response, method, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	apiErr := &APIError{StatusCode: resp.StatusCode, Method: method, Path: path}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		var detail string
		if len(eb.Detail) > 0 && json.Unmarshal(eb.Detail, &detail) != nil {
			// Structured validation details are kept as raw JSON.
			detail = string(eb.Detail)
		}
		apiErr.Message = firstNonEmpty(detail, eb.Error, eb.Message)
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// do sends a JSON request and decodes a JSON response into result (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, result any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordTiming(metrics.OpRequest, time.Since(start), err != nil)
	}()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp, method, path)
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sessionPath(id string, suffix ...string) string {
	return "/chat/sessions/" + url.PathEscape(id) + strings.Join(suffix, "")
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// CreateSessionInput is the input for creating a session.
type CreateSessionInput struct {
	Title        string  `json:"title"`
	PersonaID    *string `json:"persona_id,omitempty"`
	FirstMessage *string `json:"first_message,omitempty"`
}

// CreateSession creates a new chat session, optionally persisting a first
// user message in the same request.
func (c *Client) CreateSession(ctx context.Context, input CreateSessionInput) (*models.ChatSession, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return nil, validationError("session title must not be empty")
	}
	if input.FirstMessage != nil && strings.TrimSpace(*input.FirstMessage) == "" {
		return nil, validationError("first message must not be empty")
	}

	var session models.ChatSession
	if err := c.do(ctx, http.MethodPost, "/chat/sessions", input, &session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

// GetSession retrieves session metadata.
func (c *Client) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	if id == "" {
		return nil, validationError("session id must not be empty")
	}

	var session models.ChatSession
	if err := c.do(ctx, http.MethodGet, sessionPath(id), nil, &session); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &session, nil
}

// ListMessages returns the message history of a session in display order.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	if sessionID == "" {
		return nil, validationError("session id must not be empty")
	}

	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "/messages"), nil, &messages); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", sessionID, err)
	}
	return messages, nil
}

// UpdateSessionInput is the input for updating a session. Nil fields are left unchanged.
type UpdateSessionInput struct {
	Title     *string `json:"title,omitempty"`
	PersonaID *string `json:"persona_id,omitempty"`
}

// UpdateSession renames a session or changes its persona.
func (c *Client) UpdateSession(ctx context.Context, id string, input UpdateSessionInput) (*models.ChatSession, error) {
	if id == "" {
		return nil, validationError("session id must not be empty")
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, validationError("session title must not be empty")
		}
		input.Title = &title
	}
	if input.Title == nil && input.PersonaID == nil {
		return nil, validationError("nothing to update")
	}

	var session models.ChatSession
	if err := c.do(ctx, http.MethodPatch, sessionPath(id), input, &session); err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	return &session, nil
}

// DeleteSession deletes a session and its history.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return validationError("session id must not be empty")
	}
	if err := c.do(ctx, http.MethodDelete, sessionPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Sortable session fields and directions.
var (
	SessionSortFields = []string{"created_at", "updated_at", "last_accessed_at", "title"}
	SortDirections    = []string{"asc", "desc"}
)

// ListSessionsOptions configures session listing. Zero values use the
// backend defaults (first page, 20 per page, most recently updated first).
type ListSessionsOptions struct {
	Page     int
	PageSize int
	SortBy   string
	SortDir  string
}

// ListSessions returns one page of sessions.
func (c *Client) ListSessions(ctx context.Context, opts ListSessionsOptions) (*models.SessionPage, error) {
	if opts.Page < 0 || opts.PageSize < 0 {
		return nil, validationError("page and page size must not be negative")
	}
	if opts.SortBy != "" && !slices.Contains(SessionSortFields, opts.SortBy) {
		return nil, validationError("unknown sort field %q", opts.SortBy)
	}
	if opts.SortDir != "" && !slices.Contains(SortDirections, opts.SortDir) {
		return nil, validationError("unknown sort direction %q", opts.SortDir)
	}

	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.SortBy != "" {
		q.Set("sort_by", opts.SortBy)
	}
	if opts.SortDir != "" {
		q.Set("sort_dir", opts.SortDir)
	}

	path := "/chat/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page models.SessionPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &page, nil
}

// GetStatsForSessions fetches sidebar statistics for many sessions in one
// request. Sessions the backend does not know are absent from the result.
func (c *Client) GetStatsForSessions(ctx context.Context, ids []string) (map[string]models.SessionStats, error) {
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(unique, id) {
			unique = append(unique, id)
		}
	}
	if len(unique) == 0 {
		return map[string]models.SessionStats{}, nil
	}

	body := struct {
		SessionIDs []string `json:"session_ids"`
	}{unique}

	stats := map[string]models.SessionStats{}
	if err := c.do(ctx, http.MethodPost, "/chat/sessions/stats", body, &stats); err != nil {
		return nil, fmt.Errorf("get session stats: %w", err)
	}
	return stats, nil
}

// =============================================================================
// MESSAGE & STREAM OPERATIONS
// =============================================================================

// PostMessage persists a user message. The assistant reply is delivered on
// the session's stream.
func (c *Client) PostMessage(ctx context.Context, sessionID, content string) error {
	if sessionID == "" {
		return validationError("session id must not be empty")
	}
	if strings.TrimSpace(content) == "" {
		return validationError("message must not be empty")
	}

	body := struct {
		Content string `json:"content"`
	}{content}

	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/messages"), body, nil); err != nil {
		return fmt.Errorf("post message to %s: %w", sessionID, err)
	}
	return nil
}

// OpenStream opens the token stream for a session using the configured
// transport. The returned handle must be closed by the caller.
func (c *Client) OpenStream(ctx context.Context, sessionID string) (StreamHandle, error) {
	if sessionID == "" {
		return nil, validationError("session id must not be empty")
	}

	if c.transport == TransportWebSocket {
		s, err := c.dialStream(ctx, sessionPath(sessionID, "/ws"))
		if err != nil {
			return nil, fmt.Errorf("open stream for %s: %w", sessionID, err)
		}
		return s, nil
	}

	path := sessionPath(sessionID, "/stream")
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("open stream for %s: %w: %v", sessionID, ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, fmt.Errorf("open stream for %s: %w", sessionID, decodeAPIError(resp, http.MethodGet, path))
	}

	return newSSEStream(resp.Body, cancel), nil
}

// =============================================================================
// PERSONA OPERATIONS
// =============================================================================

// PersonaInput is the input for creating a persona.
type PersonaInput struct {
	Name         string `json:"name"`
	Icon         string `json:"icon,omitempty"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt"`
	IsDefault    bool   `json:"is_default,omitempty"`
}

// PersonaUpdate is the input for updating a persona. Nil fields are left unchanged.
type PersonaUpdate struct {
	Name         *string `json:"name,omitempty"`
	Icon         *string `json:"icon,omitempty"`
	Description  *string `json:"description,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	IsDefault    *bool   `json:"is_default,omitempty"`
}

// ListPersonas returns all personas.
func (c *Client) ListPersonas(ctx context.Context) ([]models.Persona, error) {
	var personas []models.Persona
	if err := c.do(ctx, http.MethodGet, "/personas", nil, &personas); err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	return personas, nil
}

// CreatePersona creates a new persona.
func (c *Client) CreatePersona(ctx context.Context, input PersonaInput) (*models.Persona, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return nil, validationError("persona name must not be empty")
	}

	var persona models.Persona
	if err := c.do(ctx, http.MethodPost, "/personas", input, &persona); err != nil {
		return nil, fmt.Errorf("create persona: %w", err)
	}
	return &persona, nil
}

// UpdatePersona updates an existing persona.
func (c *Client) UpdatePersona(ctx context.Context, id string, input PersonaUpdate) (*models.Persona, error) {
	if id == "" {
		return nil, validationError("persona id must not be empty")
	}
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return nil, validationError("persona name must not be empty")
	}

	var persona models.Persona
	if err := c.do(ctx, http.MethodPatch, "/personas/"+url.PathEscape(id), input, &persona); err != nil {
		return nil, fmt.Errorf("update persona %s: %w", id, err)
	}
	return &persona, nil
}

// DeletePersona deletes a persona by ID.
func (c *Client) DeletePersona(ctx context.Context, id string) error {
	if id == "" {
		return validationError("persona id must not be empty")
	}
	if err := c.do(ctx, http.MethodDelete, "/personas/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete persona %s: %w", id, err)
	}
	return nil
}
