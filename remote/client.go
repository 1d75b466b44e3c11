package remote

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

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://conversations.example.com"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client implements Provider against the service's REST surface.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	events     EventSource
	logger     *zap.Logger
}

var _ Provider = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithEventSource attaches the push feed returned by Events.
func WithEventSource(src EventSource) ClientOption {
	return func(c *Client) { c.events = src }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a new service client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Events returns the attached feed, or a nil channel when none is attached.
func (c *Client) Events() <-chan Event {
	if c.events == nil {
		return nil
	}
	return c.events.Events()
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", errors.Join(ErrUnavailable, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", errors.Join(ErrUnavailable, err))
	}
	return resp.StatusCode, data, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do performs a request and decodes the envelope's data into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values, out interface{}) error {
	status, data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return err
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		if status >= 300 {
			return &APIError{Status: status, Code: "HTTP_" + strconv.Itoa(status), Message: snippet(data)}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if status >= 300 || !res.OK {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
		}
		apiErr.Status = status
		return apiErr
	}
	if out != nil {
		if err := res.Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max]
	}
	return s
}

func convPath(sid string, parts ...string) string {
	p := "/v1/conversations/" + url.PathEscape(sid)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func indexPart(index int64) string {
	return strconv.FormatInt(index, 10)
}

// ============================================================================
// Conversations
// ============================================================================

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, nil, &out)
	return out, err
}

func (c *Client) Conversation(ctx context.Context, sidOrUniqueName string) (Conversation, error) {
	var out Conversation
	err := c.do(ctx, http.MethodGet, convPath(sidOrUniqueName), nil, nil, &out)
	return out, err
}

func (c *Client) CreateConversation(ctx context.Context, friendlyName string) (Conversation, error) {
	var out Conversation
	err := c.do(ctx, http.MethodPost, "/v1/conversations", map[string]string{"friendlyName": friendlyName}, nil, &out)
	return out, err
}

func (c *Client) JoinConversation(ctx context.Context, sid string) error {
	return c.do(ctx, http.MethodPost, convPath(sid, "join"), nil, nil, nil)
}

func (c *Client) RenameConversation(ctx context.Context, sid, friendlyName string) error {
	return c.do(ctx, http.MethodPatch, convPath(sid), map[string]string{"friendlyName": friendlyName}, nil, nil)
}

func (c *Client) SetNotificationLevel(ctx context.Context, sid, level string) error {
	return c.do(ctx, http.MethodPut, convPath(sid, "notification-level"), map[string]string{"level": level}, nil, nil)
}

func (c *Client) LeaveConversation(ctx context.Context, sid string) error {
	return c.do(ctx, http.MethodPost, convPath(sid, "leave"), nil, nil, nil)
}

func (c *Client) DestroyConversation(ctx context.Context, sid string) error {
	return c.do(ctx, http.MethodDelete, convPath(sid), nil, nil, nil)
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) LastMessages(ctx context.Context, sid string, max int) ([]Message, error) {
	var out []Message
	q := url.Values{"last": {strconv.Itoa(max)}}
	err := c.do(ctx, http.MethodGet, convPath(sid, "messages"), nil, q, &out)
	return out, err
}

func (c *Client) MessagesBefore(ctx context.Context, sid string, index int64, max int) ([]Message, error) {
	var out []Message
	q := url.Values{"before": {indexPart(index)}, "limit": {strconv.Itoa(max)}}
	err := c.do(ctx, http.MethodGet, convPath(sid, "messages"), nil, q, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, sid string, msg OutgoingMessage) (Message, error) {
	var out Message
	err := c.do(ctx, http.MethodPost, convPath(sid, "messages"), msg, nil, &out)
	return out, err
}

func (c *Client) RemoveMessage(ctx context.Context, sid string, index int64) error {
	return c.do(ctx, http.MethodDelete, convPath(sid, "messages", indexPart(index)), nil, nil, nil)
}

func (c *Client) UpdateMessageAttributes(ctx context.Context, sid string, index int64, attrs json.RawMessage) error {
	return c.do(ctx, http.MethodPut, convPath(sid, "messages", indexPart(index), "attributes"), attrs, nil, nil)
}

func (c *Client) SetAllMessagesRead(ctx context.Context, sid string) error {
	return c.do(ctx, http.MethodPost, convPath(sid, "read"), nil, nil, nil)
}

func (c *Client) MediaContentURL(ctx context.Context, sid, mediaSid string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, convPath(sid, "media", url.PathEscape(mediaSid)), nil, nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("media %s: %w", mediaSid, ErrNotFound)
	}
	return out.URL, nil
}

// ============================================================================
// Participants
// ============================================================================

func (c *Client) Participants(ctx context.Context, sid string) ([]Participant, error) {
	var out []Participant
	err := c.do(ctx, http.MethodGet, convPath(sid, "participants"), nil, nil, &out)
	return out, err
}

func (c *Client) AddChatParticipant(ctx context.Context, sid, identity string) error {
	return c.do(ctx, http.MethodPost, convPath(sid, "participants"), map[string]string{"identity": identity}, nil, nil)
}

func (c *Client) AddNonChatParticipant(ctx context.Context, sid, address, proxyAddress string) error {
	payload := map[string]string{"address": address, "proxyAddress": proxyAddress}
	return c.do(ctx, http.MethodPost, convPath(sid, "participants"), payload, nil, nil)
}

func (c *Client) RemoveParticipant(ctx context.Context, sid, participantSid string) error {
	return c.do(ctx, http.MethodDelete, convPath(sid, "participants", url.PathEscape(participantSid)), nil, nil, nil)
}

func (c *Client) Typing(ctx context.Context, sid string) error {
	return c.do(ctx, http.MethodPost, convPath(sid, "typing"), nil, nil, nil)
}
