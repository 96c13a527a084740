package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	DefaultAPIBase = "https://api.telegram.org"

	// MaxMessageLength is the Bot API limit for a sendMessage text, counted
	// in UTF-16 code units.
	MaxMessageLength = 4096
)

// TokenSource resolves the bot token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// sendMessageRequest is the body of a sendMessage call. ChatID is either an
// int64 or a string, as the Bot API accepts both.
type sendMessageRequest struct {
	ChatID any    `json:"chat_id"`
	Text   string `json:"text"`
}

// apiResponse is the generic Bot API response wrapper.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// HTTPStatusError describes a failed Bot API call. The bot token is part of
// the request URL, so only the method name is kept.
type HTTPStatusError struct {
	StatusCode  int
	Method      string
	Description string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("telegram: %s failed with status %d: %s", e.Method, e.StatusCode, e.Description)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client delivers replies through the Telegram Bot API.
type Client struct {
	apiBase    string
	httpClient *http.Client
	tokens     TokenSource
}

type Option func(*Client)

func WithAPIBase(apiBase string) Option {
	return func(c *Client) {
		if base := strings.TrimSpace(apiBase); base != "" {
			c.apiBase = base
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client that authenticates with the bot token from ts.
func NewClient(ts TokenSource, opts ...Option) (*Client, error) {
	if ts == nil {
		return nil, errors.New("telegram: token source must not be nil")
	}
	c := &Client{
		apiBase:    DefaultAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     ts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) methodURL(token, method string) string {
	return strings.TrimRight(c.apiBase, "/") + "/bot" + token + "/" + method
}

// SendMessage sends text to the chat, truncated to MaxMessageLength UTF-16 code units.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return errors.New("telegram: chat id must not be empty")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("telegram: resolve bot token: %w", err)
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID: chatIDValue(chatID),
		Text:   Truncate(text, MaxMessageLength),
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(token, "sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.httpClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		// url.Error embeds the request URL, which carries the token.
		return fmt.Errorf("telegram: sendMessage request failed: %w", redact(err, token))
	}
	defer func() { _ = res.Body.Close() }()

	buf, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	var payload apiResponse
	decErr := json.Unmarshal(buf, &payload)

	if res.StatusCode < 200 || res.StatusCode >= 300 || (decErr == nil && !payload.OK) {
		desc := payload.Description
		if desc == "" {
			desc = http.StatusText(res.StatusCode)
		}
		return &HTTPStatusError{StatusCode: res.StatusCode, Method: "sendMessage", Description: desc}
	}
	return nil
}

// Truncate cuts s to at most maxUnits UTF-16 code units. Characters outside
// the Basic Multilingual Plane take two units and are never split.
func Truncate(s string, maxUnits int) string {
	if maxUnits <= 0 {
		return ""
	}
	n := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if w < 0 {
			w = 1
		}
		if n+w > maxUnits {
			return s[:i]
		}
		n += w
	}
	return s
}

func chatIDValue(chatID string) any {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return id
	}
	return chatID
}

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}
