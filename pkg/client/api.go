// Package client is the Go SDK for the conversation API: a plain HTTP client
// plus a Conversation that keeps a live, reconciled view of one thread.
package client

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

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/chat"
	"matchtalk/pkg/consumer"
	"matchtalk/pkg/message"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 5
	DefaultOpenTimeout = 30 * time.Second
)

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// MaxFailures consecutive transient failures open the breaker for
	// OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
	Log         *zap.Logger
}

// APIClient calls the REST endpoints. Every call goes through one circuit
// breaker; while it is open calls fail fast with a transient error.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func NewAPIClient(opts Options) (*APIClient, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("client")

	st := gobreaker.Settings{
		Name:        "matchtalk-api",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		// rejected requests say nothing about the server's health
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &APIClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    opts.HTTPClient,
		cb:      gobreaker.NewCircuitBreaker(st),
		log:     log,
	}, nil
}

// BreakerState exposes the breaker for status displays.
func (c *APIClient) BreakerState() gobreaker.State {
	return c.cb.State()
}

// Send posts one message and returns the stored copy.
func (c *APIClient) Send(ctx context.Context, m message.Message) (message.Message, error) {
	req := chat.SendRequest{
		FromUserID:   m.FromUserID,
		ToUserID:     m.ToUserID,
		Text:         m.Text,
		ClientTempID: m.ClientTempID,
	}
	var stored message.Message
	err := c.do(ctx, http.MethodPost, conversationPath(m.ConversationID, "messages"), nil, req, &stored)
	if err != nil {
		return message.Message{}, err
	}
	return stored, nil
}

// Page fetches up to limit messages before the cursor, ascending.
func (c *APIClient) Page(ctx context.Context, conversationID string, before int64, limit int) ([]message.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	var page chat.Page
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), q, nil, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// MarkRead marks the conversation read up to readAt, or now when readAt is 0.
func (c *APIClient) MarkRead(ctx context.Context, conversationID string, readAt int64) (chat.ReadResult, error) {
	var req chat.ReadRequest
	if readAt > 0 {
		req.ReadAt = &readAt
	}
	var res chat.ReadResult
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, req, &res)
	return res, err
}

func (c *APIClient) Typing(ctx context.Context, conversationID string, typing bool) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "typing"), nil, chat.TypingRequest{Typing: &typing}, nil)
}

// SSE returns a stream transport authenticated like this client.
func (c *APIClient) SSE() *consumer.SSETransport {
	return &consumer.SSETransport{BaseURL: c.baseURL, Token: c.token, Client: &http.Client{}}
}

func (c *APIClient) WebSocket() *consumer.WSTransport {
	return &consumer.WSTransport{BaseURL: c.baseURL, Token: c.token, Dialer: websocket.DefaultDialer}
}

func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Transient("api unavailable", err)
	}
	return err
}

func (c *APIClient) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(b)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		err := apperr.FromResponse(resp, method+" "+path)
		c.log.Debug("request rejected", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Error(err))
		return err
	}
	if out == nil {
		return nil
	}
	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Parse("decode response", err)
	}
	if len(env.Data) == 0 {
		return apperr.Parse("decode response", errors.New("response has no data"))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperr.Parse("decode response data", err)
	}
	return nil
}

func conversationPath(conversationID, action string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/" + action
}
