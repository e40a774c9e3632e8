package peerchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzhttp"

	"github.com/NeboLoop/peerchat-go-sdk/wire"
)

// HistoryRequest selects one page of the conversation between Local and Peer.
type HistoryRequest struct {
	Local Identity
	Peer  Identity
	Page  int // 1-based; 0 means the first page
	Limit int // 0 means the server default
}

// HistoryFetcher loads persisted messages, oldest first.
type HistoryFetcher interface {
	History(ctx context.Context, req HistoryRequest) ([]Message, error)
}

// FallbackSender submits a message over HTTP when the channel is unavailable
// and returns it as persisted.
type FallbackSender interface {
	SendMessage(ctx context.Context, sender, receiver Identity, content string) (Message, error)
}

// APIClient talks to the chat REST API. It works independently of the
// channel; no live connection is needed.
type APIClient struct {
	apiBase    string
	httpClient *http.Client
}

// NewAPIClient creates a REST client for cfg. Responses are requested and
// decoded with gzip transparently.
func NewAPIClient(cfg Config) *APIClient {
	cfg = cfg.withDefaults()
	return &APIClient{
		apiBase: resolveAPIBase(cfg),
		httpClient: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: gzhttp.Transport(http.DefaultTransport),
		},
	}
}

// APIBase returns the resolved REST base URL.
func (c *APIClient) APIBase() string { return c.apiBase }

// History implements HistoryFetcher.
func (c *APIClient) History(ctx context.Context, req HistoryRequest) ([]Message, error) {
	resp, err := c.HistoryPage(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, messageFromWire(m, OriginHistory))
	}
	return out, nil
}

// HistoryPage returns one raw page of history with its paging counters.
// A 403 means the users are not connected and surfaces as *AuthorizationError.
func (c *APIClient) HistoryPage(ctx context.Context, req HistoryRequest) (*wire.ChatHistoryResponse, error) {
	if !req.Local.Valid() || !req.Peer.Valid() {
		return nil, ErrInvalidIdentity
	}
	params := url.Values{}
	params.Set("current_user_id", req.Local.String())
	if req.Page > 0 {
		params.Set("page", strconv.Itoa(req.Page))
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	path := "/chat/history/" + req.Peer.String() + "?" + params.Encode()

	var resp wire.ChatHistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage implements FallbackSender.
func (c *APIClient) SendMessage(ctx context.Context, sender, receiver Identity, content string) (Message, error) {
	if !sender.Valid() || !receiver.Valid() {
		return Message{}, ErrInvalidIdentity
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, invalidState("empty content")
	}
	path := "/chat/send?sender_id=" + sender.String()
	var out wire.MessageOut
	if err := c.doJSON(ctx, http.MethodPost, path, wire.MessageCreate{
		ReceiverID: int64(receiver),
		Content:    content,
	}, &out); err != nil {
		return Message{}, err
	}
	return messageFromWire(out, OriginLive), nil
}

// ConnectedPeers lists the users id may chat with.
func (c *APIClient) ConnectedPeers(ctx context.Context, id Identity) ([]wire.UserOut, error) {
	if !id.Valid() {
		return nil, ErrInvalidIdentity
	}
	var out []wire.UserOut
	if err := c.doJSON(ctx, http.MethodGet, "/chat/connected-users/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- HTTP helpers ---

func (c *APIClient) doJSON(ctx context.Context, method, path string, reqBody any, dest any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		detail := errorDetail(b)
		if resp.StatusCode == http.StatusForbidden {
			return &AuthorizationError{Detail: detail}
		}
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Detail: detail}
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// errorDetail extracts {"detail": "..."} or falls back to the raw body.
func errorDetail(body []byte) string {
	var d wire.ErrorDetail
	if json.Unmarshal(body, &d) == nil && d.Detail != "" {
		return d.Detail
	}
	return strings.TrimSpace(string(body))
}
