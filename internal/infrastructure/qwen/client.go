package qwen

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qwenbridge/gateway/internal/domain/entity"
	apperrors "github.com/qwenbridge/gateway/pkg/errors"
)

const DefaultBaseURL = "https://chat.qwen.ai"

// Client is a thin HTTP client for the upstream web-chat API. It offers a
// buffered request/response mode and a streaming-response mode; streaming
// responses have no body timeout beyond the caller's context.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient creates an upstream client with browser-grade connection limits.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("component", "qwen-client")),
	}
}

// BaseURL returns the upstream origin.
func (c *Client) BaseURL() string { return c.baseURL }

// NewChat creates an upstream chat and returns its id.
func (c *Client) NewChat(ctx context.Context, ident *entity.Identity, model string, chatType entity.ChatType) (string, error) {
	body := NewChatRequest{
		Title:     "New Chat",
		Models:    []string{model},
		ChatMode:  "normal",
		ChatType:  EnvelopeChatType(chatType),
		Timestamp: time.Now().UnixMilli(),
	}

	var out NewChatResponse
	if err := c.postJSON(ctx, "/api/v2/chats/new", ident, body, &out); err != nil {
		return "", apperrors.NewCreateChatError("create chat request failed", err)
	}
	if out.Data.ID == "" {
		return "", apperrors.NewCreateChatError("create chat returned no id", nil)
	}
	return out.Data.ID, nil
}

// Completions posts the message envelope and returns the raw SSE response.
// The upstream always streams; non-streaming callers aggregate the stream.
// Callers own resp.Body. A non-2xx status is classified and returned as an
// error with the body drained and closed.
func (c *Client) Completions(ctx context.Context, ident *entity.Identity, chatID string, env *CompletionRequest, fallbackUsed bool) (*http.Response, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("marshal envelope", err)
	}

	endpoint := fmt.Sprintf("%s/api/v2/chat/completions?chat_id=%s", c.baseURL, url.QueryEscape(chatID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("create request", err)
	}
	req.Header = BuildHeaders(ident.Token, ident.Cookie, uuid.NewString())
	if fallbackUsed {
		AddBrowserFingerprint(req.Header, c.baseURL)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamUnavailableError("upstream unreachable: " + err.Error())
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp)
	}
	return resp, nil
}

// Models fetches the upstream model catalogue.
func (c *Client) Models(ctx context.Context, ident *entity.Identity) ([]ModelInfo, error) {
	var out modelsResponse
	if err := c.getJSON(ctx, "/api/models", ident, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ListChats returns one page of the identity's upstream chats, oldest last.
func (c *Client) ListChats(ctx context.Context, ident *entity.Identity, page int) ([]ChatSummary, error) {
	var out chatsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v2/chats/?page=%d", page), ident, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// DeleteChat removes one upstream chat. Best-effort housekeeping.
func (c *Client) DeleteChat(ctx context.Context, ident *entity.Identity, chatID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/v2/chats/"+url.PathEscape(chatID), nil)
	if err != nil {
		return err
	}
	req.Header = BuildHeaders(ident.Token, ident.Cookie, "")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return classifyStatus(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ExchangeToken trades a session cookie for a fresh bearer token.
func (c *Client) ExchangeToken(ctx context.Context, cookie string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/auths/", nil)
	if err != nil {
		return "", err
	}
	req.Header = BuildHeaders("", cookie, "")
	req.Header.Del("Authorization")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperrors.NewUpstreamUnavailableError("token exchange unreachable: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", classifyStatus(resp)
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if out.Token == "" {
		return "", apperrors.NewAuthInvalidError("token exchange returned empty token")
	}
	return out.Token, nil
}

// --- internal helpers ---

func (c *Client) postJSON(ctx context.Context, path string, ident *entity.Identity, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header = BuildHeaders(ident.Token, ident.Cookie, uuid.NewString())
	return c.doJSON(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, ident *entity.Identity, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header = BuildHeaders(ident.Token, ident.Cookie, "")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewUpstreamUnavailableError("upstream unreachable: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyStatus(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// classifyStatus converts a non-2xx upstream response into an AppError.
// The body is consumed here so the connection can be reused.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	resp.Body.Close()

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}

	// A 401/403, or a body complaining about the token, is a strong auth
	// signal: the identity must be quarantined and refreshed.
	lower := strings.ToLower(msg)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.NewUpstreamError(resp.StatusCode, msg)
	}
	if strings.Contains(lower, "token is invalid") || strings.Contains(lower, "token expired") {
		// Body says auth even when the status does not.
		return apperrors.NewUpstreamError(http.StatusUnauthorized, msg)
	}
	return apperrors.NewUpstreamError(resp.StatusCode, msg)
}
