// Package client talks to one backend instance's Session API. Errors
// are opaque to callers beyond the transient/permanent split decided by
// the retry package's classifier.
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
	"strings"
	"time"
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// HTTPStatus lets the retry classifier see the status without
// depending on this package.
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type SessionInfo struct {
	SessionID  string `json:"session_id"`
	Model      string `json:"model,omitempty"`
	Mode       string `json:"mode,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
}

type CreateSessionRequest struct {
	WorkingDir string `json:"working_dir,omitempty"`
	Model      string `json:"model,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// ForkPoint names where a fork branches: a turn index or a message id,
// never both.
type ForkPoint struct {
	TurnIndex *int   `json:"turn_index,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

func (p ForkPoint) Validate() error {
	if p.TurnIndex == nil && strings.TrimSpace(p.MessageID) == "" {
		return errors.New("fork point requires a turn index or a message id")
	}
	if p.TurnIndex != nil && strings.TrimSpace(p.MessageID) != "" {
		return errors.New("fork point cannot carry both a turn index and a message id")
	}
	if p.TurnIndex != nil && *p.TurnIndex < 0 {
		return fmt.Errorf("negative turn index %d", *p.TurnIndex)
	}
	return nil
}

type ReasoningRecord struct {
	BlockID string `json:"block_id"`
	Text    string `json:"text"`
}

type ToolCallRecord struct {
	CallID      string `json:"call_id"`
	ToolName    string `json:"tool_name"`
	Status      string `json:"status"`
	Output      string `json:"output,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
}

type TranscriptEntry struct {
	MessageID string            `json:"message_id"`
	TurnIndex int               `json:"turn_index"`
	Role      string            `json:"role"`
	Text      string            `json:"text,omitempty"`
	Reasoning []ReasoningRecord `json:"reasoning,omitempty"`
	ToolCalls []ToolCallRecord  `json:"tool_calls,omitempty"`
}

// Transcript is the backend's durable record of a session. It is the
// source of truth for what actually happened in a turn.
type Transcript struct {
	SessionID string            `json:"session_id"`
	TurnCount int               `json:"turn_count"`
	Entries   []TranscriptEntry `json:"entries"`
}

// FindMessage resolves a message id against the transcript.
func (t Transcript) FindMessage(messageID string) (TranscriptEntry, bool) {
	for _, entry := range t.Entries {
		if entry.MessageID == messageID {
			return entry, true
		}
	}
	return TranscriptEntry{}, false
}

func (c *Client) CreateSession(ctx context.Context, request CreateSessionRequest) (SessionInfo, error) {
	var info SessionInfo
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", request, &info)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("create session: %w", err)
	}
	return info, nil
}

func (c *Client) ResumeSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	if err := requireID(sessionID); err != nil {
		return SessionInfo{}, err
	}
	var info SessionInfo
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/resume", nil, &info)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("resume session: %w", err)
	}
	return info, nil
}

func (c *Client) ForkSession(ctx context.Context, parentID string, point ForkPoint) (SessionInfo, error) {
	if err := requireID(parentID); err != nil {
		return SessionInfo{}, err
	}
	if err := point.Validate(); err != nil {
		return SessionInfo{}, err
	}
	var info SessionInfo
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(parentID)+"/fork", point, &info)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("fork session: %w", err)
	}
	return info, nil
}

func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	if err := requireID(sessionID); err != nil {
		return err
	}
	payload := map[string]string{"prompt": prompt}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/prompt", payload, nil); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

func (c *Client) GetTranscript(ctx context.Context, sessionID string) (Transcript, error) {
	if err := requireID(sessionID); err != nil {
		return Transcript{}, err
	}
	var transcript Transcript
	err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/transcript", nil, &transcript)
	if err != nil {
		return Transcript{}, fmt.Errorf("get transcript: %w", err)
	}
	return transcript, nil
}

func (c *Client) Abort(ctx context.Context, sessionID string) error {
	if err := requireID(sessionID); err != nil {
		return err
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/abort", nil, nil); err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	return nil
}

func (c *Client) RespondToPermission(ctx context.Context, sessionID, requestID string, approve bool) error {
	if err := requireID(sessionID); err != nil {
		return err
	}
	if err := requireID(requestID); err != nil {
		return err
	}
	payload := map[string]bool{"approve": approve}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/permissions/" + url.PathEscape(requestID)
	if err := c.doJSON(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("respond to permission: %w", err)
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id is required")
	}
	return nil
}

func readErrorMessage(response *http.Response) string {
	if response == nil {
		return "request failed"
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, 8192))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return response.Status
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return payload.Error
	}
	return text
}
