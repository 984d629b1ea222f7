// Package remote talks to the conversation service that stored
// conversations are reconciled against.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UpdateChunkSize is the maximum number of messages sent per /update call.
const UpdateChunkSize = 1000

const defaultTimeout = 30 * time.Second

// APIError represents a non-2xx response from the conversation service.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("conversation service error (%d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("conversation service error (%d)", e.Status)
}

// Message is the wire shape of one message in an /update call.
type Message struct {
	MessageID   string `json:"messageId"`
	MessageData any    `json:"messageData"`
}

// ConversationInfo is the subset of the /info response the sync engine
// cares about: whether the remote side already holds any messages.
type ConversationInfo struct {
	Messages []json.RawMessage `json:"messages"`
}

// HasMessages reports whether the remote side already has data for the
// conversation, which makes a push redundant.
func (i *ConversationInfo) HasMessages() bool {
	return i != nil && len(i.Messages) > 0
}

type infoRequest struct {
	BusinessID   string  `json:"businessId"`
	BusinessType string  `json:"businessType"`
	Cursor       *string `json:"cursor"`
	Length       int     `json:"length"`
	AllMainData  bool    `json:"allMainData"`
}

type updateRequest struct {
	BusinessID   string    `json:"businessId"`
	BusinessType string    `json:"businessType"`
	Messages     []Message `json:"messages"`
}

// Client is an HTTP client for the conversation service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient constructs a conversation service client. timeout bounds each
// individual request; zero means a 30 second default.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// GetConversationInfo fetches the remote state of a conversation.
func (c *Client) GetConversationInfo(ctx context.Context, businessID string) (*ConversationInfo, error) {
	req := infoRequest{
		BusinessID:   businessID,
		BusinessType: "conversation",
		Length:       10,
		AllMainData:  true,
	}
	var info ConversationInfo
	if err := c.doJSON(ctx, "/info", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateConversation pushes the conversation's messages to the remote
// service, chunked at UpdateChunkSize per request. Each chunk is an
// independent request; a failed chunk does not stop the remaining chunks,
// and all chunk errors are joined into the returned error.
func (c *Client) UpdateConversation(ctx context.Context, businessID string, messages []Message) error {
	var errs []error
	for start := 0; start < len(messages); start += UpdateChunkSize {
		end := start + UpdateChunkSize
		if end > len(messages) {
			end = len(messages)
		}
		req := updateRequest{
			BusinessID:   businessID,
			BusinessType: "conversation",
			Messages:     messages[start:end],
		}
		var ack json.RawMessage
		if err := c.doJSON(ctx, "/update", req, &ack); err != nil {
			errs = append(errs, fmt.Errorf("chunk at offset %d: %w", start, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to update conversation %s: %w", businessID, joinErrors(errs))
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn().
			Str("path", path).
			Str("request_id", requestID).
			Int("status", resp.StatusCode).
			Msg("Conversation service returned an error")
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		if err = json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return fmt.Errorf("%d chunk errors: %s", len(errs), strings.Join(parts, "; "))
}
