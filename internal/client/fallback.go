package client

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
	"time"

	"conversation-service/internal/apperror"
	"conversation-service/internal/models"
)

// FallbackClient talks to the request/response gateway. It carries the
// same operations as the live channel, answered synchronously.
type FallbackClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewFallbackClient builds a client for baseURL. httpClient may be nil.
func NewFallbackClient(baseURL, token string, httpClient *http.Client) *FallbackClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &FallbackClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// HistoryPage is one page of GET /conversations/:id/messages.
type HistoryPage struct {
	Messages   []models.Message `json:"messages"`
	NextBefore string           `json:"nextBefore,omitempty"`
}

type CreateConversationRequest struct {
	ParticipantIDs []string                `json:"participantIds"`
	Kind           models.ConversationKind `json:"kind,omitempty"`
	Title          string                  `json:"title,omitempty"`
	ImageURL       string                  `json:"imageUrl,omitempty"`
}

func (f *FallbackClient) CreateConversation(ctx context.Context, req CreateConversationRequest) (models.Conversation, error) {
	var conv models.Conversation
	err := f.do(ctx, "client.create_conversation", http.MethodPost, "/conversations", req, &conv)
	return conv, err
}

func (f *FallbackClient) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	err := f.do(ctx, "client.conversations", http.MethodGet, "/conversations", nil, &resp)
	return resp.Conversations, err
}

// History fetches up to limit messages older than before; a zero before
// means the newest page.
func (f *FallbackClient) History(ctx context.Context, conversationID string, before time.Time, limit int) (HistoryPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page HistoryPage
	err := f.do(ctx, "client.history", http.MethodGet, path, nil, &page)
	return page, err
}

func (f *FallbackClient) Send(ctx context.Context, req models.SendMessageRequest) (models.Message, error) {
	var msg models.Message
	path := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	err := f.do(ctx, "client.send", http.MethodPost, path, req, &msg)
	return msg, err
}

func (f *FallbackClient) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	var msg models.Message
	err := f.do(ctx, "client.edit", http.MethodPatch, "/messages/"+url.PathEscape(messageID), map[string]string{"content": content}, &msg)
	return msg, err
}

func (f *FallbackClient) Delete(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := f.do(ctx, "client.delete", http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, &msg)
	return msg, err
}

func (f *FallbackClient) MarkRead(ctx context.Context, conversationID, uptoMessageID string) error {
	body := map[string]string{}
	if uptoMessageID != "" {
		body["uptoMessageId"] = uptoMessageID
	}
	return f.do(ctx, "client.mark_read", http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", body, nil)
}

func (f *FallbackClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return apperror.TransientFailure(op, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errorFromResponse(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func errorFromResponse(op string, resp *http.Response) error {
	var body struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	cause := fmt.Errorf("status %d", resp.StatusCode)

	switch {
	case body.Retryable || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode >= http.StatusInternalServerError:
		return apperror.TransientFailure(op, body.Error, cause)
	case resp.StatusCode == http.StatusUnauthorized:
		return apperror.New(apperror.Authentication, op, body.Error, cause)
	case resp.StatusCode == http.StatusForbidden:
		return apperror.New(apperror.Ownership, op, body.Error, cause)
	case resp.StatusCode == http.StatusNotFound:
		return apperror.New(apperror.NotFound, op, body.Error, cause)
	default:
		return apperror.New(apperror.Validation, op, body.Error, cause)
	}
}
