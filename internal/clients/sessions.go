package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type CreateSessionRequest struct {
	Participants []string `json:"participants"`
	QuestionID   string   `json:"questionId"`
	Difficulty   string   `json:"difficulty"`
	Topics       []string `json:"topics"`
	Language     string   `json:"language"`
}

// SessionClient talks to the external collaboration-session service.
type SessionClient struct {
	baseURL string
	http    *http.Client
}

func NewSessionClient(baseURL string, timeout time.Duration) *SessionClient {
	return &SessionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Create provisions a collaboration session for a fully accepted match.
func (c *SessionClient) Create(ctx context.Context, req CreateSessionRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("session service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("session service returned status %d", resp.StatusCode)
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if body.SessionID == "" {
		return "", fmt.Errorf("session service returned an empty session id")
	}
	return body.SessionID, nil
}

// Delete tears down a session as a compensating action. The endpoint is
// idempotent: a 404 counts as success.
func (c *SessionClient) Delete(ctx context.Context, sessionID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/internal/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("session service request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return fmt.Errorf("session service returned status %d", resp.StatusCode)
}
