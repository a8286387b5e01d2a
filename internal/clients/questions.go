package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoQuestion is returned when the question service has no question for
// the requested difficulty/topic filter. Callers treat this as a normal
// negative result, not an infrastructure failure.
var ErrNoQuestion = errors.New("no question matches the requested filters")

type Question struct {
	ID     string   `json:"questionId"`
	Title  string   `json:"title"`
	Topics []string `json:"topics"`
}

// QuestionClient talks to the external question service.
type QuestionClient struct {
	baseURL string
	http    *http.Client
}

func NewQuestionClient(baseURL string, timeout time.Duration) *QuestionClient {
	return &QuestionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Random asks for a random question id filtered by difficulty and topics
// (csv, empty = any). A 404 maps to ErrNoQuestion.
func (c *QuestionClient) Random(ctx context.Context, difficulty string, topics []string) (string, error) {
	q := url.Values{}
	q.Set("difficulty", difficulty)
	q.Set("topics", strings.Join(topics, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/random?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("question service request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrNoQuestion
	default:
		return "", fmt.Errorf("question service returned status %d", resp.StatusCode)
	}

	var body struct {
		QuestionID string `json:"questionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding question response: %w", err)
	}
	if body.QuestionID == "" {
		return "", ErrNoQuestion
	}
	return body.QuestionID, nil
}

// Get fetches the full question, including its own topic list.
func (c *QuestionClient) Get(ctx context.Context, questionID string) (*Question, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(questionID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("question service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("question service returned status %d", resp.StatusCode)
	}

	var question Question
	if err := json.NewDecoder(resp.Body).Decode(&question); err != nil {
		return nil, fmt.Errorf("decoding question: %w", err)
	}
	if question.ID == "" {
		question.ID = questionID
	}
	return &question, nil
}

// Topics returns the question's own topic list, used to resolve session
// topics when both matched users joined with wildcard topics.
func (c *QuestionClient) Topics(ctx context.Context, questionID string) ([]string, error) {
	question, err := c.Get(ctx, questionID)
	if err != nil {
		return nil, err
	}
	return question.Topics, nil
}
