package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuestionRandom(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/random", r.URL.Path)
		gotQuery = map[string]string{
			"difficulty": r.URL.Query().Get("difficulty"),
			"topics":     r.URL.Query().Get("topics"),
		}
		json.NewEncoder(w).Encode(map[string]string{"questionId": "q7"})
	}))
	defer srv.Close()

	c := NewQuestionClient(srv.URL, 2*time.Second)
	id, err := c.Random(context.Background(), "medium", []string{"graphs", "dp"})
	require.NoError(t, err)
	assert.Equal(t, "q7", id)
	assert.Equal(t, "medium", gotQuery["difficulty"])
	assert.Equal(t, "graphs,dp", gotQuery["topics"])
}

func TestQuestionRandomNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewQuestionClient(srv.URL, 2*time.Second)
	_, err := c.Random(context.Background(), "hard", nil)
	assert.ErrorIs(t, err, ErrNoQuestion)
}

func TestQuestionRandomServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewQuestionClient(srv.URL, 2*time.Second)
	_, err := c.Random(context.Background(), "easy", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoQuestion)
}

func TestQuestionTopics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/q7", r.URL.Path)
		json.NewEncoder(w).Encode(Question{ID: "q7", Title: "Two Sum", Topics: []string{"arrays", "hashing"}})
	}))
	defer srv.Close()

	c := NewQuestionClient(srv.URL, 2*time.Second)
	topics, err := c.Topics(context.Background(), "q7")
	require.NoError(t, err)
	assert.Equal(t, []string{"arrays", "hashing"}, topics)
}

func TestSessionCreate(t *testing.T) {
	var gotReq CreateSessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"sessionId": "s3"})
	}))
	defer srv.Close()

	c := NewSessionClient(srv.URL, 2*time.Second)
	id, err := c.Create(context.Background(), CreateSessionRequest{
		Participants: []string{"u1", "u2"},
		QuestionID:   "q7",
		Difficulty:   "medium",
		Topics:       []string{"graphs"},
		Language:     "go",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3", id)
	assert.Equal(t, []string{"u1", "u2"}, gotReq.Participants)
	assert.Equal(t, "q7", gotReq.QuestionID)
}

func TestSessionCreateEmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewSessionClient(srv.URL, 2*time.Second)
	_, err := c.Create(context.Background(), CreateSessionRequest{})
	assert.Error(t, err)
}

func TestSessionDeleteIdempotent(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/internal/sessions/s3", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewSessionClient(srv.URL, 2*time.Second)
	for _, status = range []int{http.StatusOK, http.StatusNoContent, http.StatusNotFound} {
		assert.NoError(t, c.Delete(context.Background(), "s3"))
	}

	status = http.StatusInternalServerError
	assert.Error(t, c.Delete(context.Background(), "s3"))
}
