package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codematch-backend/internal/queue"
	"codematch-backend/internal/storage"
)

type fakeQuestions struct{}

func (fakeQuestions) Random(ctx context.Context, difficulty string, topics []string) (string, error) {
	return "q1", nil
}

func (fakeQuestions) Topics(ctx context.Context, questionID string) ([]string, error) {
	return []string{"arrays"}, nil
}

// fakeMatchmaker records lifecycle calls without driving the real state
// machine.
type fakeMatchmaker struct {
	mu       sync.Mutex
	found    []*storage.MatchProposal
	accepted []string
	declined []string
}

func (f *fakeMatchmaker) HandleFound(ctx context.Context, p *storage.MatchProposal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.found = append(f.found, p)
	return nil
}

func (f *fakeMatchmaker) Accept(ctx context.Context, matchID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, matchID+"/"+userID)
	return nil
}

func (f *fakeMatchmaker) Decline(ctx context.Context, matchID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, matchID+"/"+userID)
	return nil
}

type gatewayFixture struct {
	storage *storage.Storage
	matches *fakeMatchmaker
	server  *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := storage.NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	st := &storage.Storage{Redis: rc}
	qm := queue.NewManager(st, time.Hour)
	finder := queue.NewFinder(st, fakeQuestions{}, time.Hour, time.Minute)
	matches := &fakeMatchmaker{}
	gw := NewManager(st, qm, finder, matches)

	r := chi.NewRouter()
	r.Get("/ws/match/{userID}", gw.HandleMatchWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &gatewayFixture{storage: st, matches: matches, server: srv}
}

func (f *gatewayFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/match/" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]interface{}
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestJoinQueueOverWebSocket(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "u1")

	require.NoError(t, ws.WriteJSON(Intent{
		Type:       IntentJoinQueue,
		Difficulty: storage.DifficultyEasy,
		Language:   "go",
		Topics:     []string{"arrays"},
	}))

	frame := readFrame(t, ws)
	assert.Equal(t, "queue_joined", frame["event"])

	entry, err := f.storage.Redis.GetQueueEntry(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "go", entry.Language)
}

func TestJoinQueueRejectsBadDifficulty(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "u1")

	require.NoError(t, ws.WriteJSON(Intent{
		Type:       IntentJoinQueue,
		Difficulty: "impossible",
		Language:   "go",
	}))

	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["event"])

	entry, err := f.storage.Redis.GetQueueEntry(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestJoinQueueRejectsWhileMatchPending(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	p := &storage.MatchProposal{
		ID:         "m1",
		Users:      [2]string{"u1", "u2"},
		Status:     storage.MatchPending,
		Difficulty: storage.DifficultyEasy,
		Language:   "go",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.storage.Redis.CreateProposal(ctx, p, time.Minute))

	ws := f.dial(t, "u1")
	require.NoError(t, ws.WriteJSON(Intent{
		Type:       IntentJoinQueue,
		Difficulty: storage.DifficultyEasy,
		Language:   "go",
	}))

	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["event"])
	assert.Contains(t, frame["message"], "active match")
}

func TestSecondJoinTriggersMatchSearch(t *testing.T) {
	f := newGatewayFixture(t)

	ws1 := f.dial(t, "u1")
	require.NoError(t, ws1.WriteJSON(Intent{
		Type: IntentJoinQueue, Difficulty: storage.DifficultyEasy, Language: "go",
	}))
	readFrame(t, ws1)

	ws2 := f.dial(t, "u2")
	require.NoError(t, ws2.WriteJSON(Intent{
		Type: IntentJoinQueue, Difficulty: storage.DifficultyEasy, Language: "go",
	}))
	readFrame(t, ws2)

	require.Eventually(t, func() bool {
		f.matches.mu.Lock()
		defer f.matches.mu.Unlock()
		return len(f.matches.found) == 1
	}, 3*time.Second, 10*time.Millisecond)

	f.matches.mu.Lock()
	proposal := f.matches.found[0]
	f.matches.mu.Unlock()
	assert.ElementsMatch(t, []string{"u1", "u2"}, proposal.Users[:])
}

func TestAcceptIntentRequiresMatchID(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "u1")

	require.NoError(t, ws.WriteJSON(Intent{Type: IntentAcceptMatch}))
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["event"])
}

func TestAcceptIntentDispatches(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "u1")

	require.NoError(t, ws.WriteJSON(Intent{Type: IntentAcceptMatch, MatchID: "m1"}))

	require.Eventually(t, func() bool {
		f.matches.mu.Lock()
		defer f.matches.mu.Unlock()
		return len(f.matches.accepted) == 1 && f.matches.accepted[0] == "m1/u1"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUnknownIntent(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "u1")

	require.NoError(t, ws.WriteJSON(Intent{Type: "self_destruct"}))
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["event"])
}

func TestLastConnectionWins(t *testing.T) {
	f := newGatewayFixture(t)

	ws1 := f.dial(t, "u1")
	ws2 := f.dial(t, "u1")

	// The first socket is closed by the server when the second registers.
	ws1.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws1.ReadMessage()
	require.Error(t, err)

	// The replacement socket still works.
	require.NoError(t, ws2.WriteJSON(Intent{
		Type: IntentJoinQueue, Difficulty: storage.DifficultyEasy, Language: "go",
	}))
	frame := readFrame(t, ws2)
	assert.Equal(t, "queue_joined", frame["event"])
}

func TestDisconnectLeavesQueue(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "u1")

	require.NoError(t, ws.WriteJSON(Intent{
		Type: IntentJoinQueue, Difficulty: storage.DifficultyEasy, Language: "go",
	}))
	readFrame(t, ws)
	ws.Close()

	require.Eventually(t, func() bool {
		entry, err := f.storage.Redis.GetQueueEntry(context.Background(), "u1")
		return err == nil && entry == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBusEventReachesSocket(t *testing.T) {
	f := newGatewayFixture(t)
	ws := f.dial(t, "u1")

	// The server-side subscription may still be settling; republish until
	// the frame comes through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.storage.Redis.PublishUserEvent(context.Background(), "u1",
					[]byte(`{"event":"match_found","data":{"matchId":"m1"}}`))
			}
		}
	}()

	frame := readFrame(t, ws)
	assert.Equal(t, "match_found", frame["event"])
}
