package match

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codematch-backend/internal/storage"
)

func newProcessorFixture(t *testing.T) (*miniredis.Miniredis, *storage.Storage, *Processor) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := storage.NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	st := &storage.Storage{Redis: rc}
	return mr, st, &Processor{storage: st}
}

func timeoutTask(t *testing.T, matchID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(timeoutPayload{MatchID: matchID})
	require.NoError(t, err)
	return asynq.NewTask(TaskMatchTimeout, payload)
}

func TestTimeoutTaskSignalsPendingMatch(t *testing.T) {
	_, st, p := newProcessorFixture(t)
	ctx := context.Background()

	proposal := &storage.MatchProposal{
		ID:         "m1",
		Users:      [2]string{"u1", "u2"},
		Status:     storage.MatchPending,
		Difficulty: storage.DifficultyEasy,
		Language:   "go",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.Redis.CreateProposal(ctx, proposal, time.Minute))

	pubsub := st.Redis.SubscribeTimeouts(ctx)
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	require.NoError(t, p.handleTimeoutTask(ctx, timeoutTask(t, "m1")))

	raw, err := pubsub.ReceiveTimeout(ctx, 3*time.Second)
	require.NoError(t, err)
	msg, ok := raw.(*redis.Message)
	require.True(t, ok, "expected a message, got %T", raw)
	assert.Equal(t, "m1", msg.Payload)
}

func TestTimeoutTaskIgnoresResolvedMatch(t *testing.T) {
	_, st, p := newProcessorFixture(t)
	ctx := context.Background()

	proposal := &storage.MatchProposal{
		ID:         "m1",
		Users:      [2]string{"u1", "u2"},
		Status:     storage.MatchPending,
		Difficulty: storage.DifficultyEasy,
		Language:   "go",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.Redis.CreateProposal(ctx, proposal, time.Minute))
	won, err := st.Redis.TransitionStatus(ctx, "m1",
		storage.MatchPending, storage.MatchAccepted, nil)
	require.NoError(t, err)
	require.True(t, won)

	pubsub := st.Redis.SubscribeTimeouts(ctx)
	defer pubsub.Close()
	_, err = pubsub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	require.NoError(t, p.handleTimeoutTask(ctx, timeoutTask(t, "m1")))

	raw, err := pubsub.ReceiveTimeout(ctx, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("unexpected timeout signal for resolved match: %v", raw)
	}
}

func TestTimeoutTaskIgnoresMissingMatch(t *testing.T) {
	_, _, p := newProcessorFixture(t)

	assert.NoError(t, p.handleTimeoutTask(context.Background(), timeoutTask(t, "gone")))
}

func TestCleanupTaskPrunesOrphans(t *testing.T) {
	mr, st, p := newProcessorFixture(t)
	ctx := context.Background()

	require.NoError(t, st.Redis.AddToQueue(ctx, &storage.QueueEntry{
		UserID:     "u1",
		Difficulty: storage.DifficultyEasy,
		Language:   "go",
		JoinedAt:   time.Now().UTC(),
	}, time.Minute))

	// Expire the metadata key while the partition member lingers.
	mr.FastForward(2 * time.Minute)

	require.NoError(t, p.handleCleanupTask(ctx, asynq.NewTask(TaskCleanupExpired, nil)))

	counts, err := st.Redis.PartitionCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts["easy:go"])
}
