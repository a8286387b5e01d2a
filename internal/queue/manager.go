package queue

import (
	"context"
	"fmt"
	"time"

	"codematch-backend/internal/logger"
	"codematch-backend/internal/storage"
)

// Manager owns the waiting lists: one ordered partition per
// (difficulty, language) pair, all state in the shared store.
type Manager struct {
	storage  *storage.Storage
	entryTTL time.Duration
}

func NewManager(storage *storage.Storage, entryTTL time.Duration) *Manager {
	return &Manager{
		storage:  storage,
		entryTTL: entryTTL,
	}
}

// Join inserts the entry into its partition. Any previous entry for the
// same user — in any partition — is removed first, so a user waits in at
// most one place. A zero JoinedAt is stamped with the current time;
// a non-zero one is preserved, which is how a declined user's partner is
// re-queued at their original position.
func (m *Manager) Join(ctx context.Context, entry storage.QueueEntry) error {
	if _, err := m.storage.Redis.RemoveFromQueue(ctx, entry.UserID); err != nil {
		return fmt.Errorf("clearing previous queue entry: %w", err)
	}

	if entry.JoinedAt.IsZero() {
		entry.JoinedAt = time.Now().UTC()
	}
	if err := m.storage.Redis.AddToQueue(ctx, &entry, m.entryTTL); err != nil {
		return fmt.Errorf("adding to queue: %w", err)
	}

	logger.Info("user joined queue",
		"userId", entry.UserID,
		"difficulty", entry.Difficulty,
		"language", entry.Language,
		"topics", entry.Topics,
	)
	return nil
}

// Leave removes the user from whatever partition they are in. Not being
// queued is not an error.
func (m *Manager) Leave(ctx context.Context, userID string) error {
	removed, err := m.storage.Redis.RemoveFromQueue(ctx, userID)
	if err != nil {
		return fmt.Errorf("removing from queue: %w", err)
	}
	if removed {
		logger.Info("user left queue", "userId", userID)
	}
	return nil
}

// ListPartition returns the partition's waiting users, oldest join first.
func (m *Manager) ListPartition(ctx context.Context, difficulty, language string) ([]storage.QueueEntry, error) {
	return m.storage.Redis.ListPartition(ctx, difficulty, language)
}

// PartitionCounts reports waiting-user counts per partition.
func (m *Manager) PartitionCounts(ctx context.Context) (map[string]int64, error) {
	return m.storage.Redis.PartitionCounts(ctx)
}
