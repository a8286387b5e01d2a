package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codematch-backend/internal/clients"
	"codematch-backend/internal/logger"
	"codematch-backend/internal/storage"
)

// QuestionProvider is the slice of the question service the finder needs.
type QuestionProvider interface {
	Random(ctx context.Context, difficulty string, topics []string) (string, error)
	Topics(ctx context.Context, questionID string) ([]string, error)
}

// Finder scans a candidate's partition for the first compatible partner
// and turns the pair into a pending MatchProposal.
type Finder struct {
	storage     *storage.Storage
	questions   QuestionProvider
	entryTTL    time.Duration
	proposalTTL time.Duration
}

func NewFinder(storage *storage.Storage, questions QuestionProvider, entryTTL, proposalTTL time.Duration) *Finder {
	return &Finder{
		storage:     storage,
		questions:   questions,
		entryTTL:    entryTTL,
		proposalTTL: proposalTTL,
	}
}

// FindMatch walks the candidate's partition in join order and pairs the
// candidate with the first topic-compatible user. Returns (nil, nil) when
// no compatible pair exists right now; the candidate stays queued.
func (f *Finder) FindMatch(ctx context.Context, candidate storage.QueueEntry) (*storage.MatchProposal, error) {
	entries, err := f.storage.Redis.ListPartition(ctx, candidate.Difficulty, candidate.Language)
	if err != nil {
		return nil, fmt.Errorf("listing partition: %w", err)
	}

	for _, other := range entries {
		if other.UserID == candidate.UserID {
			continue
		}
		topics, compatible := matchTopics(candidate.Topics, other.Topics)
		if !compatible {
			continue
		}

		// Both-or-neither dequeue; a concurrent finder that already took
		// either user makes the claim come back empty and the scan moves on.
		// The claim also writes both pending-match indexes, so a join racing
		// the proposal write is refused rather than double-matched.
		matchID := newMatchID()
		claimed, err := f.storage.Redis.ClaimPair(ctx,
			candidate.Difficulty, candidate.Language,
			candidate.UserID, other.UserID, matchID, f.proposalTTL)
		if err != nil {
			return nil, fmt.Errorf("claiming pair: %w", err)
		}
		if claimed == nil {
			continue
		}

		proposal, err := f.provision(ctx, matchID, claimed[0], claimed[1], topics)
		if err != nil {
			// The pair is already dequeued and indexed: release the indexes,
			// then restore both at their original positions before reporting
			// no-match, so nobody is stranded.
			f.requeue(ctx, claimed)
			if errors.Is(err, clients.ErrNoQuestion) {
				logger.Info("no question available for pair, both re-queued",
					"difficulty", candidate.Difficulty,
					"language", candidate.Language,
					"topics", topics,
				)
				return nil, nil
			}
			return nil, err
		}

		logger.Info("match proposed",
			"matchId", proposal.ID,
			"users", proposal.Users,
			"questionId", proposal.QuestionID,
			"topics", proposal.Topics,
		)
		return proposal, nil
	}

	return nil, nil
}

// provision resolves a question for the pair and persists the pending
// proposal under the matchID the claim already indexed.
func (f *Finder) provision(ctx context.Context, matchID string, candidate, other storage.QueueEntry, topics []string) (*storage.MatchProposal, error) {
	questionID, err := f.questions.Random(ctx, candidate.Difficulty, topics)
	if err != nil {
		return nil, err
	}

	// Both sides wildcarded: take the question's own topics so session
	// metadata is never empty.
	resolved := topics
	if len(resolved) == 0 {
		resolved, err = f.questions.Topics(ctx, questionID)
		if err != nil {
			return nil, fmt.Errorf("resolving question topics: %w", err)
		}
	}

	proposal := &storage.MatchProposal{
		ID:         matchID,
		Users:      [2]string{candidate.UserID, other.UserID},
		Status:     storage.MatchPending,
		QuestionID: questionID,
		Difficulty: candidate.Difficulty,
		Language:   candidate.Language,
		Topics:     resolved,
		Entries: map[string]storage.QueueEntry{
			candidate.UserID: candidate,
			other.UserID:     other,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := f.storage.Redis.CreateProposal(ctx, proposal, f.proposalTTL); err != nil {
		return nil, fmt.Errorf("persisting proposal: %w", err)
	}
	return proposal, nil
}

func (f *Finder) requeue(ctx context.Context, entries []storage.QueueEntry) {
	userIDs := make([]string, len(entries))
	for i, entry := range entries {
		userIDs[i] = entry.UserID
	}
	// The claim indexed both users as matched; release them or the
	// re-insert below is refused.
	if err := f.storage.Redis.ClearPendingUsers(ctx, userIDs...); err != nil {
		logger.Error("failed to release pending indexes", "users", userIDs, "error", err)
		return
	}

	for _, entry := range entries {
		if err := f.storage.Redis.AddToQueue(ctx, &entry, f.entryTTL); err != nil {
			logger.Error("failed to restore user to queue",
				"userId", entry.UserID, "error", err)
		}
	}
}

// matchTopics applies the wildcard/intersection rule: an empty side matches
// anything and the result is the other side's set; otherwise the result is
// the intersection, and an empty intersection means incompatible.
func matchTopics(a, b []string) ([]string, bool) {
	if len(a) == 0 {
		return b, true
	}
	if len(b) == 0 {
		return a, true
	}

	have := make(map[string]bool, len(b))
	for _, t := range b {
		have[t] = true
	}
	var common []string
	for _, t := range a {
		if have[t] {
			common = append(common, t)
		}
	}
	if len(common) == 0 {
		return nil, false
	}
	return common, true
}

// newMatchID is time-derived so records sort naturally in debugging tools;
// the uuid fragment keeps ids from colliding within one millisecond.
func newMatchID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
