package match

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"codematch-backend/internal/logger"
	"codematch-backend/internal/storage"
)

// Processor runs the background task server: match deadline checks and
// periodic queue cleanup. Deadline tasks never mutate match state — they
// publish a timeout signal on the bus and the Lifecycle does the write.
type Processor struct {
	storage         *storage.Storage
	server          *asynq.Server
	client          *asynq.Client
	cleanupInterval time.Duration
}

func NewProcessor(st *storage.Storage, redisURL string, cleanupInterval time.Duration) (*Processor, error) {
	opt, err := asynqRedisOpt(redisURL)
	if err != nil {
		return nil, err
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"timeouts": 6,
			"default":  3,
			"cleanup":  1,
		},
		StrictPriority: true,
	})

	return &Processor{
		storage:         st,
		server:          server,
		client:          asynq.NewClient(opt),
		cleanupInterval: cleanupInterval,
	}, nil
}

func (p *Processor) Start(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskMatchTimeout, p.handleTimeoutTask)
	mux.HandleFunc(TaskCleanupExpired, p.handleCleanupTask)

	go func() {
		if err := p.server.Run(mux); err != nil {
			logger.Error("task server stopped", "error", err)
		}
	}()

	go p.startPeriodicCleanup(ctx)

	logger.Info("background processor started")
	return nil
}

func (p *Processor) Stop() {
	p.server.Shutdown()
	_ = p.client.Close()
}

// handleTimeoutTask checks whether the match is still pending when its
// acceptance window elapses, and if so publishes the timeout signal.
func (p *Processor) handleTimeoutTask(ctx context.Context, task *asynq.Task) error {
	var payload timeoutPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	proposal, err := p.storage.Redis.GetProposal(ctx, payload.MatchID)
	if errors.Is(err, storage.ErrMatchNotFound) {
		// Record expired or was resolved and cleaned up; nothing to signal.
		return nil
	}
	if err != nil {
		return err
	}
	if proposal.Status != storage.MatchPending {
		return nil
	}

	logger.Info("acceptance window elapsed", "matchId", payload.MatchID)
	return p.storage.Redis.PublishTimeout(ctx, payload.MatchID)
}

// handleCleanupTask prunes partition members whose metadata TTL ran out,
// so an abandoned entry cannot shadow a partition slot forever.
func (p *Processor) handleCleanupTask(ctx context.Context, task *asynq.Task) error {
	pruned, err := p.storage.Redis.PruneQueues(ctx)
	if err != nil {
		return err
	}
	if pruned > 0 {
		logger.Info("pruned orphaned queue entries", "count", pruned)
	}
	return nil
}

func (p *Processor) startPeriodicCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task := asynq.NewTask(TaskCleanupExpired, nil)
			if _, err := p.client.Enqueue(task, asynq.Queue("cleanup")); err != nil {
				logger.Error("enqueueing cleanup task failed", "error", err)
			}
		}
	}
}
