package match

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"codematch-backend/internal/logger"
)

// Task types handled by the background processor.
const (
	TaskMatchTimeout   = "match:timeout"
	TaskCleanupExpired = "cleanup:expired"
)

type timeoutPayload struct {
	MatchID string `json:"matchId"`
}

// asynqRedisOpt derives the asynq connection options from the same URL the
// rest of the service uses.
func asynqRedisOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	}, nil
}

// Scheduler arms one bounded-delay deadline task per proposed match. There
// is no cancel: a deadline firing against an already-resolved match is a
// no-op on the consuming side.
type Scheduler struct {
	client *asynq.Client
	window time.Duration
}

func NewScheduler(redisURL string, acceptWindow time.Duration) (*Scheduler, error) {
	opt, err := asynqRedisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		client: asynq.NewClient(opt),
		window: acceptWindow,
	}, nil
}

func (s *Scheduler) Arm(matchID string) error {
	payload, err := json.Marshal(timeoutPayload{MatchID: matchID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskMatchTimeout, payload)
	_, err = s.client.Enqueue(task,
		asynq.ProcessIn(s.window),
		asynq.Queue("timeouts"),
	)
	if err != nil {
		return err
	}

	logger.Debug("acceptance deadline armed", "matchId", matchID, "window", s.window)
	return nil
}

func (s *Scheduler) Close() error {
	return s.client.Close()
}
