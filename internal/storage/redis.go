package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMatchNotFound is returned when a match record is absent from the
// store, either because it never existed or because its TTL ran out.
var ErrMatchNotFound = errors.New("match not found")

// ErrUserInMatch is returned when a queue insert is refused because the
// user is part of a pending match.
var ErrUserInMatch = errors.New("user has a pending match")

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(ctx context.Context, redisURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Key layout:
//
//	queue:{difficulty}:{language}  ZSET  member=userID score=joinedAt(ns)
//	queue:user:{userID}            JSON of the user's full QueueEntry
//	match:{matchID}                HASH  flat proposal fields
//	match:{matchID}:accepted       SET   userIDs that accepted
//	match:user:{userID}            matchID while the user is in a pending match
func partitionKey(difficulty, language string) string {
	return fmt.Sprintf("queue:%s:%s", difficulty, language)
}

func queueUserKey(userID string) string {
	return "queue:user:" + userID
}

func matchKey(matchID string) string {
	return "match:" + matchID
}

func matchAcceptedKey(matchID string) string {
	return matchKey(matchID) + ":accepted"
}

func matchUserKey(userID string) string {
	return "match:user:" + userID
}

func userEventsChannel(userID string) string {
	return fmt.Sprintf("user:%s:events", userID)
}

const timeoutChannel = "match:timeouts"

// --- Queue operations ---

// addToQueueScript inserts the entry only while the user has no pending
// match. Checking the index and inserting in one script closes the window
// where a join could slip in between a pair claim and its proposal write.
var addToQueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("SET", KEYS[2], ARGV[3], "EX", ARGV[4])
return 1
`)

// AddToQueue inserts (or overwrites) the entry in its partition and stores
// the full entry keyed by userID so Leave can locate the partition later.
// Returns ErrUserInMatch while the user is indexed in a pending match.
func (r *RedisClient) AddToQueue(ctx context.Context, entry *QueueEntry, entryTTL time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	keys := []string{
		partitionKey(entry.Difficulty, entry.Language),
		queueUserKey(entry.UserID),
		matchUserKey(entry.UserID),
	}
	seconds := int64(entryTTL / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	n, err := addToQueueScript.Run(ctx, r.client, keys,
		entry.UserID, entry.JoinedAt.UnixNano(), data, seconds).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserInMatch
	}
	return nil
}

// GetQueueEntry returns the stored entry for userID, or nil when the user
// is not queued.
func (r *RedisClient) GetQueueEntry(ctx context.Context, userID string) (*QueueEntry, error) {
	data, err := r.client.Get(ctx, queueUserKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry QueueEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RemoveFromQueue removes the user from whatever partition the stored
// metadata points at. Returns false (not an error) when the user was not
// queued.
func (r *RedisClient) RemoveFromQueue(ctx context.Context, userID string) (bool, error) {
	entry, err := r.GetQueueEntry(ctx, userID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, partitionKey(entry.Difficulty, entry.Language), userID)
		p.Del(ctx, queueUserKey(userID))
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListPartition returns the partition's entries in ascending join order.
// Members whose metadata has expired are skipped.
func (r *RedisClient) ListPartition(ctx context.Context, difficulty, language string) ([]QueueEntry, error) {
	members, err := r.client.ZRange(ctx, partitionKey(difficulty, language), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = queueUserKey(m)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]QueueEntry, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var entry QueueEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PartitionCounts returns waiting-user counts keyed by
// "{difficulty}:{language}".
func (r *RedisClient) PartitionCounts(ctx context.Context) (map[string]int64, error) {
	keys, err := r.client.Keys(ctx, "queue:*").Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, key := range keys {
		if strings.HasPrefix(key, "queue:user:") {
			continue
		}
		n, err := r.client.ZCard(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		counts[strings.TrimPrefix(key, "queue:")] = n
	}
	return counts, nil
}

// claimPairScript removes both users from the partition, deletes their
// metadata and writes their pending-match indexes, returning the stored
// entries — or nothing if either user is no longer queued. Both-or-neither,
// and the indexes land in the same atomic step: from the moment a user is
// claimed there is no instant at which a concurrent join sees them as free.
var claimPairScript = redis.NewScript(`
local s1 = redis.call("ZSCORE", KEYS[1], ARGV[1])
local s2 = redis.call("ZSCORE", KEYS[1], ARGV[2])
local e1 = redis.call("GET", KEYS[2])
local e2 = redis.call("GET", KEYS[3])
if not s1 or not s2 or not e1 or not e2 then
	return {}
end
redis.call("ZREM", KEYS[1], ARGV[1], ARGV[2])
redis.call("DEL", KEYS[2], KEYS[3])
redis.call("SET", KEYS[4], ARGV[3], "EX", ARGV[4])
redis.call("SET", KEYS[5], ARGV[3], "EX", ARGV[4])
return {e1, e2}
`)

// ClaimPair atomically dequeues both users and indexes them as belonging
// to matchID. Returns (nil, nil) when the claim is lost to a concurrent
// caller.
func (r *RedisClient) ClaimPair(ctx context.Context, difficulty, language, user1, user2, matchID string, ttl time.Duration) ([]QueueEntry, error) {
	keys := []string{
		partitionKey(difficulty, language),
		queueUserKey(user1),
		queueUserKey(user2),
		matchUserKey(user1),
		matchUserKey(user2),
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	raw, err := claimPairScript.Run(ctx, r.client, keys, user1, user2, matchID, seconds).Slice()
	if err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, nil
	}

	entries := make([]QueueEntry, 2)
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected claim result %T", v)
		}
		if err := json.Unmarshal([]byte(s), &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// PruneQueues drops partition members whose metadata key has expired.
func (r *RedisClient) PruneQueues(ctx context.Context) (int64, error) {
	keys, err := r.client.Keys(ctx, "queue:*").Result()
	if err != nil {
		return 0, err
	}

	var pruned int64
	for _, key := range keys {
		if strings.HasPrefix(key, "queue:user:") {
			continue
		}
		members, err := r.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return pruned, err
		}
		for _, m := range members {
			exists, err := r.client.Exists(ctx, queueUserKey(m)).Result()
			if err != nil {
				return pruned, err
			}
			if exists == 0 {
				if err := r.client.ZRem(ctx, key, m).Err(); err != nil {
					return pruned, err
				}
				pruned++
			}
		}
	}
	return pruned, nil
}

// --- Match proposal operations ---

// CreateProposal persists the proposal hash plus the per-user pending
// indexes, all with the same TTL so an abandoned record cleans itself up.
func (r *RedisClient) CreateProposal(ctx context.Context, p *MatchProposal, ttl time.Duration) error {
	topics, err := json.Marshal(p.Topics)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"id":                p.ID,
		"user1":             p.Users[0],
		"user2":             p.Users[1],
		"status":            p.Status,
		"question_id":       p.QuestionID,
		"difficulty":        p.Difficulty,
		"language":          p.Language,
		"topics":            string(topics),
		"session_id":        p.SessionID,
		"declining_user_id": p.DecliningUserID,
		"created_at":        p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for userID, entry := range p.Entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		fields["entry:"+userID] = string(data)
	}

	key := matchKey(p.ID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		pipe.Set(ctx, matchUserKey(p.Users[0]), p.ID, ttl)
		pipe.Set(ctx, matchUserKey(p.Users[1]), p.ID, ttl)
		return nil
	})
	return err
}

func (r *RedisClient) GetProposal(ctx context.Context, matchID string) (*MatchProposal, error) {
	fields, err := r.client.HGetAll(ctx, matchKey(matchID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrMatchNotFound
	}

	p := &MatchProposal{
		ID:              fields["id"],
		Users:           [2]string{fields["user1"], fields["user2"]},
		Status:          fields["status"],
		QuestionID:      fields["question_id"],
		Difficulty:      fields["difficulty"],
		Language:        fields["language"],
		SessionID:       fields["session_id"],
		DecliningUserID: fields["declining_user_id"],
		Entries:         make(map[string]QueueEntry),
	}
	if raw := fields["topics"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Topics); err != nil {
			return nil, err
		}
	}
	if raw := fields["created_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			p.CreatedAt = t
		}
	}
	for field, value := range fields {
		if !strings.HasPrefix(field, "entry:") {
			continue
		}
		var entry QueueEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			continue
		}
		p.Entries[strings.TrimPrefix(field, "entry:")] = entry
	}

	accepted, err := r.client.SMembers(ctx, matchAcceptedKey(matchID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	p.AcceptedUsers = accepted

	return p, nil
}

// addAcceptanceScript records an acceptance only while the proposal is
// still pending, and reports the resulting acceptance count. -1 means the
// proposal is gone or already resolved.
var addAcceptanceScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "pending" then
	return -1
end
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("EXPIRE", KEYS[2], ARGV[2])
return redis.call("SCARD", KEYS[2])
`)

func (r *RedisClient) AddAcceptance(ctx context.Context, matchID, userID string, ttl time.Duration) (int64, error) {
	keys := []string{matchKey(matchID), matchAcceptedKey(matchID)}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return addAcceptanceScript.Run(ctx, r.client, keys, userID, seconds).Int64()
}

// transitionScript is the single compare-and-set point for proposal status:
// the write happens only if the status still equals the expected value, so
// concurrent accept/decline/timeout handlers resolve to exactly one winner.
// Extra ARGV pairs are written alongside the new status.
var transitionScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2])
for i = 3, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// TransitionStatus moves the proposal from one status to another, setting
// any extra hash fields in the same atomic step. Returns false when the
// caller lost the race (the current status no longer matches).
func (r *RedisClient) TransitionStatus(ctx context.Context, matchID, from, to string, extra map[string]string) (bool, error) {
	argv := []interface{}{from, to}
	for field, value := range extra {
		argv = append(argv, field, value)
	}
	n, err := transitionScript.Run(ctx, r.client, []string{matchKey(matchID)}, argv...).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetPendingMatch returns the matchID the user is currently part of, or ""
// when the user has no pending match.
func (r *RedisClient) GetPendingMatch(ctx context.Context, userID string) (string, error) {
	id, err := r.client.Get(ctx, matchUserKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClearPendingUsers drops the per-user pending indexes once a proposal
// reaches a terminal status.
func (r *RedisClient) ClearPendingUsers(ctx context.Context, userIDs ...string) error {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = matchUserKey(id)
	}
	return r.client.Del(ctx, keys...).Err()
}

// --- Pub/Sub ---

// PublishUserEvent pushes an already-encoded event frame onto the user's
// channel. Delivery is at-least-once across gateway instances; the match
// record remains the durable source of truth.
func (r *RedisClient) PublishUserEvent(ctx context.Context, userID string, payload []byte) error {
	return r.client.Publish(ctx, userEventsChannel(userID), payload).Err()
}

func (r *RedisClient) SubscribeUserEvents(ctx context.Context, userID string) *redis.PubSub {
	return r.client.Subscribe(ctx, userEventsChannel(userID))
}

// PublishTimeout signals that a match's acceptance window elapsed while it
// was still pending. The lifecycle consumes this instead of the scheduler
// mutating the record itself.
func (r *RedisClient) PublishTimeout(ctx context.Context, matchID string) error {
	return r.client.Publish(ctx, timeoutChannel, matchID).Err()
}

func (r *RedisClient) SubscribeTimeouts(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, timeoutChannel)
}
