package match

import (
	"context"
	"encoding/json"
	"time"

	"codematch-backend/internal/storage"
)

// Server-pushed event names.
const (
	EventMatchFound            = "match_found"
	EventMatchAcceptanceUpdate = "match_acceptance_update"
	EventMatchAccepted         = "match_accepted"
	EventMatchDeclined         = "match_declined"
	EventError                 = "error"
)

// Event is the wire frame pushed to clients over their event channel.
type Event struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier delivers an event to one user. Delivery is best-effort; the
// match record in the store is the durable source of truth.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, event string, data map[string]interface{}) error
}

// BusNotifier publishes events on the per-user pub/sub channels, which
// every gateway instance forwards to the sockets it owns. This is what
// lets gateways scale out while the connection tables stay in-process.
type BusNotifier struct {
	redis *storage.RedisClient
}

func NewBusNotifier(redis *storage.RedisClient) *BusNotifier {
	return &BusNotifier{redis: redis}
}

func (n *BusNotifier) NotifyUser(ctx context.Context, userID, event string, data map[string]interface{}) error {
	payload, err := json.Marshal(Event{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return n.redis.PublishUserEvent(ctx, userID, payload)
}
