// Package journal appends membership changes to a Redis list so an
// out-of-process consumer can audit or replay lobby history. Journaling is
// best-effort: a failed append is logged by the caller and never blocks or
// fails the mutation that produced it.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list that receives membership events.
var DefaultQueueName = "muster_membership_events"

// Membership event actions.
const (
	ActionCreate = "create"
	ActionJoin   = "join"
	ActionLeave  = "leave"
	ActionDelete = "delete"
)

// Event is one membership change as seen by the coordinator.
type Event struct {
	LobbyID   string    `json:"lobby_id"`
	UserID    uuid.UUID `json:"user_id"`
	Action    string    `json:"action"`
	Timestamp int64     `json:"timestamp"`
}

// Journal writes events to Redis. The zero value is unusable; a nil
// *Journal is a valid no-op writer so callers need no separate guard.
type Journal struct {
	rdb   *redis.Client
	queue string
}

// Connect initializes a Journal from environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - JOURNAL_QUEUE_NAME (default DefaultQueueName)
func Connect(ctx context.Context) (*Journal, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	queue := os.Getenv("JOURNAL_QUEUE_NAME")
	if queue == "" {
		queue = DefaultQueueName
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Journal{rdb: rdb, queue: queue}, nil
}

// Append serializes the event and pushes it onto the queue.
func (j *Journal) Append(ctx context.Context, ev Event) error {
	if j == nil {
		return nil
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal membership event: %w", err)
	}
	if err := j.rdb.RPush(ctx, j.queue, data).Err(); err != nil {
		return fmt.Errorf("rpush to %q: %w", j.queue, err)
	}
	return nil
}

// Close releases the Redis client.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.rdb.Close()
}
