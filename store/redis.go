package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planweave/planweave/runlog"
)

// RedisEventStore implements runlog.RunEventRepository over Redis, for
// deployments that stream events through a shared Redis rather than SQL.
//
// Layout per run:
//
//	planweave:run:{id}:seq    — sequence counter (INCR)
//	planweave:run:{id}:events — sorted set, score = sequence
//
// Sequence assignment and insertion execute in one Lua script, so they are
// atomic server-side and the per-run monotonicity invariant holds without
// client-side locking.
type RedisEventStore struct {
	client *redis.Client
}

// appendScript atomically assigns the next sequence and stores the event.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, seq .. ':' .. ARGV[1])
return seq
`)

// NewRedisEventStore creates a run-event repository over the given client.
func NewRedisEventStore(client *redis.Client) *RedisEventStore {
	return &RedisEventStore{client: client}
}

func seqKey(runID string) string    { return "planweave:run:" + runID + ":seq" }
func eventsKey(runID string) string { return "planweave:run:" + runID + ":events" }

// Append implements runlog.RunEventRepository.
func (r *RedisEventStore) Append(ctx context.Context, e runlog.Event) (runlog.Event, error) {
	if err := runlog.ValidatePayload(e); err != nil {
		return runlog.Event{}, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// The sequence is assigned server-side; marshal without it and prefix
	// the member with the score instead.
	body := e
	body.Sequence = 0
	raw, err := json.Marshal(body)
	if err != nil {
		return runlog.Event{}, fmt.Errorf("failed to marshal run event: %w", err)
	}

	seq, err := appendScript.Run(ctx, r.client,
		[]string{seqKey(e.RunID), eventsKey(e.RunID)}, string(raw)).Int64()
	if err != nil {
		return runlog.Event{}, fmt.Errorf("failed to append run event: %w", err)
	}

	e.Sequence = seq
	return e, nil
}

// ListAfter implements runlog.RunEventRepository.
func (r *RedisEventStore) ListAfter(ctx context.Context, runID string, after int64) ([]runlog.Event, error) {
	members, err := r.client.ZRangeByScore(ctx, eventsKey(runID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range run events: %w", err)
	}

	out := make([]runlog.Event, 0, len(members))
	for _, member := range members {
		idx := strings.IndexByte(member, ':')
		if idx < 0 {
			return nil, fmt.Errorf("malformed event member %q", member)
		}
		seq, err := strconv.ParseInt(member[:idx], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed event sequence in %q: %w", member, err)
		}
		var e runlog.Event
		if err := json.Unmarshal([]byte(member[idx+1:]), &e); err != nil {
			return nil, fmt.Errorf("failed to decode run event: %w", err)
		}
		e.Sequence = seq
		out = append(out, e)
	}
	return out, nil
}
