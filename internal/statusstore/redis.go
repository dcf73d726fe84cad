// Package statusstore mirrors TaskRunStatus snapshots into Redis so status
// queries survive a process restart.
package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anomalyco/patchpilot/internal/contracts"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "patchpilot:status:"

// saveScript only writes when the stored generation is not newer.
var saveScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "generation")
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "generation", ARGV[1], "status", ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

type Options struct {
	Prefix string
	// TTL expires snapshots; zero keeps them forever.
	TTL time.Duration
}

type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(client redis.UniversalClient, options Options) *Redis {
	prefix := options.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: options.TTL}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, options Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return New(client, options), nil
}

func (r *Redis) key(taskID string) string {
	return r.prefix + taskID
}

// Save stores status unless Redis already holds a newer generation for the task.
func (r *Redis) Save(ctx context.Context, status contracts.TaskRunStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	err = saveScript.Run(ctx, r.client, []string{r.key(status.TaskID)}, status.Generation, string(payload), r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("save status %s: %w", status.TaskID, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, taskID string) (contracts.TaskRunStatus, error) {
	payload, err := r.client.HGet(ctx, r.key(taskID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return contracts.TaskRunStatus{}, contracts.ErrRunNotFound
	}
	if err != nil {
		return contracts.TaskRunStatus{}, fmt.Errorf("load status %s: %w", taskID, err)
	}
	var status contracts.TaskRunStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return contracts.TaskRunStatus{}, fmt.Errorf("decode status %s: %w", taskID, err)
	}
	return status, nil
}

func (r *Redis) Delete(ctx context.Context, taskID string) error {
	return r.client.Del(ctx, r.key(taskID)).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
