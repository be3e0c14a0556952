package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores artifacts in Redis, namespaced by instance name.
// Several processes may share one instance; the seq counter and MULTI/EXEC
// writes keep appends linearized across them.
type RedisBackend struct {
	rdb          *redis.Client
	instanceName string
}

// NewRedisBackend creates a Redis-backed store for the specified instance.
// Returns an error if instanceName is empty.
func NewRedisBackend(redisOpts *redis.Options, instanceName string) (*RedisBackend, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &RedisBackend{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace used for keys and channels.
func (c *RedisBackend) InstanceName() string { return c.instanceName }

// Close closes the Redis connection. After Close the backend must not be used.
func (c *RedisBackend) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *RedisBackend) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Append writes the artifact hash and its index entries in one transaction,
// then publishes the artifact on the events channel.
func (c *RedisBackend) Append(ctx context.Context, a *Artifact) (int64, error) {
	key := ArtifactKey(c.instanceName, a.ID)

	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check artifact existence: %w", err)
	}
	if exists > 0 {
		return 0, errDuplicateID(a.ID)
	}

	seq, err := c.rdb.Incr(ctx, SeqKey(c.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	stored := a.Clone()
	stored.Seq = seq
	hash, err := ArtifactToHash(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize artifact: %w", err)
	}

	member := redis.Z{Score: float64(seq), Member: a.ID}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, hash)
	pipe.ZAdd(ctx, LogKey(c.instanceName), member)
	pipe.ZAdd(ctx, TypeIndexKey(c.instanceName, a.Type), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to write artifact to Redis: %w", err)
	}

	artifactJSON, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal artifact for event: %w", err)
	}

	channel := ArtifactEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, artifactJSON).Err(); err != nil {
		return 0, fmt.Errorf("failed to publish artifact event: %w", err)
	}

	return seq, nil
}

// Get retrieves an artifact by ID, including its consumed-by set.
// Returns ErrNotFound if the artifact doesn't exist.
func (c *RedisBackend) Get(ctx context.Context, id string) (*Artifact, error) {
	artifacts, err := c.load(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, ErrNotFound
	}
	return artifacts[0], nil
}

// Scan reads ids from the log (or the per-type indexes) by score, then loads
// the hashes in a single pipeline.
func (c *RedisBackend) Scan(ctx context.Context, afterSeq int64, types []string, limit int) ([]*Artifact, error) {
	keys := []string{LogKey(c.instanceName)}
	if len(types) > 0 {
		keys = keys[:0]
		for _, t := range types {
			keys = append(keys, TypeIndexKey(c.instanceName, t))
		}
	}

	var entries []redis.Z
	for _, key := range keys {
		zs, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatInt(afterSeq, 10),
			Max:   "+inf",
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact index: %w", err)
		}
		entries = append(entries, zs...)
	}

	// Merge per-type results back into global sequence order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Score < entries[j].Score })
	if len(entries) > limit {
		entries = entries[:limit]
	}

	ids := make([]string, 0, len(entries))
	for _, z := range entries {
		ids = append(ids, z.Member.(string))
	}
	return c.load(ctx, ids)
}

// MarkConsumed adds agentID to the artifact's consumed set.
func (c *RedisBackend) MarkConsumed(ctx context.Context, id, agentID string) error {
	exists, err := c.rdb.Exists(ctx, ArtifactKey(c.instanceName, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check artifact existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := c.rdb.SAdd(ctx, ConsumedKey(c.instanceName, id), agentID).Err(); err != nil {
		return fmt.Errorf("failed to record consumption: %w", err)
	}
	return nil
}

// load fetches artifacts in the given order, skipping ids whose hash is missing.
func (c *RedisBackend) load(ctx context.Context, ids []string) ([]*Artifact, error) {
	if len(ids) == 0 {
		return []*Artifact{}, nil
	}

	pipe := c.rdb.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(ids))
	consumed := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		hashes[i] = pipe.HGetAll(ctx, ArtifactKey(c.instanceName, id))
		consumed[i] = pipe.SMembers(ctx, ConsumedKey(c.instanceName, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read artifacts from Redis: %w", err)
	}

	out := make([]*Artifact, 0, len(ids))
	for i := range ids {
		hashData := hashes[i].Val()
		// HGetAll returns an empty map for non-existent keys
		if len(hashData) == 0 {
			continue
		}
		a, err := HashToArtifact(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize artifact: %w", err)
		}
		members := consumed[i].Val()
		sort.Strings(members)
		a.ConsumedBy = nonNil(members)
		out = append(out, a)
	}
	return out, nil
}

// EventSubscription represents an active Pub/Sub subscription to artifact events.
// Caller must call Close() when done to clean up resources.
type EventSubscription struct {
	events <-chan *Artifact
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of appended artifacts.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *EventSubscription) Events() <-chan *Artifact {
	return s.events
}

// Errors returns non-fatal subscription errors. Undecodable messages are skipped.
func (s *EventSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *EventSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeArtifactEvents subscribes to append events for this instance.
// Events are delivered on a buffered channel (size 10); Redis Pub/Sub is
// at-most-once, so a slow subscriber may miss events.
func (c *RedisBackend) SubscribeArtifactEvents(ctx context.Context) (*EventSubscription, error) {
	channel := ArtifactEventsChannel(c.instanceName)
	pubsub := c.rdb.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	eventsChan := make(chan *Artifact, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var artifact Artifact
				if err := json.Unmarshal([]byte(msg.Payload), &artifact); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal artifact event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &artifact:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &EventSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
