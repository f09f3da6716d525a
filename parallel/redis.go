package parallel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	// Prefix namespaces every key of the run
	Prefix string
	// TTL of barrier counters and gathered payloads
	TTL time.Duration
	// PollInterval between two reads of the shared state
	PollInterval time.Duration
	Logger       *zap.Logger
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:       "rollout",
		TTL:          10 * time.Minute,
		PollInterval: 50 * time.Millisecond,
	}
}

// Redis implements Collective on top of a shared redis server.
//
// Each rank numbers the operations it issues on a group. Members issue the
// same sequence so the n-th operation of every member uses the same keys:
// barriers count arrivals with INCR on <prefix>:barrier:<group>:<gen>, and
// all-gathers store one payload per rank on <prefix>:gather:<group>:<gen>:<rank>.
type Redis struct {
	client    *redis.Client
	rank      int
	worldSize int
	config    RedisConfig
	logger    *zap.Logger

	lock        *sync.Mutex
	generations map[string]int
}

var _ Collective = &Redis{}

func NewRedis(client *redis.Client, rank, worldSize int, config RedisConfig) *Redis {
	defaults := DefaultRedisConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:      client,
		rank:        rank,
		worldSize:   worldSize,
		config:      config,
		logger:      logger.With(zap.Int("rank", rank)),
		lock:        new(sync.Mutex),
		generations: make(map[string]int),
	}
}

func (r *Redis) Rank() int {
	return r.rank
}

func (r *Redis) WorldSize() int {
	return r.worldSize
}

// nextGeneration returns the sequence number of the next operation on group
func (r *Redis) nextGeneration(group Group) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	gen := r.generations[group.Name]
	r.generations[group.Name] = gen + 1
	return gen
}

func (r *Redis) barrierKey(group Group, gen int) string {
	return fmt.Sprintf("%s:barrier:%s:%d", r.config.Prefix, group.Name, gen)
}

func (r *Redis) gatherKey(group Group, gen, rank int) string {
	return fmt.Sprintf("%s:gather:%s:%d:%d", r.config.Prefix, group.Name, gen, rank)
}

func (r *Redis) Barrier(ctx context.Context, group Group) error {
	if err := checkMembership(r, group); err != nil {
		return err
	}
	key := r.barrierKey(group, r.nextGeneration(group))

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("barrier %s: %w", key, err)
	}
	r.logger.Debug("waiting on barrier", zap.String("key", key))

	size := int64(group.Size())
	return r.poll(ctx, func() (bool, error) {
		arrived, err := r.client.Get(ctx, key).Int64()
		if err != nil {
			return false, fmt.Errorf("barrier %s: %w", key, err)
		}
		return arrived >= size, nil
	})
}

func (r *Redis) AllGather(ctx context.Context, group Group, payload []byte) ([][]byte, error) {
	if err := checkMembership(r, group); err != nil {
		return nil, err
	}
	gen := r.nextGeneration(group)
	ranks := sortedRanks(group)
	keys := make([]string, len(ranks))
	for i, rank := range ranks {
		keys[i] = r.gatherKey(group, gen, rank)
	}

	own := r.gatherKey(group, gen, r.rank)
	if err := r.client.Set(ctx, own, payload, r.config.TTL).Err(); err != nil {
		return nil, fmt.Errorf("all-gather %s: %w", own, err)
	}
	r.logger.Debug("waiting on all-gather", zap.String("key", own), zap.Int("bytes", len(payload)))

	out := make([][]byte, len(keys))
	err := r.poll(ctx, func() (bool, error) {
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return false, fmt.Errorf("all-gather %s: %w", own, err)
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				return false, nil
			}
			out[i] = []byte(s)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// poll calls done every PollInterval until it reports completion, fails,
// or ctx is cancelled
func (r *Redis) poll(ctx context.Context, done func() (bool, error)) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
