package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"github.com/redis/go-redis/v9"
)

const liveStateTTL = 10 * time.Minute

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisLiveUpdater publishes progress on "live:{token}" and keeps the latest
// state in the hash "live:{token}:state" for clients that subscribe late.
type RedisLiveUpdater struct {
	client *redis.Client
}

func NewRedisLiveUpdater(ctx context.Context, cfg RedisConfig) (*RedisLiveUpdater, error) {
	errFactory := errors.New()

	if cfg.Addr == "" {
		return nil, errFactory.WithData(ErrInvalidConfig, "redis addr is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errFactory.Wrap(ErrInvalidConfig, fmt.Errorf("failed to connect to redis: %w", err))
	}

	return &RedisLiveUpdater{client: client}, nil
}

func (r *RedisLiveUpdater) Close() error {
	return r.client.Close()
}

func (r *RedisLiveUpdater) SendLiveProgressUpdate(ctx context.Context, liveToken string, state ProgressState) error {
	errFactory := errors.New()

	if liveToken == "" {
		return errFactory.WithData(ErrInvalidInput, "empty live token")
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return errFactory.Wrap(ErrLiveUpdate, err)
	}

	channel := fmt.Sprintf("live:%s", liveToken)
	stateKey := channel + ":state"

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, map[string]interface{}{
		"vin":        state.VIN,
		"progress":   state.Progress,
		"updated_at": state.UpdatedAt,
		"payload":    string(payload),
	})
	pipe.Expire(ctx, stateKey, liveStateTTL)
	pipe.Publish(ctx, channel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return errFactory.Wrap(ErrLiveUpdate, fmt.Errorf("redis pipeline failed: %w", err))
	}

	return nil
}
