package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DefaultRedisKey is where the shared pause switch lives.
const DefaultRedisKey = "dexsonar:control:paused"

// Remote is the persisted form of the switch.
type Remote struct {
	Paused    bool      `json:"paused"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedisStore reads and writes the shared pause switch, so one command can pause every instance.
type RedisStore struct {
	client redis.Cmdable
	key    string
	now    func() time.Time
}

func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

// Put stores the switch without expiry.
func (s *RedisStore) Put(ctx context.Context, paused bool, reason string) error {
	payload, err := json.Marshal(Remote{Paused: paused, Reason: reason, UpdatedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// Get returns the stored switch. A missing key reads as running.
func (s *RedisStore) Get(ctx context.Context) (Remote, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Remote{}, nil
	}
	if err != nil {
		return Remote{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	var r Remote
	if err := json.Unmarshal(raw, &r); err != nil {
		return Remote{}, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return r, nil
}

// Watch polls the store and mirrors it into flag until ctx ends. Read errors keep the last
// known state.
func (s *RedisStore) Watch(ctx context.Context, flag *Flag, interval time.Duration, logger zerolog.Logger) {
	log := logger.With().Str("component", "control").Logger()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		remote, err := s.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("pause switch read failed")
		} else if state, changed := flag.Set(SourceRedis, remote.Paused); changed {
			log.Info().
				Bool("paused", state.Paused).
				Uint64("version", state.Version).
				Str("reason", remote.Reason).
				Msg("pause switch changed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
