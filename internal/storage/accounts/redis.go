package accounts

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vadiminshakov/papertrade/internal/domain"
)

const defaultRedisPrefix = "papertrade:account:"

// RedisConfig holds connection settings of the Redis driver.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps accounts as JSON values and uses WATCH/MULTI for the version check,
// so several service instances can share it.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.Addr)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Load fetches and decodes the account.
func (s *RedisStore) Load(ctx context.Context, userID string) (*domain.Account, error) {
	payload, err := s.rdb.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get account")
	}
	return decode(payload)
}

// Save writes the account inside an optimistic transaction on its key.
func (s *RedisStore) Save(ctx context.Context, acc *domain.Account) error {
	key := s.key(acc.UserID)

	next := acc.Clone()
	next.Version++
	payload, err := encode(next)
	if err != nil {
		return err
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "get account")
		}

		current, err := decode(raw)
		if err != nil {
			return err
		}
		if current.Version != acc.Version {
			return domain.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		acc.Version = next.Version
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return domain.ErrConflict
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		return err
	default:
		return errors.Wrap(err, "save account")
	}
}

// Create stores the account only if the key is absent.
func (s *RedisStore) Create(ctx context.Context, acc *domain.Account) error {
	payload, err := encode(acc)
	if err != nil {
		return err
	}

	created, err := s.rdb.SetNX(ctx, s.key(acc.UserID), payload, 0).Result()
	if err != nil {
		return errors.Wrap(err, "create account")
	}
	if !created {
		return domain.ErrExists
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
