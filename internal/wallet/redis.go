package wallet

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"portline/internal/domain"
	"portline/internal/migrate"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisRemote stores the snapshot under one string key.
type RedisRemote struct {
	Client *redis.Client
	Key    string
}

func NewRedisRemote(opts RedisOptions) *RedisRemote {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisRemote{Client: client, Key: opts.Key}
}

func (r *RedisRemote) Name() string { return "redis" }

func (r *RedisRemote) Fetch(ctx context.Context) (domain.WalletSnapshot, bool, error) {
	data, err := r.Client.Get(ctx, r.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.WalletSnapshot{}, false, nil
	}
	if err != nil {
		return domain.WalletSnapshot{}, false, err
	}
	w, err := migrate.Wallet(data)
	if err != nil {
		return domain.WalletSnapshot{}, false, err
	}
	return w, true, nil
}

func (r *RedisRemote) Push(ctx context.Context, w domain.WalletSnapshot) error {
	data, err := encodeSnapshot(w)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, r.Key, data, 0).Err()
}

func (r *RedisRemote) Close() error {
	return r.Client.Close()
}
