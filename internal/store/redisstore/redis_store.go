package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"meshmon/internal/store"
)

// Config configures Redis access for the registry.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store keeps registry records in one Redis hash per record kind.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "meshmon"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis registry: %w", err)
	}

	return &Store{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// Opener returns a store.Opener that dials a fresh client per call.
func Opener(cfg Config) store.Opener {
	return func(ctx context.Context) (store.Store, error) {
		return New(cfg)
	}
}

// Begin starts a transaction. Writes are buffered and applied in one
// MULTI/EXEC block on commit.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	return &tx{store: s, ctx: ctx, buf: store.NewBuffer()}, nil
}

// Close closes Redis resources.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) kindKey(kind store.Kind) string {
	return kindKey(s.prefix, kind)
}

func kindKey(prefix string, kind store.Kind) string {
	return prefix + ":" + string(kind)
}

type tx struct {
	store *Store
	ctx   context.Context
	buf   *store.Buffer
	done  bool
}

func (t *tx) Get(kind store.Kind, key string) ([]byte, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	if v, found, deleted := t.buf.Lookup(kind, key); found {
		if deleted {
			return nil, store.ErrNotFound
		}
		return v, nil
	}
	v, err := t.store.client.HGet(t.ctx, t.store.kindKey(kind), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, key, err)
	}
	return v, nil
}

func (t *tx) Scan(kind store.Kind, prefix string) (map[string][]byte, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	all, err := t.store.client.HGetAll(t.ctx, t.store.kindKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", kind, err)
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		if strings.HasPrefix(k, prefix) {
			out[k] = []byte(v)
		}
	}
	return t.buf.Overlay(kind, prefix, out), nil
}

func (t *tx) Put(kind store.Kind, key string, value []byte) error {
	if t.done {
		return store.ErrTxDone
	}
	t.buf.Put(kind, key, value)
	return nil
}

func (t *tx) Delete(kind store.Kind, key string) error {
	if t.done {
		return store.ErrTxDone
	}
	t.buf.Delete(kind, key)
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if t.buf.Len() == 0 {
		return nil
	}

	pipe := t.store.client.TxPipeline()
	t.buf.Each(func(kind store.Kind, key string, value []byte) {
		if value == nil {
			pipe.HDel(t.ctx, t.store.kindKey(kind), key)
			return
		}
		pipe.HSet(t.ctx, t.store.kindKey(kind), key, value)
	})
	pipe.HSet(t.ctx, t.store.prefix+":meta", "updated_at", time.Now().Unix())

	if _, err := pipe.Exec(t.ctx); err != nil {
		return fmt.Errorf("commit registry transaction: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}
