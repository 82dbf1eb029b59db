package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"meshmon/pkg/models"
)

// Config configures the renumber notice consumer.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// MaxDrain bounds how many notices one Drain call takes.
	MaxDrain int
}

// Consumer drains renumber notices queued on a Redis list by the
// provisioning side.
type Consumer struct {
	client   *redis.Client
	key      string
	maxDrain int
	now      func() time.Time
}

// wireNotice is the JSON shape pushed onto the list.
type wireNotice struct {
	OldAddress string    `json:"old_address"`
	NewAddress string    `json:"new_address"`
	NodeType   string    `json:"node_type"`
	Created    time.Time `json:"created"`
}

// NewConsumer creates a Redis consumer for the notice list.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.MaxDrain <= 0 {
		cfg.MaxDrain = 1000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:   client,
		key:      cfg.Key,
		maxDrain: cfg.MaxDrain,
		now:      time.Now,
	}, nil
}

// Pop pops one raw message from the list without blocking. An empty list
// yields nil, nil.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.LPop(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(res), nil
}

// Drain pops every queued notice. Malformed entries are skipped and
// reported in the returned count of rejects.
func (c *Consumer) Drain(ctx context.Context) ([]models.RenumberNotice, int, error) {
	var (
		out     []models.RenumberNotice
		rejects int
	)
	for i := 0; i < c.maxDrain; i++ {
		raw, err := c.Pop(ctx)
		if err != nil {
			return out, rejects, fmt.Errorf("pop notice: %w", err)
		}
		if raw == nil {
			break
		}
		n, err := DecodeNotice(raw, c.now())
		if err != nil {
			rejects++
			continue
		}
		out = append(out, n)
	}
	return out, rejects, nil
}

// DecodeNotice parses one queued notice. The new address is mandatory.
func DecodeNotice(raw []byte, now time.Time) (models.RenumberNotice, error) {
	var w wireNotice
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.RenumberNotice{}, fmt.Errorf("decode notice: %w", err)
	}
	w.NewAddress = strings.TrimSpace(w.NewAddress)
	if w.NewAddress == "" {
		return models.RenumberNotice{}, fmt.Errorf("notice without new address")
	}
	if w.Created.IsZero() {
		w.Created = now
	}
	return models.RenumberNotice{
		OldAddress: strings.TrimSpace(w.OldAddress),
		NewAddress: w.NewAddress,
		NodeType:   models.NodeType(w.NodeType),
		Created:    w.Created,
	}, nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
