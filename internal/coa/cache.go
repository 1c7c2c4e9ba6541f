package coa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedRepository decorates the ledger store with a short-lived redis cache
// over FetchActivityTotals, the one hot read in balance aggregation. The
// engine stays cache-free; this lives on the store side of the port. Cache
// failures degrade to the underlying store, never to an error.
type CachedRepository struct {
	Repository
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedRepository wraps repo. A nil client disables caching.
func NewCachedRepository(repo Repository, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedRepository {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedRepository{Repository: repo, client: client, ttl: ttl, logger: logger}
}

type cachedTotals struct {
	Debit  string `json:"debit"`
	Credit string `json:"credit"`
}

func activityKey(id uuid.UUID, since, until time.Time) string {
	s := "-"
	if !since.IsZero() {
		s = since.Format("2006-01-02")
	}
	return fmt.Sprintf("coa:activity:%s:%s:%s", id, s, until.Format("2006-01-02"))
}

// FetchActivityTotals serves from redis when possible and fills the cache
// on miss. Keys are per (account, window-day) so as-of-date reads repeat
// cheaply while stale entries age out with the TTL.
func (c *CachedRepository) FetchActivityTotals(ctx context.Context, id uuid.UUID, since, until time.Time) (ActivityTotals, error) {
	if c.client == nil {
		return c.Repository.FetchActivityTotals(ctx, id, since, until)
	}
	key := activityKey(id, since, until)
	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var ct cachedTotals
		if err := json.Unmarshal([]byte(raw), &ct); err == nil {
			totals, err := ct.decode()
			if err == nil {
				return totals, nil
			}
		}
	}

	totals, err := c.Repository.FetchActivityTotals(ctx, id, since, until)
	if err != nil {
		return ActivityTotals{}, err
	}
	payload, err := json.Marshal(cachedTotals{Debit: totals.Debit.String(), Credit: totals.Credit.String()})
	if err == nil {
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil && c.logger != nil {
			c.logger.Warn("activity cache set", slog.Any("error", err))
		}
	}
	return totals, nil
}

func (ct cachedTotals) decode() (ActivityTotals, error) {
	var totals ActivityTotals
	var err error
	if totals.Debit, err = decimal.NewFromString(ct.Debit); err != nil {
		return ActivityTotals{}, err
	}
	if totals.Credit, err = decimal.NewFromString(ct.Credit); err != nil {
		return ActivityTotals{}, err
	}
	return totals, nil
}

// Invalidate drops cached windows for an account. Exposed so the posting
// pipeline (outside this engine) can hook write-through invalidation.
func (c *CachedRepository) Invalidate(ctx context.Context, id uuid.UUID) error {
	if c.client == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("coa:activity:%s:*", id), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("coa: scan activity cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
