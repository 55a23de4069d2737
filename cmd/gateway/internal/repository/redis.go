package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

const (
	keyPrefix     = "stock:"
	channelPrefix = "prices."
)

// Compile-time check to ensure RedisStore implements QuoteMirror
var _ QuoteMirror = (*RedisStore)(nil)

// RedisStore mirrors quotes to stock:<SYM> keys and publishes each write on
// prices.<SYM>. Puts are coalesced per symbol and written in one pipeline per
// flush, so a burst of trades costs one SET per symbol.
type RedisStore struct {
	client   *redis.Client
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]models.CachedQuote
}

func NewRedisStore(client *redis.Client, ttl, interval time.Duration, logger *zap.Logger) *RedisStore {
	if interval <= 0 {
		interval = time.Second
	}
	return &RedisStore{
		client:   client,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		pending:  make(map[string]models.CachedQuote),
	}
}

// Put queues q for the next flush, replacing any older quote of the symbol.
func (r *RedisStore) Put(q models.CachedQuote) {
	r.mu.Lock()
	r.pending[q.Symbol] = q
	r.mu.Unlock()
}

// Flush writes every pending quote with SET + PUBLISH in a single pipeline.
func (r *RedisStore) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.pending
	r.pending = make(map[string]models.CachedQuote, len(batch))
	r.mu.Unlock()

	pipe := r.client.Pipeline()
	for sym, q := range batch {
		payload, err := json.Marshal(q)
		if err != nil {
			r.logger.Error("JSON Marshal Error", zap.Error(err), zap.String("symbol", sym))
			continue
		}
		pipe.Set(ctx, keyPrefix+sym, payload, r.ttl)
		pipe.Publish(ctx, channelPrefix+sym, payload)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		r.requeue(batch)
	}
	return err
}

// requeue puts a failed batch back unless a newer quote arrived meanwhile.
func (r *RedisStore) requeue(batch map[string]models.CachedQuote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sym, q := range batch {
		if _, newer := r.pending[sym]; !newer {
			r.pending[sym] = q
		}
	}
}

// Run flushes on a ticker until ctx is done, then flushes once more.
func (r *RedisStore) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Error("Final Redis flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Error("Redis Pipeline Error", zap.Error(err))
			}
		}
	}
}

// GetSnapshots fetches the mirrored quotes for a list of symbols (MGET).
// Missing or expired keys are skipped.
func (r *RedisStore) GetSnapshots(ctx context.Context, symbols []string) ([]models.CachedQuote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = keyPrefix + sym
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var snapshots []models.CachedQuote
	for _, val := range results {
		payload, ok := val.(string)
		if !ok || payload == "" {
			continue
		}
		var q models.CachedQuote
		if err := json.Unmarshal([]byte(payload), &q); err != nil {
			r.logger.Warn("Skipping corrupt snapshot", zap.Error(err))
			continue
		}
		snapshots = append(snapshots, q)
	}
	return snapshots, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
