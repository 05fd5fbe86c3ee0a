package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"walletledger/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultBalanceTTL = 30 * time.Second

// BalanceCache keeps wallet snapshots in Redis for GetBalance. Redis errors
// are logged and treated as misses so a cache outage never fails a read.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

type Option func(*BalanceCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *BalanceCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(c *BalanceCache) {
		c.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *BalanceCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewBalanceCache(client *redis.Client, opts ...Option) *BalanceCache {
	c := &BalanceCache{
		client: client,
		ttl:    DefaultBalanceTTL,
		prefix: "wallet:balance",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BalanceCache) key(k models.WalletKey) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, k.OwnerID, k.SubAccountID, k.Currency)
}

// entry is the stored form of a snapshot. Version orders committed writes;
// entries filled on a read miss carry version zero.
type entry struct {
	Version int64         `json:"version"`
	Wallet  models.Wallet `json:"wallet"`
}

// putScript replaces the entry unless the stored one is newer. Unreadable
// entries are overwritten.
var putScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local ok, doc = pcall(cjson.decode, current)
	if ok and type(doc) == 'table' and tonumber(doc.version) and tonumber(doc.version) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

func (c *BalanceCache) Get(ctx context.Context, key models.WalletKey) (models.Wallet, bool) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Wallet{}, false
	}
	if err != nil {
		c.logger.Warn("balance cache read failed", zap.String("owner_id", key.OwnerID), zap.Error(err))
		return models.Wallet{}, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("dropping corrupt balance cache entry", zap.String("owner_id", key.OwnerID), zap.Error(err))
		_ = c.client.Del(ctx, c.key(key)).Err()
		return models.Wallet{}, false
	}
	return e.Wallet, true
}

// Fill caches a snapshot read from the store, but only when the key is
// absent. Anything already there came from a commit at least as recent.
func (c *BalanceCache) Fill(ctx context.Context, wallet models.Wallet) {
	data, err := json.Marshal(entry{Wallet: wallet})
	if err != nil {
		return
	}
	if err := c.client.SetNX(ctx, c.key(wallet.Key()), data, c.ttl).Err(); err != nil {
		c.logger.Warn("balance cache fill failed", zap.String("wallet_id", wallet.ID), zap.Error(err))
	}
}

// Put stores a committed snapshot, versioned by its UpdatedAt, unless the
// cache already holds a later one.
func (c *BalanceCache) Put(ctx context.Context, wallet models.Wallet) {
	e := entry{Version: version(wallet), Wallet: wallet}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	keys := []string{c.key(wallet.Key())}
	if err := putScript.Run(ctx, c.client, keys, data, e.Version, c.ttl.Milliseconds()).Err(); err != nil {
		c.logger.Warn("balance cache write failed", zap.String("wallet_id", wallet.ID), zap.Error(err))
	}
}

func version(wallet models.Wallet) int64 {
	if wallet.UpdatedAt.IsZero() {
		return 0
	}
	return max(wallet.UpdatedAt.UnixMicro(), 0)
}
