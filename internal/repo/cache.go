package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const balanceTTL = 5 * time.Minute

// ErrCacheDisabled is returned by reads when no Redis client is configured.
var ErrCacheDisabled = errors.New("balance cache disabled")

// BalanceScript stores "version|balance" unless the cached entry already
// holds the same or a newer wallet version. It returns 1 when it wrote.
var BalanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local v = tonumber(string.match(cur, '^(%d+)|'))
  if v and v >= tonumber(ARGV[1]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. '|' .. ARGV[2], 'PX', ARGV[3])
return 1
`)

func balanceKey(tenantID, address string) string {
	return fmt.Sprintf("balance:%s:%s", tenantID, address)
}

// BalanceArgs are the script arguments CacheBalance sends.
func BalanceArgs(bal decimal.Decimal, version uint64) []interface{} {
	return []interface{}{strconv.FormatUint(version, 10), bal.String(), strconv.FormatInt(balanceTTL.Milliseconds(), 10)}
}

// CacheBalance writes the balance of wallet version to Redis. An older
// version never replaces a newer one, so a slow reader cannot put back a
// balance the projector has already moved past.
func (r *Repository) CacheBalance(ctx context.Context, tenantID, address string, bal decimal.Decimal, version uint64) error {
	if r.rdb == nil {
		return nil
	}
	return BalanceScript.Run(ctx, r.rdb, []string{balanceKey(tenantID, address)}, BalanceArgs(bal, version)...).Err()
}

// GetCachedBalance reads Redis. A miss returns redis.Nil.
func (r *Repository) GetCachedBalance(ctx context.Context, tenantID, address string) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, ErrCacheDisabled
	}
	str, err := r.rdb.Get(ctx, balanceKey(tenantID, address)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	_, bal, ok := strings.Cut(str, "|")
	if !ok {
		return decimal.Zero, fmt.Errorf("malformed cached balance %q", str)
	}
	return decimal.NewFromString(bal)
}

// InvalidateBalances drops cached balances of addresses.
func (r *Repository) InvalidateBalances(ctx context.Context, tenantID string, addresses ...string) error {
	if r.rdb == nil || len(addresses) == 0 {
		return nil
	}
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = balanceKey(tenantID, a)
	}
	return r.rdb.Del(ctx, keys...).Err()
}

// IsCacheMiss reports whether err means the key was absent.
func IsCacheMiss(err error) bool {
	return errors.Is(err, redis.Nil) || errors.Is(err, ErrCacheDisabled)
}
