package auth

import (
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// cacheMaxCost is the memory budget for verified-token results (16 MiB).
const cacheMaxCost = 16 << 20

// entryCost approximates the footprint of one cached verification result.
// Token strings dominate; a typical HS256 token runs 150-300 bytes.
var entryCost = int64(unsafe.Sizeof(Context{})) + 256

// tokenCache memoizes successful token verifications so repeated attempts
// with the same credential (reconnect storms, per-request REST auth) skip
// the HMAC work. Only ProvenanceToken results are cached; fallback results
// are cheap to recompute and must re-verify in case the secret changed.
//
// Ristretto admission is probabilistic, so a miss after set is possible.
// That only costs a redundant signature check, never a wrong answer.
type tokenCache struct {
	cache *ristretto.Cache[string, Context]
}

func newTokenCache() *tokenCache {
	estimatedItems := int64(cacheMaxCost) / entryCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, Context]{
		NumCounters: estimatedItems * 10,
		MaxCost:     cacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}
	return &tokenCache{cache: cache}
}

func (c *tokenCache) get(token string) (Context, bool) {
	return c.cache.Get(token)
}

// set stores a verification result with a TTL clamped to the token's
// remaining lifetime, so a cached entry can never outlive its token.
func (c *tokenCache) set(token string, ac Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.cache.SetWithTTL(token, ac, entryCost+int64(len(token)), ttl)
}

func (c *tokenCache) clear() {
	c.cache.Clear()
}

func (c *tokenCache) close() {
	c.cache.Close()
}
