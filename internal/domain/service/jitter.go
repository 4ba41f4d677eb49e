package service

import (
	"hash/fnv"
	"math/rand/v2"
	"time"
)

// JitterFunc picks an expiry offset in [min, max) for an opportunity.
type JitterFunc func(productID, marketID string, min, max time.Duration) time.Duration

// HashJitter spreads expiries by hashing product and market, so the same
// pair always gets the same offset.
func HashJitter(productID, marketID string, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(productID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(marketID))
	span := uint64(max - min)
	return min + time.Duration(h.Sum64()%span)
}

// RandomJitter draws a fresh offset on every call.
func RandomJitter(_, _ string, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}
