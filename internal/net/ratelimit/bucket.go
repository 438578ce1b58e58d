package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BucketConfig describes one token bucket. Refill is lazy: tokens are added
// on each consume based on whole intervals elapsed since the last refill.
type BucketConfig struct {
	Capacity   float64       // Maximum tokens the bucket holds
	RefillRate float64       // Tokens added per interval
	Interval   time.Duration // Refill interval
}

// Result reports the outcome of a consume attempt.
type Result struct {
	Allowed         bool          `json:"allowed"`
	TokensRemaining float64       `json:"tokens_remaining"`
	WaitTime        time.Duration `json:"wait_time,omitempty"`
}

// TokenBucket is a lazily refilled token bucket. Fractional tokens are
// allowed internally; consumers request integral costs.
type TokenBucket struct {
	mu         sync.Mutex
	config     BucketConfig
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(config BucketConfig) *TokenBucket {
	tb := &TokenBucket{
		config: config,
		tokens: config.Capacity,
		now:    time.Now,
	}
	tb.lastRefill = tb.now()
	return tb
}

// refill adds floor(elapsed/interval · refillRate) tokens up to capacity and
// advances lastRefill by the number of whole intervals consumed.
// Caller must hold tb.mu.
func (tb *TokenBucket) refill() {
	elapsed := tb.now().Sub(tb.lastRefill)
	intervals := int64(elapsed / tb.config.Interval)
	if intervals <= 0 {
		return
	}
	tb.tokens = math.Min(tb.config.Capacity, tb.tokens+float64(intervals)*tb.config.RefillRate)
	tb.lastRefill = tb.lastRefill.Add(time.Duration(intervals) * tb.config.Interval)
}

// Consume attempts to take n tokens. When the bucket is short and blocking is
// requested, the result carries the wait time needed for the deficit to refill.
func (tb *TokenBucket) Consume(n float64, blocking bool) Result {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return Result{Allowed: true, TokensRemaining: tb.tokens}
	}

	res := Result{Allowed: false, TokensRemaining: tb.tokens}
	if blocking {
		deficit := n - tb.tokens
		intervals := math.Ceil(deficit / tb.config.RefillRate)
		res.WaitTime = time.Duration(intervals) * tb.config.Interval
	}
	return res
}

// ConsumeAndWait consumes n tokens, sleeping out the computed wait time (with
// uniform jitter in ±10%, capped at maxWait) and retrying once. The wait is
// cancellable through ctx.
func (tb *TokenBucket) ConsumeAndWait(ctx context.Context, n float64, maxWait time.Duration) (Result, error) {
	res := tb.Consume(n, true)
	if res.Allowed {
		return res, nil
	}

	wait := res.WaitTime
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(wait))
	wait += jitter
	if wait > maxWait {
		wait = maxWait
	}
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-timer.C:
	}

	return tb.Consume(n, true), nil
}

// Tokens returns the current token count after a lazy refill.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Class selects which bucket a call consumes from.
type Class int

const (
	ClassInfo     Class = iota // Metadata and market-info reads
	ClassExchange              // Order placement and account mutations
)

func (c Class) String() string {
	switch c {
	case ClassInfo:
		return "info"
	case ClassExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// batchDiscountDivisor: a batched submit of k items costs 1 + floor(k/40).
const batchDiscountDivisor = 40

// DualLimiter maintains two independent buckets for the info and exchange
// call classes. The exchange bucket prices batched submits with a discount.
type DualLimiter struct {
	info     *TokenBucket
	exchange *TokenBucket
}

// NewDualLimiter builds a limiter from the two bucket configurations.
func NewDualLimiter(info, exchange BucketConfig) *DualLimiter {
	return &DualLimiter{
		info:     NewTokenBucket(info),
		exchange: NewTokenBucket(exchange),
	}
}

// DefaultDualLimiter returns limits tuned for the Polymarket public API:
// generous info reads, conservative exchange mutations.
func DefaultDualLimiter() *DualLimiter {
	return NewDualLimiter(
		BucketConfig{Capacity: 100, RefillRate: 10, Interval: time.Second},
		BucketConfig{Capacity: 30, RefillRate: 3, Interval: time.Second},
	)
}

func (dl *DualLimiter) bucket(class Class) *TokenBucket {
	if class == ClassExchange {
		return dl.exchange
	}
	return dl.info
}

// Consume takes n tokens from the class bucket.
func (dl *DualLimiter) Consume(class Class, n float64, blocking bool) Result {
	return dl.bucket(class).Consume(n, blocking)
}

// ConsumeAndWait takes n tokens from the class bucket, waiting when short.
func (dl *DualLimiter) ConsumeAndWait(ctx context.Context, class Class, n float64, maxWait time.Duration) (Result, error) {
	return dl.bucket(class).ConsumeAndWait(ctx, n, maxWait)
}

// BatchCost prices a batched exchange submit of k items.
func BatchCost(k int) float64 {
	if k <= 0 {
		return 0
	}
	return float64(1 + k/batchDiscountDivisor)
}

// ConsumeBatch takes the discounted cost for a k-item exchange submit.
func (dl *DualLimiter) ConsumeBatch(ctx context.Context, k int, maxWait time.Duration) (Result, error) {
	return dl.exchange.ConsumeAndWait(ctx, BatchCost(k), maxWait)
}

// Tokens reports the current token counts of both buckets.
func (dl *DualLimiter) Tokens() (info, exchange float64) {
	return dl.info.Tokens(), dl.exchange.Tokens()
}
