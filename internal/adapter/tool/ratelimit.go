package tool

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mama-os/internal/domain"
)

// RateLimiterConfig mirrors the rate_limit config block.
type RateLimiterConfig struct {
	MaxRequestsPerMinute int
	MinIntervalMs        int64
	MaxQueueSize         int
	RequestTimeoutMs     int64
	MaxRetries           int
	RetryDelayMs         int64 // base for exponential backoff
}

// DefaultRateLimiterConfig returns sensible outbound-call-queue defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequestsPerMinute: 60,
		MinIntervalMs:        200,
		MaxQueueSize:         200,
		RequestTimeoutMs:     30_000,
		MaxRetries:           5,
		RetryDelayMs:         500,
	}
}

// RateLimiterStats is a snapshot of limiter counters.
type RateLimiterStats struct {
	Succeeded     int64
	Failures      int64
	RateLimitHits int64
}

// rlEntry is one queued call. value/err are any-typed so a single
// FIFO/token-bucket core can serve the generic Enqueue[T] wrapper below.
type rlEntry struct {
	call     func(context.Context) (any, error)
	resultCh chan rlResult
	attempt  int
	timeout  *time.Timer // overall request-timeout for this entry
	ctx      context.Context
}

type rlResult struct {
	value any
	err   error
}

// RateLimiter is a bounded-FIFO, token-bucket-budgeted outbound call queue
// with retry-to-head on rate-limit signals. Grounded on this package's prior
// sliding-window RateLimiter (same now-func test seam), rewritten around
// golang.org/x/time/rate's token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	cfg      RateLimiterConfig
	limiter  *rate.Limiter
	queue    []*rlEntry
	wake     chan struct{}
	stats    RateLimiterStats
	closed   bool
	now      func() time.Time
	lastSend time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// rateLimitSignalPatterns mirrors usecase.ErrorClassifier's string-based
// rate-limit detection so the RateLimiter and the LLMRunner agree on what
// counts as "the backend told us to slow down".
var rateLimitSignalPatterns = []string{"rate limit", "rate_limited", "too many requests", "429"}

// NewRateLimiter creates a rate limiter and starts its dispatcher goroutine.
// Callers must call Stop to release the goroutine and any pending timers.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	perSecond := rate.Limit(float64(cfg.MaxRequestsPerMinute) / 60.0)
	burst := cfg.MaxRequestsPerMinute / 6
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		cfg:     cfg,
		limiter: rate.NewLimiter(perSecond, burst),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go rl.dispatchLoop()
	return rl
}

// Enqueue submits a typed call through the limiter. Contract:
// enqueue(apiCall) -> T.
func Enqueue[T any](ctx context.Context, rl *RateLimiter, apiCall func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := rl.enqueueAny(ctx, func(ctx context.Context) (any, error) {
		return apiCall(ctx)
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (rl *RateLimiter) enqueueAny(ctx context.Context, call func(context.Context) (any, error)) (any, error) {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return nil, domain.ErrCancelled
	}
	if len(rl.queue) >= rl.cfg.MaxQueueSize {
		rl.mu.Unlock()
		return nil, domain.ErrQueueFull
	}

	entry := &rlEntry{
		call:     call,
		resultCh: make(chan rlResult, 1),
		ctx:      ctx,
	}
	entry.timeout = time.AfterFunc(time.Duration(rl.cfg.RequestTimeoutMs)*time.Millisecond, func() {
		rl.expire(entry)
	})
	rl.queue = append(rl.queue, entry)
	rl.mu.Unlock()

	rl.signal()

	select {
	case res := <-entry.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		rl.removeEntry(entry)
		return nil, ctx.Err()
	}
}

func (rl *RateLimiter) signal() {
	select {
	case rl.wake <- struct{}{}:
	default:
	}
}

// expire is invoked by an entry's timeout timer. It removes the entry from
// the queue (if still queued) and delivers RequestTimeout.
func (rl *RateLimiter) expire(entry *rlEntry) {
	if rl.removeEntry(entry) {
		rl.mu.Lock()
		rl.stats.Failures++
		rl.mu.Unlock()
		entry.resultCh <- rlResult{err: domain.ErrRequestTimeout}
	}
}

// removeEntry removes entry from the queue if present, returning whether
// it was found (i.e. hadn't already been dispatched).
func (rl *RateLimiter) removeEntry(entry *rlEntry) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, e := range rl.queue {
		if e == entry {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			entry.timeout.Stop()
			return true
		}
	}
	return false
}

// dispatchLoop pulls the head entry, respects the token bucket and the
// minimum inter-request interval, runs the call, and on a rate-limit
// signal re-queues the entry at the head with exponential backoff.
func (rl *RateLimiter) dispatchLoop() {
	defer close(rl.doneCh)
	for {
		select {
		case <-rl.stopCh:
			return
		case <-rl.wake:
		}

		for {
			rl.mu.Lock()
			if len(rl.queue) == 0 || rl.closed {
				rl.mu.Unlock()
				break
			}
			entry := rl.queue[0]
			rl.mu.Unlock()

			if wait := rl.minIntervalWait(); wait > 0 {
				select {
				case <-time.After(wait):
				case <-rl.stopCh:
					return
				}
			}
			if err := rl.limiter.Wait(entry.ctx); err != nil {
				// Context cancelled/deadline hit while waiting for budget;
				// the waiting Enqueue call handles delivery via ctx.Done.
				continue
			}

			if !rl.removeEntry(entry) {
				// Already expired/cancelled concurrently.
				continue
			}

			rl.mu.Lock()
			rl.lastSend = rl.now()
			rl.mu.Unlock()

			value, err := entry.call(entry.ctx)
			if err != nil && isRateLimitSignal(err) && entry.attempt < rl.cfg.MaxRetries {
				entry.attempt++
				rl.mu.Lock()
				rl.stats.RateLimitHits++
				rl.mu.Unlock()
				rl.retryAtHead(entry)
				continue
			}

			entry.timeout.Stop()
			rl.mu.Lock()
			if err != nil {
				rl.stats.Failures++
			} else {
				rl.stats.Succeeded++
			}
			rl.mu.Unlock()
			entry.resultCh <- rlResult{value: value, err: err}
		}
	}
}

func (rl *RateLimiter) minIntervalWait() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.lastSend.IsZero() {
		return 0
	}
	minGap := time.Duration(rl.cfg.MinIntervalMs) * time.Millisecond
	elapsed := rl.now().Sub(rl.lastSend)
	if elapsed >= minGap {
		return 0
	}
	return minGap - elapsed
}

// retryAtHead re-queues entry at index 0 after an exponential backoff with
// jitter, capped at 30s: base * 2^(attempt-1) + jitter[0,1000ms].
func (rl *RateLimiter) retryAtHead(entry *rlEntry) {
	backoff := time.Duration(rl.cfg.RetryDelayMs) * time.Millisecond * time.Duration(int64(1)<<uint(entry.attempt-1))
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	jitter := time.Duration(rand.Intn(1000)) * time.Millisecond
	delay := backoff + jitter

	entry.timeout.Stop()
	entry.timeout = time.AfterFunc(time.Duration(rl.cfg.RequestTimeoutMs)*time.Millisecond, func() {
		rl.expire(entry)
	})

	time.AfterFunc(delay, func() {
		rl.mu.Lock()
		if rl.closed {
			rl.mu.Unlock()
			return
		}
		rl.queue = append([]*rlEntry{entry}, rl.queue...)
		rl.mu.Unlock()
		rl.signal()
	})
}

// Stats returns a snapshot of limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.stats
}

// Reset cancels every pending entry's timer and drains the queue,
// delivering Cancelled to each waiter. No timers remain referenced after Reset.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	pending := rl.queue
	rl.queue = nil
	rl.mu.Unlock()

	for _, e := range pending {
		e.timeout.Stop()
		select {
		case e.resultCh <- rlResult{err: domain.ErrCancelled}:
		default:
		}
	}
}

// Stop terminates the dispatcher goroutine and resets pending entries.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.mu.Lock()
		rl.closed = true
		rl.mu.Unlock()
		close(rl.stopCh)
		rl.Reset()
	})
	<-rl.doneCh
}

func isRateLimitSignal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrRateLimit) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, p := range rateLimitSignalPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
