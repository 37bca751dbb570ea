package eventservices

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const rateLimitWindow = time.Minute

// MaxKlinesLimit is the hard cap Binance enforces on the klines endpoint.
// Requests above it are clamped, not rejected.
const MaxKlinesLimit = 1500

// KlinesWeight returns the request weight Binance charges for a klines call
// of the given limit. The function is monotonic non-decreasing and capped at
// the weight of the venue's maximum window.
func KlinesWeight(limit int) int {
	if limit > MaxKlinesLimit {
		limit = MaxKlinesLimit
	}

	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

type RateLimitConfig struct {
	MaxWeightPerMinute   int
	MaxRequestsPerMinute int

	// SafetyMarginPercent of capacity is held in reserve, e.g. 0.1 keeps
	// usage at or below 90% of the venue limit.
	SafetyMarginPercent     float64
	WarningThresholdPercent float64

	RetryDelay       time.Duration
	MaxRetryAttempts int

	LogInterval time.Duration
}

func NewRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxWeightPerMinute:      1200,
		MaxRequestsPerMinute:    1200,
		SafetyMarginPercent:     0.1,
		WarningThresholdPercent: 0.8,
		RetryDelay:              time.Second,
		MaxRetryAttempts:        3,
		LogInterval:             time.Minute,
	}
}

func (c RateLimitConfig) Validate() error {
	if c.MaxWeightPerMinute <= 0 {
		return fmt.Errorf("RateLimitConfig.Validate: max weight per minute must be positive")
	}

	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("RateLimitConfig.Validate: max requests per minute must be positive")
	}

	if c.SafetyMarginPercent < 0 || c.SafetyMarginPercent >= 1 {
		return fmt.Errorf("RateLimitConfig.Validate: safety margin must be in [0, 1)")
	}

	return nil
}

type ledgerEntry struct {
	timestamp time.Time
	value     int
}

// RateLimiterStats is a point-in-time usage snapshot.
type RateLimiterStats struct {
	CurrentWeight      int
	CurrentRequests    int
	WeightLimit        int
	RequestLimit       int
	WeightUsagePercent float64
	TotalRequests      int64
	TotalWeight        int64
	BlockedRequests    int64
	RetryAttempts      int64
}

// RateLimiter tracks weighted API usage over a sliding one-minute window and
// tells callers how long to wait before a request would fit under the
// effective limits. It never rejects: quota exhaustion becomes a delay.
type RateLimiter struct {
	config RateLimitConfig

	mu             sync.Mutex
	weightHistory  []ledgerEntry
	requestHistory []ledgerEntry

	totalRequests   int64
	totalWeight     int64
	blockedRequests int64
	retryAttempts   int64

	effectiveWeightLimit  int
	effectiveRequestLimit int

	lastUsageLog time.Time

	// test seam, defaults to time.Now
	now func() time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	effectiveWeightLimit := int(float64(config.MaxWeightPerMinute) * (1 - config.SafetyMarginPercent))
	effectiveRequestLimit := int(float64(config.MaxRequestsPerMinute) * (1 - config.SafetyMarginPercent))

	log.Infof("rate limiter initialized: %d weight limit, %d request limit (%.0f%% safety margin)", effectiveWeightLimit, effectiveRequestLimit, config.SafetyMarginPercent*100)

	return &RateLimiter{
		config:                config,
		effectiveWeightLimit:  effectiveWeightLimit,
		effectiveRequestLimit: effectiveRequestLimit,
		now:                   time.Now,
	}
}

// Admit reports how long the caller must wait before a request of the given
// weight fits inside the sliding window. A zero duration means proceed now.
// The caller owns the sleep; the limiter never blocks.
func (r *RateLimiter) Admit(weight int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentTime := r.now()
	r.pruneLocked(currentTime)

	currentWeight := r.sumLocked(r.weightHistory)
	currentRequests := r.sumLocked(r.requestHistory)

	weightFits := currentWeight+weight <= r.effectiveWeightLimit
	requestFits := currentRequests+1 <= r.effectiveRequestLimit

	if weightFits && requestFits {
		usage := float64(currentWeight+weight) / float64(r.effectiveWeightLimit)
		if usage > r.config.WarningThresholdPercent {
			log.Warnf("high rate limit usage: %.1f%% (%d/%d weight)", usage*100, currentWeight+weight, r.effectiveWeightLimit)
		}

		return 0
	}

	wait := time.Duration(0)
	if !weightFits && len(r.weightHistory) > 0 {
		wait = r.weightHistory[0].timestamp.Add(rateLimitWindow).Sub(currentTime)
	}

	if !requestFits && len(r.requestHistory) > 0 {
		if requestWait := r.requestHistory[0].timestamp.Add(rateLimitWindow).Sub(currentTime); requestWait > wait {
			wait = requestWait
		}
	}

	if wait < 0 {
		wait = 0
	}

	return wait
}

// Record appends the weight consumed by a completed request. When the
// response headers carry the venue-reported usage the delta against our own
// ledger is preferred over the caller's estimate, so the window tracks what
// the venue actually charged.
func (r *RateLimiter) Record(estimatedWeight int, headers http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentTime := r.now()
	r.pruneLocked(currentTime)

	weight := estimatedWeight
	if reported, found := usedWeightFromHeaders(headers); found {
		if delta := reported - r.sumLocked(r.weightHistory); delta > weight {
			weight = delta
		}
	}

	r.weightHistory = append(r.weightHistory, ledgerEntry{timestamp: currentTime, value: weight})
	r.requestHistory = append(r.requestHistory, ledgerEntry{timestamp: currentTime, value: 1})

	r.totalRequests++
	r.totalWeight += int64(weight)

	r.logUsageLocked(currentTime)
}

// RecordBlocked counts a request the venue rejected for quota reasons. The
// counter exists for observability only; callers widen their own retry delay.
func (r *RateLimiter) RecordBlocked(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blockedRequests++
	log.Warnf("request blocked by venue: %s", reason)
}

func (r *RateLimiter) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.retryAttempts++
}

// WaitForSlot sleeps until a request of the given weight is admitted, bounded
// by the configured retry policy. It returns the total time waited and false
// if the attempts were exhausted without admission.
func (r *RateLimiter) WaitForSlot(weight int) (time.Duration, bool) {
	var waited time.Duration

	for attempt := 0; ; attempt++ {
		wait := r.Admit(weight)
		if wait == 0 {
			return waited, true
		}

		if attempt >= r.config.MaxRetryAttempts {
			return waited, false
		}

		if wait < r.config.RetryDelay {
			wait = r.config.RetryDelay
		}

		log.Warnf("rate limit reached, waiting %v before retry %d/%d", wait, attempt+1, r.config.MaxRetryAttempts)
		r.RecordRetry()
		time.Sleep(wait)
		waited += wait
	}
}

func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentTime := r.now()
	r.pruneLocked(currentTime)

	currentWeight := r.sumLocked(r.weightHistory)

	return RateLimiterStats{
		CurrentWeight:      currentWeight,
		CurrentRequests:    r.sumLocked(r.requestHistory),
		WeightLimit:        r.effectiveWeightLimit,
		RequestLimit:       r.effectiveRequestLimit,
		WeightUsagePercent: float64(currentWeight) / float64(r.effectiveWeightLimit) * 100,
		TotalRequests:      r.totalRequests,
		TotalWeight:        r.totalWeight,
		BlockedRequests:    r.blockedRequests,
		RetryAttempts:      r.retryAttempts,
	}
}

func (r *RateLimiter) pruneLocked(currentTime time.Time) {
	cutoff := currentTime.Add(-rateLimitWindow)

	r.weightHistory = pruneLedger(r.weightHistory, cutoff)
	r.requestHistory = pruneLedger(r.requestHistory, cutoff)
}

func pruneLedger(ledger []ledgerEntry, cutoff time.Time) []ledgerEntry {
	idx := 0
	for idx < len(ledger) && ledger[idx].timestamp.Before(cutoff) {
		idx++
	}

	if idx == 0 {
		return ledger
	}

	remaining := len(ledger) - idx
	copy(ledger, ledger[idx:])
	return ledger[:remaining]
}

func (r *RateLimiter) sumLocked(ledger []ledgerEntry) int {
	total := 0
	for _, entry := range ledger {
		total += entry.value
	}

	return total
}

func (r *RateLimiter) logUsageLocked(currentTime time.Time) {
	if r.config.LogInterval <= 0 || currentTime.Sub(r.lastUsageLog) < r.config.LogInterval {
		return
	}

	r.lastUsageLog = currentTime

	currentWeight := r.sumLocked(r.weightHistory)
	log.WithFields(log.Fields{
		"weight":   fmt.Sprintf("%d/%d", currentWeight, r.effectiveWeightLimit),
		"requests": fmt.Sprintf("%d/%d", r.sumLocked(r.requestHistory), r.effectiveRequestLimit),
		"total":    r.totalRequests,
		"blocked":  r.blockedRequests,
	}).Info("rate limiter usage")
}

func usedWeightFromHeaders(headers http.Header) (int, bool) {
	if headers == nil {
		return 0, false
	}

	for _, name := range []string{"X-Mbx-Used-Weight-1m", "X-Mbx-Used-Weight"} {
		if value := headers.Get(name); value != "" {
			weight, err := strconv.Atoi(value)
			if err != nil {
				continue
			}

			return weight, true
		}
	}

	return 0, false
}
