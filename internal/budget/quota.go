package budget

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProviderQuota configures one provider. Zero disables a ceiling.
type ProviderQuota struct {
	// DailyTokens and DailyRequests are the free-tier ceilings. They reset
	// at UTC midnight.
	DailyTokens   int64 `yaml:"daily_tokens" json:"daily_tokens"`
	DailyRequests int64 `yaml:"daily_requests" json:"daily_requests"`

	RequestsPerMinute float64 `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int     `yaml:"burst" json:"burst"`
}

func (p ProviderQuota) hasFreeTier() bool {
	return p.DailyTokens > 0 || p.DailyRequests > 0
}

// DailyUsage is one provider's usage for the current UTC day.
type DailyUsage struct {
	Day      string `json:"day"`
	Tokens   int64  `json:"tokens"`
	Requests int64  `json:"requests"`
}

// Quota paces requests per provider and tracks daily free-tier usage.
type Quota struct {
	mu       sync.Mutex
	quotas   map[string]ProviderQuota
	usage    map[string]*DailyUsage
	limiters map[string]*rate.Limiter

	now func() time.Time
}

// NewQuota creates a Quota from per-provider settings.
func NewQuota(quotas map[string]ProviderQuota) *Quota {
	q := &Quota{
		quotas:   make(map[string]ProviderQuota, len(quotas)),
		usage:    make(map[string]*DailyUsage),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
	for name, pq := range quotas {
		q.quotas[name] = pq
		if pq.RequestsPerMinute > 0 {
			burst := max(pq.Burst, 1)
			q.limiters[name] = rate.NewLimiter(rate.Limit(pq.RequestsPerMinute/60), burst)
		}
	}
	return q
}

// Wait blocks until provider's rate limiter admits a request. Providers
// without a limit return immediately.
func (q *Quota) Wait(ctx context.Context, provider string) error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	l := q.limiters[provider]
	q.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Consume counts one request of tokens against provider's day and reports
// whether it stayed inside the free tier.
func (q *Quota) Consume(provider string, tokens int64) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.dayLocked(provider)
	u.Tokens += tokens
	u.Requests++

	pq := q.quotas[provider]
	if !pq.hasFreeTier() {
		return false
	}
	if pq.DailyTokens > 0 && u.Tokens > pq.DailyTokens {
		return false
	}
	if pq.DailyRequests > 0 && u.Requests > pq.DailyRequests {
		return false
	}
	return true
}

// Usage returns provider's usage today.
func (q *Quota) Usage(provider string) DailyUsage {
	if q == nil {
		return DailyUsage{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.dayLocked(provider)
}

// Remaining returns the free-tier headroom for today. ok is false when
// provider has no free tier.
func (q *Quota) Remaining(provider string) (tokens, requests int64, ok bool) {
	if q == nil {
		return 0, 0, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	pq, found := q.quotas[provider]
	if !found || !pq.hasFreeTier() {
		return 0, 0, false
	}
	u := q.dayLocked(provider)
	if pq.DailyTokens > 0 {
		tokens = max(pq.DailyTokens-u.Tokens, 0)
	}
	if pq.DailyRequests > 0 {
		requests = max(pq.DailyRequests-u.Requests, 0)
	}
	return tokens, requests, true
}

func (q *Quota) dayLocked(provider string) *DailyUsage {
	day := q.now().UTC().Format(time.DateOnly)
	u, ok := q.usage[provider]
	if !ok || u.Day != day {
		u = &DailyUsage{Day: day}
		q.usage[provider] = u
	}
	return u
}
