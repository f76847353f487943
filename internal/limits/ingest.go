package limits

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/untrace/internal/auth"
	"github.com/ongoingai/untrace/internal/trace"
)

type Policy struct {
	RequestsPerMinute int
	MaxTracesPerDay   int64
}

type Config struct {
	PerKey     Policy
	PerProject Policy
}

// TraceCounter is the slice of the trace store used for daily quotas.
type TraceCounter interface {
	CountTraces(ctx context.Context, filter trace.AnalyticsFilter) (int64, error)
}

// IngestLimiter enforces sliding one-minute request windows and daily trace
// quotas per API key and per project.
type IngestLimiter struct {
	store TraceCounter
	cfg   Config
	nowFn func() time.Time

	mu              sync.Mutex
	keyRequests     map[string][]time.Time
	projectRequests map[string][]time.Time
	lastSweep       time.Time
}

const rateStateSweepInterval = 2 * time.Minute

func NewIngestLimiter(store TraceCounter, cfg Config) *IngestLimiter {
	return &IngestLimiter{
		store:           store,
		cfg:             cfg,
		nowFn:           func() time.Time { return time.Now().UTC() },
		keyRequests:     map[string][]time.Time{},
		projectRequests: map[string][]time.Time{},
	}
}

func (l *IngestLimiter) Enabled() bool {
	if l == nil {
		return false
	}
	return policyEnabled(l.cfg.PerKey) || policyEnabled(l.cfg.PerProject)
}

// CheckRequest matches auth.Limiter. Daily quotas apply only to trace writes.
func (l *IngestLimiter) CheckRequest(r *http.Request, keyCtx auth.APIKeyContext) (*auth.LimitResult, error) {
	if l == nil || !l.Enabled() {
		return nil, nil
	}
	now := time.Now().UTC()
	if l.nowFn != nil {
		now = l.nowFn().UTC()
	}
	if r.Method == http.MethodPost {
		if result, err := l.checkDailyTraces(r.Context(), keyCtx, now); err != nil || result != nil {
			return result, err
		}
	}
	return l.checkRequestRates(keyCtx, now), nil
}

func (l *IngestLimiter) checkDailyTraces(ctx context.Context, keyCtx auth.APIKeyContext, now time.Time) (*auth.LimitResult, error) {
	if l.store == nil {
		return nil, nil
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	filter := trace.AnalyticsFilter{
		OrgID:     strings.TrimSpace(keyCtx.OrgID),
		ProjectID: strings.TrimSpace(keyCtx.ProjectID),
		From:      dayStart,
		To:        now,
	}

	if result, err := l.checkPolicyTraces(ctx, l.cfg.PerKey, filter, strings.TrimSpace(keyCtx.APIKeyID), "KEY", now); err != nil || result != nil {
		return result, err
	}
	return l.checkPolicyTraces(ctx, l.cfg.PerProject, filter, "", "PROJECT", now)
}

func (l *IngestLimiter) checkPolicyTraces(
	ctx context.Context,
	policy Policy,
	filter trace.AnalyticsFilter,
	apiKeyID string,
	scope string,
	now time.Time,
) (*auth.LimitResult, error) {
	if policy.MaxTracesPerDay <= 0 {
		return nil, nil
	}
	if apiKeyID != "" {
		filter.APIKeyID = apiKeyID
	}

	count, err := l.store.CountTraces(ctx, filter)
	if err != nil {
		return nil, err
	}
	if count >= policy.MaxTracesPerDay {
		return &auth.LimitResult{
			Code:              scope + "_DAILY_TRACES_EXCEEDED",
			Message:           "daily trace limit exceeded for " + strings.ToLower(scope),
			RetryAfterSeconds: secondsUntilNextDay(now),
		}, nil
	}
	return nil, nil
}

func (l *IngestLimiter) checkRequestRates(keyCtx auth.APIKeyContext, now time.Time) *auth.LimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweepRateState(now)

	if policy := l.cfg.PerKey; policy.RequestsPerMinute > 0 {
		key := perKeyRateKey(keyCtx)
		events := pruneOldRequests(l.keyRequests[key], now)
		if len(events) >= policy.RequestsPerMinute {
			l.keyRequests[key] = events
			return &auth.LimitResult{
				Code:              "KEY_RATE_LIMIT_EXCEEDED",
				Message:           "request rate limit exceeded for key",
				RetryAfterSeconds: retryAfterSeconds(events, now),
			}
		}
		l.keyRequests[key] = append(events, now)
	}

	if policy := l.cfg.PerProject; policy.RequestsPerMinute > 0 {
		key := perProjectRateKey(keyCtx)
		events := pruneOldRequests(l.projectRequests[key], now)
		if len(events) >= policy.RequestsPerMinute {
			l.projectRequests[key] = events
			return &auth.LimitResult{
				Code:              "PROJECT_RATE_LIMIT_EXCEEDED",
				Message:           "request rate limit exceeded for project",
				RetryAfterSeconds: retryAfterSeconds(events, now),
			}
		}
		l.projectRequests[key] = append(events, now)
	}

	return nil
}

func (l *IngestLimiter) maybeSweepRateState(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < rateStateSweepInterval {
		return
	}
	sweepRequests(l.keyRequests, now)
	sweepRequests(l.projectRequests, now)
	l.lastSweep = now
}

func sweepRequests(state map[string][]time.Time, now time.Time) {
	for key, events := range state {
		pruned := pruneOldRequests(events, now)
		if len(pruned) == 0 {
			delete(state, key)
			continue
		}
		state[key] = pruned
	}
}

func policyEnabled(policy Policy) bool {
	return policy.RequestsPerMinute > 0 || policy.MaxTracesPerDay > 0
}

func pruneOldRequests(events []time.Time, now time.Time) []time.Time {
	if len(events) == 0 {
		return nil
	}
	cutoff := now.Add(-1 * time.Minute)
	keepIdx := 0
	for keepIdx < len(events) && events[keepIdx].Before(cutoff) {
		keepIdx++
	}
	if keepIdx >= len(events) {
		return nil
	}
	out := make([]time.Time, len(events)-keepIdx)
	copy(out, events[keepIdx:])
	return out
}

func retryAfterSeconds(events []time.Time, now time.Time) int {
	if len(events) == 0 {
		return 1
	}
	wait := events[0].Add(time.Minute).Sub(now).Seconds()
	if wait <= 1 {
		return 1
	}
	return int(math.Ceil(wait))
}

func secondsUntilNextDay(now time.Time) int {
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	wait := next.Sub(now).Seconds()
	if wait <= 1 {
		return 1
	}
	return int(math.Ceil(wait))
}

func perKeyRateKey(keyCtx auth.APIKeyContext) string {
	return strings.TrimSpace(keyCtx.OrgID) + "|" + strings.TrimSpace(keyCtx.ProjectID) + "|" + strings.TrimSpace(keyCtx.APIKeyID)
}

func perProjectRateKey(keyCtx auth.APIKeyContext) string {
	return strings.TrimSpace(keyCtx.OrgID) + "|" + strings.TrimSpace(keyCtx.ProjectID)
}
