package ember

import (
	"context"
	"encoding/json"
	"time"
)

// RateLimitResult is the outcome of one sliding-window check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	// RetryAfter is whole seconds until the oldest in-window hit ages out.
	// At least 1 when Allowed is false.
	RetryAfter int
}

// RateLimiter tracks request timestamps per bucket in a shared KV store.
// Each bucket holds a JSON array of epoch-millisecond timestamps trimmed to
// the window on every check.
//
// The read-filter-append-write cycle is not atomic: two concurrent requests
// can both pass at the boundary. The limiter throttles abuse, it is not an
// exact quota, and losing a race occasionally admits one extra request
// rather than rejecting a legitimate one.
type RateLimiter struct {
	kv  KV
	now func() time.Time
}

func NewRateLimiter(kv KV, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{kv: kv, now: now}
}

// Check records a hit against the bucket and reports whether it fit within
// the rule's window.
func (l *RateLimiter) Check(ctx context.Context, bucket string, rule RateLimitRule) (RateLimitResult, error) {
	nowMS := l.now().UnixMilli()
	windowMS := rule.Window.Milliseconds()
	cutoff := nowMS - windowMS

	raw, found, err := l.kv.Get(ctx, bucket)
	if err != nil {
		return RateLimitResult{}, err
	}

	var stamps []int64
	if found {
		// A corrupt bucket resets rather than wedging the flow.
		if err := json.Unmarshal(raw, &stamps); err != nil {
			stamps = nil
		}
	}

	inWindow := stamps[:0]
	for _, ts := range stamps {
		if ts > cutoff {
			inWindow = append(inWindow, ts)
		}
	}

	if len(inWindow) >= rule.Limit {
		oldest := inWindow[0]
		for _, ts := range inWindow {
			if ts < oldest {
				oldest = ts
			}
		}
		retry := (oldest + windowMS - nowMS + 999) / 1000
		if retry < 1 {
			retry = 1
		}
		return RateLimitResult{Allowed: false, Remaining: 0, RetryAfter: int(retry)}, nil
	}

	inWindow = append(inWindow, nowMS)
	encoded, err := json.Marshal(inWindow)
	if err != nil {
		return RateLimitResult{}, err
	}
	if err := l.kv.Put(ctx, bucket, encoded, rule.Window); err != nil {
		return RateLimitResult{}, err
	}

	return RateLimitResult{
		Allowed:   true,
		Remaining: rule.Limit - len(inWindow),
	}, nil
}
