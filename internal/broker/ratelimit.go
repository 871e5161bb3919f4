// ratelimit.go provides per-endpoint-class rate limiting for the gateway API.
//
// The gateway enforces two request budgets: a general budget for most
// endpoints (200 requests per 60s) and a tighter one for history bar
// retrieval (50 per 30s). Each class is backed by a golang.org/x/time/rate
// limiter, which queues waiters FIFO and refills continuously so bursts
// smooth out instead of slamming the hard limit.
package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	generalWindow = 60 * time.Second
	generalBudget = 200
	historyWindow = 30 * time.Second
	historyBudget = 50
)

// RateLimiter groups limiters by gateway endpoint class. Every REST call
// waits on the matching class before issuing the HTTP request; a context
// deadline expiring during the wait fails the call with TIMEOUT.
type RateLimiter struct {
	General *rate.Limiter // everything except history
	History *rate.Limiter // History/retrieveBars
}

// NewRateLimiter creates limiters tuned to the gateway's published budgets.
// Burst equals the full window allowance so a cold start is never throttled.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		General: rate.NewLimiter(rate.Limit(float64(generalBudget)/generalWindow.Seconds()), generalBudget),
		History: rate.NewLimiter(rate.Limit(float64(historyBudget)/historyWindow.Seconds()), historyBudget),
	}
}

// waitClass blocks until the class grants a token or ctx expires. The
// error, when non-nil, is already classified for the Result surface.
func waitClass(ctx context.Context, lim *rate.Limiter) *Error {
	if err := lim.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return errFromContext(ctx.Err())
		}
		// Wait refuses up front when it can prove the deadline cannot be
		// met; that is still a deadline failure from the caller's view.
		return &Error{Kind: KindTimeout, Message: err.Error(), Retriable: true}
	}
	return nil
}
