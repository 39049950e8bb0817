// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package api

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/metrics"
	"github.com/tallyhq/tally/internal/ratelimit"
)

type decisionContextKey struct{}

// DecisionFromContext returns the rate-limit decision attached to the
// request, if any.
func DecisionFromContext(ctx context.Context) (ratelimit.Result, bool) {
	decision, ok := ctx.Value(decisionContextKey{}).(ratelimit.Result)
	return decision, ok
}

// RateLimiter is the request-admission middleware. The error group is
// checked first: a caller blocked for producing too many errors is rejected
// before spending general quota. Otherwise the general group consumes one
// unit and the request proceeds; error responses (status >= 400) consume
// the error group on the way out, and a blocking decision at write time
// turns the response into a 429.
type RateLimiter struct {
	errors  *ratelimit.Group
	general *ratelimit.Group
	now     func() time.Time
}

// NewRateLimiter creates the middleware over the two policy groups.
func NewRateLimiter(errorGroup, generalGroup *ratelimit.Group) *RateLimiter {
	return &RateLimiter{
		errors:  errorGroup,
		general: generalGroup,
		now:     time.Now,
	}
}

// Middleware applies the admission policy to one request.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := clientIP(r)

		decision, err := rl.errors.Check(ctx, nil, ip, nil)
		if err != nil {
			rl.fail(w, r, err)
			return
		}

		if decision.Blocked() {
			// Still consume general quota so the block is visible in the
			// shared counters, seeded so the strictest decision survives.
			decision, err = rl.general.Consume(ctx, nil, ip, &decision)
			if err != nil {
				rl.fail(w, r, err)
				return
			}
			metrics.RecordLimitDecision(decision.Name, true)
			rl.reject(w, r, decision)
			return
		}

		decision, err = rl.general.Consume(ctx, nil, ip, nil)
		if err != nil {
			rl.fail(w, r, err)
			return
		}
		metrics.RecordLimitDecision(decision.Name, decision.Blocked())

		// Buffer the downstream response so the final decision, which
		// depends on the response status, can still rewrite it.
		buf := newBufferedResponse()
		ctx = context.WithValue(ctx, decisionContextKey{}, decision)
		next.ServeHTTP(buf, r.WithContext(ctx))

		if buf.status >= http.StatusBadRequest {
			consumed, err := rl.errors.Consume(ctx, nil, ip, &decision)
			if err != nil {
				logger := logging.Ctx(ctx)
				logger.Error().Err(err).Msg("error-limiter consume failed")
			} else {
				decision = consumed
			}
		}

		rl.attachHeaders(w, decision)

		if decision.Blocked() {
			logger := logging.Ctx(ctx)
			logger.Warn().
				Int("code", buf.status).
				Str("reason", decision.BlockReason).
				Str("ip", ip).
				Msg("overriding response code due to rate limit")
			metrics.RecordLimitDecision(decision.Name, true)
			respondMessage(w, http.StatusTooManyRequests, decision.BlockReason)
			return
		}

		buf.flush(w)
	})
}

// reject answers a request blocked before reaching any handler.
func (rl *RateLimiter) reject(w http.ResponseWriter, r *http.Request, decision ratelimit.Result) {
	logger := logging.Ctx(r.Context())
	logger.Warn().
		Str("reason", decision.BlockReason).
		Str("ip", clientIP(r)).
		Msg("request rejected by rate limit")
	rl.attachHeaders(w, decision)
	respondMessage(w, http.StatusTooManyRequests, decision.BlockReason)
}

// fail answers a request whose limiter call itself failed.
func (rl *RateLimiter) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ratelimit.ErrMissingIdentity) {
		respondMessage(w, http.StatusBadRequest, "client ip is required")
		return
	}
	logger := logging.Ctx(r.Context())
	logger.Error().Err(err).Msg("rate limiter unavailable")
	respondMessage(w, http.StatusInternalServerError, "rate limiter unavailable")
}

// attachHeaders exposes the decision on the response.
func (rl *RateLimiter) attachHeaders(w http.ResponseWriter, decision ratelimit.Result) {
	reset := rl.now().UTC().Add(time.Duration(decision.ResetMS) * time.Millisecond)

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	h.Set("X-RateLimit-Reset", reset.Format(time.RFC3339))

	if decision.Blocked() {
		seconds := (decision.ResetMS + 500) / 1000
		h.Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
}

// clientIP resolves the caller address, trusting X-Forwarded-For when a
// proxy supplied one.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			forwarded = forwarded[:i]
		}
		return strings.TrimSpace(forwarded)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bufferedResponse captures a downstream response in memory.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(status int) {
	b.status = status
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

// flush replays the captured response onto the real writer.
func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for key, values := range b.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(b.status)
	if _, err := w.Write(b.body.Bytes()); err != nil {
		logging.Error().Err(err).Msg("failed to flush buffered response")
	}
}
