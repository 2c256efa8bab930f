package net

import (
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// PacketLimiter is a token bucket deciding whether a received packet may be
// processed. The bucket can be replaced at runtime.
type PacketLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewPacketLimiter allows limit packets per second with bursts of burst.
// limit <= 0 disables limiting.
func NewPacketLimiter(limit, burst int) *PacketLimiter {
	l := &PacketLimiter{}
	l.Reload(limit, burst)
	return l
}

// Allow consumes one token without waiting.
func (l *PacketLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

func (l *PacketLimiter) Reload(limit, burst int) {
	if limit <= 0 {
		l.limiter.Store(rate.NewLimiter(rate.Inf, 0))
		return
	}
	if burst <= 0 {
		burst = limit
	}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// AcceptLimiter spaces accepted connections evenly (leaky bucket).
type AcceptLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewAcceptLimiter admits limit connections per second. limit <= 0 disables
// limiting.
func NewAcceptLimiter(limit int) *AcceptLimiter {
	l := &AcceptLimiter{}
	l.Reload(limit)
	return l
}

// Take blocks until the next connection may be accepted.
func (l *AcceptLimiter) Take() {
	_ = (*l.limiter.Load()).Take()
}

func (l *AcceptLimiter) Reload(limit int) {
	var limiter ratelimit.Limiter
	if limit <= 0 {
		limiter = ratelimit.NewUnlimited()
	} else {
		limiter = ratelimit.New(limit, ratelimit.WithoutSlack)
	}
	l.limiter.Store(&limiter)
}
