// Package ratelimit enforces the per-execution quota on rounds and tokens
// for one Sampling Bridge Server instance.
//
// All state lives behind a single mutex. The two named critical sections the
// design calls for — "rate-limit-check" and "rate-limit-update" — are not two
// locks: they are the same mutex used for two distinct access patterns
// (read-only preflight vs. read-modify-write commit). Composite
// check-then-mutate sequences must be expressed as a single call into this
// package so they run inside one critical section; splitting a check and its
// matching increment across two separate lock acquisitions reopens the race
// this package exists to close.
package ratelimit

import "sync"

// Limiter tracks cumulative rounds and tokens consumed by one execution
// against its configured ceilings.
type Limiter struct {
	mu sync.Mutex

	maxRounds uint32
	maxTokens uint32

	roundsUsed uint32
	tokensUsed uint32
}

// New constructs a Limiter enforcing maxRounds and maxTokens.
func New(maxRounds, maxTokens uint32) *Limiter {
	return &Limiter{maxRounds: maxRounds, maxTokens: maxTokens}
}

// Metrics is a point-in-time snapshot of consumed quota.
type Metrics struct {
	RoundsUsed uint32
	TokensUsed uint32
}

// Remaining is a point-in-time snapshot of unused quota.
type Remaining struct {
	Rounds uint32
	Tokens uint32
}

// CheckRoundLimit reports whether one more round may be started. This is the
// rate-limit-check critical section: it reads state without mutating it.
func (l *Limiter) CheckRoundLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roundsUsed < l.maxRounds
}

// CheckTokenLimit reports whether consuming extra additional tokens would
// still fit within the configured ceiling. Also part of rate-limit-check.
func (l *Limiter) CheckTokenLimit(extra uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokensUsed+extra <= l.maxTokens
}

// IncrementRounds commits one round against the quota.
func (l *Limiter) IncrementRounds() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roundsUsed++
}

// DecrementRounds rolls back one optimistically-booked round. Round rollback
// exists for streaming dispatch only: rounds are booked before the token
// count is known, then rolled back if the call is refused for quota or fails
// upstream. Streaming dispatch does this through DecrementRoundsLocked inside
// WithUpdate; no other code path rolls back rounds.
func (l *Limiter) DecrementRounds() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roundsUsed > 0 {
		l.roundsUsed--
	}
}

// IncrementTokens commits n tokens against the quota.
func (l *Limiter) IncrementTokens(n uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokensUsed += n
}

// GetMetrics returns the current consumed-quota snapshot.
func (l *Limiter) GetMetrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Metrics{RoundsUsed: l.roundsUsed, TokensUsed: l.tokensUsed}
}

// GetQuotaRemaining returns the current unused-quota snapshot.
func (l *Limiter) GetQuotaRemaining() Remaining {
	l.mu.Lock()
	defer l.mu.Unlock()
	rounds := uint32(0)
	if l.maxRounds > l.roundsUsed {
		rounds = l.maxRounds - l.roundsUsed
	}
	tokens := uint32(0)
	if l.maxTokens > l.tokensUsed {
		tokens = l.maxTokens - l.tokensUsed
	}
	return Remaining{Rounds: rounds, Tokens: tokens}
}

// WithCheck runs fn under the same mutex used by CheckRoundLimit and
// CheckTokenLimit, as the rate-limit-check critical section. Use this when a
// preflight needs to combine more than one check atomically — e.g. the
// server's dispatch pipeline calling CheckRoundLimit() and then
// CheckTokenLimit(0) as one indivisible decision.
func (l *Limiter) WithCheck(fn func(l *Limiter)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l)
}

// WithUpdate runs fn under the same mutex as the rate-limit-update critical
// section, for composite read-modify-write sequences such as "re-check the
// token limit, then commit the increment, as one atomic step".
func (l *Limiter) WithUpdate(fn func(l *Limiter)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l)
}

// checkRoundLimitLocked and checkTokenLimitLocked let callers inside a
// WithCheck/WithUpdate closure reuse the same decision logic as the exported,
// self-locking methods without deadlocking on the mutex they already hold.
func (l *Limiter) checkRoundLimitLocked() bool {
	return l.roundsUsed < l.maxRounds
}

func (l *Limiter) checkTokenLimitLocked(extra uint32) bool {
	return l.tokensUsed+extra <= l.maxTokens
}

// CheckRoundLimitLocked is checkRoundLimitLocked exposed for use inside a
// WithCheck/WithUpdate closure.
func (l *Limiter) CheckRoundLimitLocked() bool { return l.checkRoundLimitLocked() }

// CheckTokenLimitLocked is checkTokenLimitLocked exposed for use inside a
// WithCheck/WithUpdate closure.
func (l *Limiter) CheckTokenLimitLocked(extra uint32) bool { return l.checkTokenLimitLocked(extra) }

// IncrementRoundsLocked increments roundsUsed without acquiring the mutex;
// callers must already hold it via WithCheck/WithUpdate.
func (l *Limiter) IncrementRoundsLocked() { l.roundsUsed++ }

// DecrementRoundsLocked decrements roundsUsed without acquiring the mutex;
// callers must already hold it via WithCheck/WithUpdate.
func (l *Limiter) DecrementRoundsLocked() {
	if l.roundsUsed > 0 {
		l.roundsUsed--
	}
}

// IncrementTokensLocked increments tokensUsed without acquiring the mutex;
// callers must already hold it via WithCheck/WithUpdate.
func (l *Limiter) IncrementTokensLocked(n uint32) { l.tokensUsed += n }
