// Package lockout decides how failed logins translate into temporary
// account locks. Every function is pure: callers persist the returned state.
package lockout

import "time"

const (
	DefaultThreshold     = 5
	DefaultBaseDuration  = 15 * time.Minute
	DefaultCapMultiplier = 4
)

// State is the persisted login-attempt state of one subject.
// LockedUntil is only set after FailedCount crossed the threshold since the
// last successful login.
type State struct {
	FailedCount int
	LockedUntil *time.Time
}

func (s State) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

func (s State) Remaining(now time.Time) time.Duration {
	if !s.Locked(now) {
		return 0
	}
	return s.LockedUntil.Sub(now)
}

type Policy struct {
	Threshold     int
	BaseDuration  time.Duration
	CapMultiplier int
}

func DefaultPolicy() Policy {
	return Policy{
		Threshold:     DefaultThreshold,
		BaseDuration:  DefaultBaseDuration,
		CapMultiplier: DefaultCapMultiplier,
	}
}

func (p Policy) normalized() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.BaseDuration <= 0 {
		p.BaseDuration = DefaultBaseDuration
	}
	if p.CapMultiplier <= 0 {
		p.CapMultiplier = DefaultCapMultiplier
	}
	return p
}

// Decision reports whether an attempt must be rejected before the password
// is looked at.
type Decision struct {
	Locked bool
	Until  time.Time
}

// Evaluate is applied before any password comparison. An active lock
// rejects the attempt; an expired lock re-enters Unlocked(0).
func (p Policy) Evaluate(s State, now time.Time) (State, Decision) {
	if s.LockedUntil == nil {
		return s, Decision{}
	}
	if now.Before(*s.LockedUntil) {
		return s, Decision{Locked: true, Until: *s.LockedUntil}
	}
	return State{}, Decision{}
}

// Duration is base × min(failedCount − threshold + 1, cap).
func (p Policy) Duration(failedCount int) time.Duration {
	p = p.normalized()
	multiplier := failedCount - p.Threshold + 1
	if multiplier < 1 {
		multiplier = 1
	}
	if multiplier > p.CapMultiplier {
		multiplier = p.CapMultiplier
	}
	return p.BaseDuration * time.Duration(multiplier)
}

// RegisterFailure records a failed credential check. Failures while a lock
// is active do not count; they never reached the password comparison.
func (p Policy) RegisterFailure(s State, now time.Time) State {
	p = p.normalized()
	s, decision := p.Evaluate(s, now)
	if decision.Locked {
		return s
	}

	next := State{FailedCount: s.FailedCount + 1}
	if next.FailedCount >= p.Threshold {
		until := now.Add(p.Duration(next.FailedCount))
		next.LockedUntil = &until
	}
	return next
}

// RegisterSuccess records a successful credential check. A lock that became
// active after the caller evaluated the state is preserved.
func (p Policy) RegisterSuccess(s State, now time.Time) State {
	if s.Locked(now) {
		return s
	}
	return State{}
}

// JustLocked reports whether the transition from prev to next engaged a lock.
func JustLocked(prev, next State, now time.Time) bool {
	return !prev.Locked(now) && next.Locked(now)
}
