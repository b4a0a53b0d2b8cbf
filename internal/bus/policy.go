package bus

import "time"

const (
	DefaultStep        = 100 * time.Millisecond
	DefaultMaxDelay    = 3000 * time.Millisecond
	DefaultMaxAttempts = 20
)

// Policy is the reconnect policy applied after an established link drops.
type Policy struct {
	Step        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the 100ms step, 3s ceiling, 20 attempt policy.
func DefaultPolicy() Policy {
	return Policy{
		Step:        DefaultStep,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p Policy) sanitized() Policy {
	if p.Step <= 0 {
		p.Step = DefaultStep
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay returns the wait before the given retry attempt (1-based):
// min(attempt*Step, MaxDelay). It does not know about shutdown; callers
// check that before scheduling.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.sanitized()
	if attempt < 1 {
		attempt = 1
	}
	if int64(attempt) > int64(p.MaxDelay/p.Step) {
		return p.MaxDelay
	}
	return min(time.Duration(attempt)*p.Step, p.MaxDelay)
}

// Exhausted reports whether attempt is past the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.sanitized().MaxAttempts
}

// Backoff is Delay under the default policy.
func Backoff(attempt int) time.Duration {
	return DefaultPolicy().Delay(attempt)
}
