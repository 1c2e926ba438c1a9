package resilience

import "time"

// ReconnectPolicy bounds automatic reconnection of a transport. It is a value
// type: Next returns the delay for the following attempt and the advanced
// policy, Reset returns it to zero attempts after a successful connect.
type ReconnectPolicy struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	// Multiplier above 1 grows the delay per attempt, capped at MaxDelay.
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultReconnectPolicy is a fixed 1s delay with five attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: 5, Delay: time.Second, Multiplier: 1}
}

// Next reports whether another attempt is allowed and how long to wait for it.
func (p ReconnectPolicy) Next() (ReconnectPolicy, time.Duration, bool) {
	if p.Attempt >= p.MaxAttempts {
		return p, 0, false
	}
	delay := p.Delay
	if p.Multiplier > 1 {
		for i := 0; i < p.Attempt; i++ {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				delay = p.MaxDelay
				break
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	p.Attempt++
	return p, delay, true
}

// Reset clears the attempt counter.
func (p ReconnectPolicy) Reset() ReconnectPolicy {
	p.Attempt = 0
	return p
}

// Exhausted reports whether no attempts remain.
func (p ReconnectPolicy) Exhausted() bool {
	return p.Attempt >= p.MaxAttempts
}
