package relay

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiters holds the three client-side rate limits clients are
// expected to respect (the server enforces them independently).
type Limiters struct {
	PairingRegister *rate.Limiter
	RelaySend       *rate.Limiter
	Poll            *rate.Limiter
}

// NewLimiters constructs the standard limits: pairing-register
// 10/hour, relay-send 100/minute, poll 60/minute.
func NewLimiters() *Limiters {
	return &Limiters{
		PairingRegister: rate.NewLimiter(rate.Every(time.Hour/10), 10),
		RelaySend:       rate.NewLimiter(rate.Every(time.Minute/100), 100),
		Poll:            rate.NewLimiter(rate.Every(time.Minute/60), 60),
	}
}
