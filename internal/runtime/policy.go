package runtime

import (
	"strings"
	"time"
)

// Decision is the outcome of classifying a handler error.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Classification reasons recorded on the queue row.
const (
	ReasonCapabilityError = "capability_error"
	ReasonTransientError  = "transient_error"
	ReasonTerminalError   = "terminal_error"
)

// capabilitySubstrings identify errors the handler should have degraded
// around (e.g. sending an image to a text-only model). Never retried.
var capabilitySubstrings = []string{
	"image_url",
	"unsupported input",
	"does not support image",
}

// transientSubstrings identify errors worth retrying with backoff.
var transientSubstrings = []string{
	"already processing a prompt",
	"timeout",
	"temporarily unavailable",
	"network",
	"rate limit",
	"503",
}

// ErrorPolicy maps (error, attempt) to a retry decision. Pure; classification
// is case-insensitive substring matching over the error message.
type ErrorPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultErrorPolicy returns the standard policy: up to 3 attempts with
// exponential backoff starting at one second.
func DefaultErrorPolicy() ErrorPolicy {
	return ErrorPolicy{MaxRetries: 3, BaseDelay: time.Second}
}

// Decide classifies err after the given attempt (1-based).
func (p ErrorPolicy) Decide(err error, attempt int) Decision {
	msg := strings.ToLower(err.Error())

	for _, s := range capabilitySubstrings {
		if strings.Contains(msg, s) {
			return Decision{Reason: ReasonCapabilityError}
		}
	}

	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			if attempt < p.MaxRetries {
				return Decision{
					Retry:  true,
					Delay:  p.BaseDelay * (1 << attempt),
					Reason: ReasonTransientError,
				}
			}
			return Decision{Reason: ReasonTerminalError}
		}
	}

	return Decision{Reason: ReasonTerminalError}
}
