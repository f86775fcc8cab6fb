// Package alert defines the out-of-band operator notification channel.
// The engine only formats and emits; delivery belongs to the transport.
package alert

import "context"

// Alerter delivers a plain-text report to the operators. Implementations
// must be safe for concurrent use and should not block on delivery
// failures.
type Alerter interface {
	Notify(ctx context.Context, text string)
}

// Nop discards alerts. Used in tests and when no operator channel is
// configured.
type Nop struct{}

func (Nop) Notify(context.Context, string) {}
