package bus

import (
	"context"

	"github.com/watchtower-labs/sentrycore/internal/contracts"
)

// InterceptorDecision tells Publish how to continue after an interceptor
// has seen an envelope.
type InterceptorDecision int

const (
	// Continue passes the envelope to the next interceptor (or to
	// subscription fan-out if this was the last one).
	Continue InterceptorDecision = iota
	// Drop stops the chain; the envelope is never enqueued to any
	// subscription. Used by the chaos interceptor's drop-probability path.
	Drop
)

// Interceptor sees every publication, in order of installation, before it
// reaches any subscription queue. An interceptor may delay (by blocking
// until ctx allows it to continue), mutate env.Payload in place, or drop
// the message outright.
type Interceptor func(ctx context.Context, env *contracts.Envelope) InterceptorDecision

type installedInterceptor struct {
	handle Handle
	fn     Interceptor
}

// runInterceptors executes the chain in installation order. A panicking
// interceptor is caught, logged by the caller, and treated as pass-through
// — one broken interceptor must never block publication for everyone else.
func runInterceptors(ctx context.Context, chain []installedInterceptor, env *contracts.Envelope, onPanic func(Handle, any)) InterceptorDecision {
	for _, ic := range chain {
		decision := callInterceptor(ctx, ic, env, onPanic)
		if decision == Drop {
			return Drop
		}
	}
	return Continue
}

func callInterceptor(ctx context.Context, ic installedInterceptor, env *contracts.Envelope, onPanic func(Handle, any)) (decision InterceptorDecision) {
	defer func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(ic.handle, r)
			}
			decision = Continue
		}
	}()
	return ic.fn(ctx, env)
}
