package bus

import "errors"

var (
	// ErrPublishTimeout is returned by Publish when a block-policy
	// subscription's queue stayed full past the publish deadline.
	ErrPublishTimeout = errors.New("bus: publish timeout")

	// ErrPublishCancelled is returned by Publish when the caller's context
	// was cancelled while waiting on a block-policy subscription.
	ErrPublishCancelled = errors.New("bus: publish cancelled")

	// ErrBusOverflow marks a drop caused by a full queue under a
	// drop_newest or drop_oldest policy. It is never returned from
	// Publish — it is recorded only in subscription counters — but is
	// exposed here so callers constructing diagnostics can reference it.
	ErrBusOverflow = errors.New("bus: subscription queue overflow")

	// ErrHandlerTimeout marks a handler invocation that exceeded its
	// per-call deadline.
	ErrHandlerTimeout = errors.New("bus: handler timeout")

	// ErrUnknownHandle is returned by Unsubscribe/RemoveInterceptor for a
	// handle that does not correspond to a live subscription/interceptor.
	ErrUnknownHandle = errors.New("bus: unknown handle")

	// ErrCapacityOutOfRange is returned by Subscribe when capacity falls
	// outside (0, MaxCapacity].
	ErrCapacityOutOfRange = errors.New("bus: subscription capacity out of range")
)
