package orchestrator

import "errors"

var (
	// ErrUnknownModuleType is returned when a fragment's type field has
	// no registered factory.
	ErrUnknownModuleType = errors.New("orchestrator: no factory registered for module type")

	// ErrDuplicateModuleType is returned by Registry.Register when a
	// type is registered twice.
	ErrDuplicateModuleType = errors.New("orchestrator: module type already registered")

	// ErrModuleConfigureFailed wraps a module's Configure error at boot.
	// The module is left out of the running set; the orchestrator
	// continues booting the rest.
	ErrModuleConfigureFailed = errors.New("orchestrator: module configure failed")

	// ErrModuleStartFailed wraps a module's Start error. The module is
	// marked error; the orchestrator continues booting the rest.
	ErrModuleStartFailed = errors.New("orchestrator: module start failed")

	// ErrShutdownDeadlineExceeded marks a module that did not return
	// from Stop within its deadline. It is abandoned, not retried.
	ErrShutdownDeadlineExceeded = errors.New("orchestrator: module missed its shutdown deadline")
)
