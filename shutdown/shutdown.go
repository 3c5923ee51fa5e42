package shutdown

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not finish within its deadline.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates at least one handler returned an error.
	ErrHandlerFailed = errors.New("one or more shutdown handlers failed")
)

// Phases order teardown across the governance subsystems. Lower phases
// run first; handlers within a phase run concurrently.
const (
	// PhaseFrontend stops outward-facing surfaces (the event feed) so no
	// new observers or requests arrive.
	PhaseFrontend = 10

	// PhaseCoordinators stops orchestrators (consensus coordinator) that
	// still issue calls into the leaf subsystems.
	PhaseCoordinators = 20

	// PhaseBackground stops the leaf subsystems and their sweeps
	// (discovery, broker, event bus).
	PhaseBackground = 30

	// PhaseBacking closes backing resources last: the message bus
	// connection and the audit index.
	PhaseBacking = 40
)

// Handler is implemented by components that participate in teardown.
// The context carries the overall shutdown deadline; implementations
// stop accepting work, join their loops, and release resources.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error { return f(ctx) }

// Closer adapts a context-free Close method to a shutdown function.
func Closer(close func() error) Func {
	return func(context.Context) error { return close() }
}

// HandlerResult records the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result records the outcome of a full shutdown pass.
type Result struct {
	TotalDuration time.Duration
	Handlers      []HandlerResult
	Err           error
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config tunes the coordinator.
type Config struct {
	// DefaultTimeout bounds ShutdownWithTimeout when no timeout is given
	// and the signal-triggered shutdown path.
	DefaultTimeout time.Duration

	// DefaultPhase is assigned by Register when no phase is specified.
	DefaultPhase int

	// ContinueOnError keeps later phases running after a handler fails.
	ContinueOnError bool
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    PhaseBackground,
		ContinueOnError: true,
	}
}

// registration pairs a handler with its phase.
type registration struct {
	name    string
	handler Handler
	phase   int
}
