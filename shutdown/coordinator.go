package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/govkit/govkit/logging"
)

// Coordinator runs registered handlers phase by phase during teardown.
type Coordinator struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	err     error
	result  *Result
	done    chan struct{}
	signals chan os.Signal
	started time.Time
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.DefaultPhase == 0 {
		cfg.DefaultPhase = DefaultConfig().DefaultPhase
	}
	return &Coordinator{
		cfg:     cfg,
		log:     logging.New().WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// SetLogger replaces the coordinator's logger.
func (c *Coordinator) SetLogger(log *logging.Logger) {
	c.log = log.WithComponent("shutdown")
}

// Register adds a handler at the given phase.
func (c *Coordinator) Register(name string, handler Handler, phase int) {
	if phase == 0 {
		phase = c.cfg.DefaultPhase
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc adds a plain function as a handler.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error, phase int) {
	c.Register(name, Func(fn), phase)
}

// Shutdown runs all handlers once. Later calls return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.started = time.Now()
		c.err = c.run(ctx)
		close(c.done)
	})

	select {
	case <-c.done:
		return c.err
	default:
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout runs Shutdown under a deadline.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c.signals
		_ = c.ShutdownWithTimeout(c.cfg.DefaultTimeout)
	}()
}

// Trigger injects a synthetic signal, for tests and operator tooling.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed, nil before.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the detailed outcome once Done is closed, nil before.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

// run executes phases in ascending order, handlers within a phase
// concurrently.
func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Handlers: make([]HandlerResult, 0, len(handlers))}
	var overall error

	for _, phase := range groupByPhase(handlers) {
		select {
		case <-ctx.Done():
			result.Err = ErrTimeout
			result.TotalDuration = time.Since(c.started)
			c.result = result
			return ErrTimeout
		default:
		}

		outcomes := c.runPhase(ctx, phase)
		result.Handlers = append(result.Handlers, outcomes...)

		for _, hr := range outcomes {
			if hr.Err == nil {
				continue
			}
			if overall == nil {
				overall = ErrHandlerFailed
			}
			if !c.cfg.ContinueOnError {
				result.Err = overall
				result.TotalDuration = time.Since(c.started)
				c.result = result
				return overall
			}
		}
	}

	result.Err = overall
	result.TotalDuration = time.Since(c.started)
	c.result = result
	return overall
}

// runPhase runs one phase's handlers concurrently and waits for all.
func (c *Coordinator) runPhase(ctx context.Context, phase []registration) []HandlerResult {
	results := make([]HandlerResult, len(phase))
	var wg sync.WaitGroup

	for i, reg := range phase {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr

			if err != nil {
				c.log.Error("handler_failed", map[string]interface{}{
					"handler": r.name,
					"phase":   r.phase,
					"error":   err.Error(),
				})
			} else {
				c.log.Debug("handler_done", map[string]interface{}{
					"handler": r.name,
					"phase":   r.phase,
					"took":    hr.Duration.String(),
				})
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted registrations into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}

	var groups [][]registration
	var current []registration
	phase := handlers[0].phase

	for _, h := range handlers {
		if h.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = h.phase
		}
		current = append(current, h)
	}
	return append(groups, current)
}
