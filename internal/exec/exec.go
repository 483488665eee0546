// Package exec runs tasks against the direct and mediated execution paths.
//
// Each path owns a connection pool and a circuit breaker; the adapter layers
// retries, the task deadline, AUTO fallback, and a global in-flight bound on
// top. Backends are opaque: the adapter never inspects payloads.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/kasane-ai/kasane/internal/breaker"
	"github.com/kasane-ai/kasane/internal/pool"
	"github.com/kasane-ai/kasane/internal/telemetry"
)

var (
	// ErrDeadline is returned when the task deadline expires before a
	// result was produced. It is never retried and never triggers fallback.
	ErrDeadline = errors.New("exec: task deadline exceeded")

	// ErrUnknownMode is returned by ParseMode for unrecognized input.
	ErrUnknownMode = errors.New("exec: unknown mode")
)

// Mode selects an execution path.
type Mode string

const (
	ModeDirect   Mode = "direct"
	ModeMediated Mode = "mediated"
	ModeAuto     Mode = "auto"
)

// ParseMode converts user input into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, ModeMediated, ModeAuto:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Task is one unit of work. Payload is opaque to the orchestrator.
type Task struct {
	Capability string
	Payload    json.RawMessage
	Timeout    time.Duration // zero means the configured default
	Retry      *RetryPolicy  // nil means the configured default
}

// RetryPolicy bounds per-path retry behavior.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	if p.Base < 1 {
		p.Base = 2
	}
	return p
}

// delay returns the backoff before retry n (0-based), jittered.
func (p RetryPolicy) delay(n int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Base, float64(n)))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(d))) //nolint:gosec // jitter doesn't need crypto-strength randomness
	return d + jitter
}

// Result is the outcome of a successful Run.
type Result struct {
	Payload  json.RawMessage
	Latency  time.Duration
	ModeUsed Mode // concrete path; never ModeAuto
	Attempts int  // backend tries across the whole sequence, fallback included
	TraceID  uuid.UUID
}

// Backend is a pooled connection to an execution backend. Connections are
// created by the path's pool factory and handed out by Acquire.
type Backend interface {
	pool.Conn
	Invoke(ctx context.Context, task Task) (json.RawMessage, error)
}

// BrokenConnError marks an Invoke failure after which the underlying
// connection must not be reused. Backends wrap transport and protocol
// failures in it; task-level failures stay plain errors.
type BrokenConnError struct {
	Err error
}

func (e *BrokenConnError) Error() string { return e.Err.Error() }
func (e *BrokenConnError) Unwrap() error { return e.Err }

// BackendError wraps the final error of an exhausted retry sequence.
type BackendError struct {
	Path     Mode
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("exec: %s path failed after %d attempts in %s: %v", e.Path, e.Attempts, e.Elapsed, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Path bundles the runtime a single execution path owns.
type Path struct {
	Pool    *pool.Pool
	Breaker *breaker.Breaker
}

// Config controls the adapter.
type Config struct {
	// PreferredPath is tried first under ModeAuto.
	PreferredPath Mode

	// MaxInFlight bounds concurrent executions across both paths.
	MaxInFlight int64

	// DefaultTimeout applies to tasks with no explicit timeout.
	DefaultTimeout time.Duration

	// Retry applies to tasks with no explicit policy.
	Retry RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.PreferredPath != ModeDirect {
		c.PreferredPath = ModeMediated
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Adapter routes task execution across the two paths.
type Adapter struct {
	cfg      Config
	direct   Path
	mediated Path
	sem      *semaphore.Weighted
	logger   *slog.Logger
	tracer   trace.Tracer

	executions metric.Int64Counter
	fallbacks  metric.Int64Counter
}

// New creates an Adapter over the two path runtimes.
func New(cfg Config, direct, mediated Path, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	a := &Adapter{
		cfg:      cfg,
		direct:   direct,
		mediated: mediated,
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		logger:   logger,
		tracer:   telemetry.Tracer("kasane/exec"),
	}
	meter := telemetry.Meter("kasane/exec")
	a.executions, _ = meter.Int64Counter("kasane.exec.executions",
		metric.WithDescription("Completed executions by path and outcome"))
	a.fallbacks, _ = meter.Int64Counter("kasane.exec.fallbacks",
		metric.WithDescription("AUTO executions that fell back to the secondary path"))
	return a
}

// Run executes task on the requested path. Under ModeAuto the preferred path
// runs first; if it fails because the path itself is unavailable (open
// breaker, exhausted pool) or its retries are spent, the other path gets one
// reduced-attempt pass. The task deadline bounds the whole sequence.
func (a *Adapter) Run(ctx context.Context, task Task, mode Mode) (*Result, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = a.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := a.tracer.Start(ctx, "exec.run", trace.WithAttributes(
		attribute.String("capability", task.Capability),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, a.deadlineErr(err)
	}
	defer a.sem.Release(1)

	retry := a.cfg.Retry
	if task.Retry != nil {
		retry = task.Retry.withDefaults()
	}

	traceID := uuid.New()
	start := time.Now()

	switch mode {
	case ModeDirect, ModeMediated:
		res, err := a.runPath(ctx, task, mode, retry, retry.MaxAttempts)
		return a.finish(res, err, mode, traceID, start)
	case ModeAuto:
		primary := a.cfg.PreferredPath
		secondary := ModeDirect
		if primary == ModeDirect {
			secondary = ModeMediated
		}

		res, err := a.runPath(ctx, task, primary, retry, retry.MaxAttempts)
		if err == nil || !fallbackEligible(err) {
			return a.finish(res, err, primary, traceID, start)
		}

		// Attempts on the result counts the whole sequence, both passes.
		primaryAttempts := 0
		var be *BackendError
		if errors.As(err, &be) {
			primaryAttempts = be.Attempts
		}

		a.logger.Info("falling back to secondary path",
			"capability", task.Capability,
			"primary", primary,
			"secondary", secondary,
			"trace_id", traceID,
			"error", err,
		)
		a.fallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(primary)),
			attribute.String("to", string(secondary)),
		))

		fallbackAttempts := (retry.MaxAttempts + 1) / 2
		res, ferr := a.runPath(ctx, task, secondary, retry, fallbackAttempts)
		if ferr != nil {
			return a.finish(nil, ferr, secondary, traceID, start)
		}
		res.Attempts += primaryAttempts
		return a.finish(res, nil, secondary, traceID, start)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func (a *Adapter) path(mode Mode) Path {
	if mode == ModeDirect {
		return a.direct
	}
	return a.mediated
}

// runPath makes up to attempts tries on one path, backing off between them.
// Path-unavailable errors (ErrOpen, ErrExhausted) and deadline expiry abort
// the loop immediately; task-level errors are retried and finally wrapped in
// a BackendError.
func (a *Adapter) runPath(ctx context.Context, task Task, mode Mode, retry RetryPolicy, attempts int) (*Result, error) {
	p := a.path(mode)
	start := time.Now()
	var lastErr error

	for n := 0; n < attempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, a.deadlineErr(err)
		}

		var payload json.RawMessage
		err := p.Breaker.Call(ctx, func(ctx context.Context) error {
			conn, err := p.Pool.Acquire(ctx)
			if err != nil {
				return err
			}
			backend := conn.(Backend)
			payload, err = backend.Invoke(ctx, task)
			var broken *BrokenConnError
			p.Pool.Release(conn, errors.As(err, &broken))
			return err
		})
		if err == nil {
			return &Result{
				Payload:  payload,
				ModeUsed: mode,
				Attempts: n + 1,
			}, nil
		}

		if errors.Is(err, breaker.ErrOpen) || errors.Is(err, pool.ErrExhausted) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, a.deadlineErr(err)
		}
		lastErr = err

		if n+1 < attempts {
			select {
			case <-ctx.Done():
				return nil, a.deadlineErr(ctx.Err())
			case <-time.After(retry.delay(n)):
			}
		}
	}

	return nil, &BackendError{
		Path:     mode,
		Attempts: attempts,
		Elapsed:  time.Since(start),
		Err:      lastErr,
	}
}

func (a *Adapter) finish(res *Result, err error, mode Mode, traceID uuid.UUID, start time.Time) (*Result, error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	a.executions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("path", string(mode)),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		return nil, err
	}
	res.TraceID = traceID
	res.Latency = time.Since(start)
	return res, nil
}

// deadlineErr maps context expiry on the task deadline to ErrDeadline; a
// caller-canceled context passes through.
func (a *Adapter) deadlineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrDeadline
	}
	return err
}

// ShouldTrip is the breaker failure predicate for execution paths. Local
// resource exhaustion and caller cancellation say nothing about backend
// health and must not move the failure counter.
func ShouldTrip(err error) bool {
	return !errors.Is(err, pool.ErrExhausted) &&
		!errors.Is(err, pool.ErrClosed) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, context.Canceled)
}

// fallbackEligible reports whether a primary-path failure should trigger the
// AUTO fallback pass.
func fallbackEligible(err error) bool {
	if errors.Is(err, ErrDeadline) || errors.Is(err, context.Canceled) {
		return false
	}
	var be *BackendError
	return errors.Is(err, breaker.ErrOpen) || errors.Is(err, pool.ErrExhausted) || errors.As(err, &be)
}
