package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is a node of the retry state machine
type State int

const (
	StateAttempting State = iota
	StateBackoff
	StateSucceeded
	StateExhausted
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateBackoff:
		return "backoff"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateFatal:
		return "fatal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions leave s
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateFatal
}

// Outcome is the classified result of a single attempt
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Attempt records one call made by the executor. It is never persisted.
type Attempt struct {
	Number      int
	DelayBefore time.Duration
	Outcome     Outcome
	Err         error
}

// Classifier maps a call error to an outcome. It is never called with nil.
type Classifier func(err error) Outcome

// Sleeper suspends the calling goroutine for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Observer receives every attempt after it completes
type Observer func(Attempt)

// next is the transition function of the retry state machine
func next(state State, outcome Outcome, attempt, maxAttempts int) State {
	switch state {
	case StateAttempting:
		switch outcome {
		case OutcomeSuccess:
			return StateSucceeded
		case OutcomeRetryable:
			if attempt < maxAttempts {
				return StateBackoff
			}
			return StateExhausted
		default:
			return StateFatal
		}
	case StateBackoff:
		return StateAttempting
	}
	return state
}

// ExhaustedError is returned once the attempt budget is spent on retryable failures
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// FatalError is returned when an attempt fails in a way that must not be retried
type FatalError struct {
	Attempt int
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("non-retryable failure on attempt %d: %v", e.Attempt, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from a spent retry budget
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Executor runs calls under a Policy. It holds no per-call state and is safe
// for concurrent use.
type Executor struct {
	policy   Policy
	classify Classifier
	sleep    Sleeper
	observe  Observer
	logger   *slog.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithSleeper replaces the timer-based sleeper
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithObserver registers a callback invoked after every attempt
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observe = o }
}

// WithLogger sets the logger used for backoff messages
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor. A nil classifier treats every error as retryable.
func NewExecutor(policy Policy, classify Classifier, opts ...Option) (*Executor, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if classify == nil {
		classify = func(error) Outcome { return OutcomeRetryable }
	}

	e := &Executor{
		policy:   policy,
		classify: classify,
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the executor's policy
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs call until it succeeds, fails fatally, or the budget is spent
func (e *Executor) Do(ctx context.Context, name string, call func(ctx context.Context) error) error {
	var (
		state   = StateAttempting
		attempt int
		lastErr error
	)

	for {
		switch state {
		case StateAttempting:
			attempt++
			outcome, err := e.attempt(ctx, call)
			lastErr = err

			if e.observe != nil {
				e.observe(Attempt{
					Number:      attempt,
					DelayBefore: e.policy.Delay(attempt - 1),
					Outcome:     outcome,
					Err:         err,
				})
			}
			state = next(state, outcome, attempt, e.policy.MaxRetries)

		case StateBackoff:
			delay := e.policy.Delay(attempt)
			e.logger.Warn("retryable failure, backing off",
				"call", name,
				"attempt", attempt,
				"max_attempts", e.policy.MaxRetries,
				"delay", delay,
				"error", lastErr,
			)
			if err := e.sleep(ctx, delay); err != nil {
				return &FatalError{Attempt: attempt, Err: fmt.Errorf("backoff interrupted: %w", err)}
			}
			state = next(state, OutcomeRetryable, attempt, e.policy.MaxRetries)

		case StateSucceeded:
			if attempt > 1 {
				e.logger.Info("call succeeded after retry", "call", name, "attempt", attempt)
			}
			return nil

		case StateFatal:
			e.logger.Error("non-retryable failure", "call", name, "attempt", attempt, "error", lastErr)
			return &FatalError{Attempt: attempt, Err: lastErr}

		case StateExhausted:
			e.logger.Error("retries exhausted", "call", name, "attempts", attempt, "error", lastErr)
			return &ExhaustedError{Attempts: attempt, Last: lastErr}
		}
	}
}

// attempt performs one call under the per-attempt deadline and classifies it
func (e *Executor) attempt(ctx context.Context, call func(ctx context.Context) error) (Outcome, error) {
	actx := ctx
	cancel := func() {}
	if e.policy.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, e.policy.AttemptTimeout)
	}
	defer cancel()

	err := call(actx)
	switch {
	case err == nil:
		return OutcomeSuccess, nil
	case ctx.Err() != nil:
		// the caller gave up; nothing left to retry for
		return OutcomeFatal, err
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return OutcomeRetryable, fmt.Errorf("attempt timed out after %v: %w", e.policy.AttemptTimeout, err)
	}
	return e.classify(err), err
}

// Value runs call through e and returns its result
func Value[T any](ctx context.Context, e *Executor, name string, call func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, name, func(ctx context.Context) error {
		v, err := call(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
