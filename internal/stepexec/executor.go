package stepexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"kiln/internal/backend"
	"kiln/internal/checkpoint"
	"kiln/internal/config"
	"kiln/internal/credentials"
	"kiln/internal/logging"
	"kiln/internal/quality"
	"kiln/internal/ratectl"
	"kiln/internal/services"
)

// Settings bounds retries, timeouts, and per-pool concurrency.
type Settings struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
	// PoolConcurrency caps in-flight backend calls per pool. Missing pools get 1.
	PoolConcurrency map[string]int
}

// SettingsFromConfig extracts executor settings from the application config.
func SettingsFromConfig(cfg *config.Config) Settings {
	pools := make(map[string]int, len(cfg.Pools))
	for name, p := range cfg.Pools {
		pools[name] = p.Concurrency
	}
	return Settings{
		MaxRetries:      cfg.Engine.MaxRetries,
		BaseDelay:       cfg.Engine.BaseDelay(),
		MaxBackoff:      cfg.Engine.MaxBackoff(),
		CallTimeout:     cfg.Engine.CallTimeout(),
		PoolConcurrency: pools,
	}
}

// RateController is the subset of ratectl.Controller the executor drives.
type RateController interface {
	Delay(pool string) time.Duration
	OnCongestion(pool string) ratectl.Signal
	OnSuccess(pool string) ratectl.RateState
}

// CredentialRotator is the subset of credentials.Rotator the executor drives.
type CredentialRotator interface {
	Active(pool string) credentials.Handle
	Escalate(pool string, from int) (credentials.Handle, error)
	Exhausted(pool string) bool
}

// Persister records unit state transitions.
type Persister interface {
	Put(state checkpoint.TaskState) error
}

// ArtifactSink stores generated artifacts and returns their location.
type ArtifactSink interface {
	Store(ctx context.Context, runKey, unitID, stage string, artifact backend.Artifact) (string, error)
}

// Deps are the collaborators an Executor drives.
type Deps struct {
	Backend backend.Backend
	Rates   RateController
	Rotator CredentialRotator
	Store   Persister
	// Gate is optional; without it generate stages complete on success.
	Gate quality.Gate
	// Sink is optional; without it generate stages output a short description.
	Sink   ArtifactSink
	RunKey string
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleeper replaces the cancellable timer used for rate and backoff waits.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithClock overrides the time source used for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Executor runs work units. It is safe for concurrent use.
type Executor struct {
	deps     Deps
	settings Settings
	logger   *slog.Logger

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string
}

// New builds an executor.
func New(deps Deps, settings Settings, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		deps:     deps,
		settings: settings,
		logger:   logging.NewComponentLogger(logger, "stepexec"),
		sems:     map[string]*semaphore.Weighted{},
		sleep:    sleepContext,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute drives a pending unit through all of its stages. Unit-level
// failures are recorded in the returned state with a nil error. A non-nil
// error means the unit stopped without an outcome: the run was canceled, the
// pool ran out of credentials, or the checkpoint could not be written.
func (e *Executor) Execute(ctx context.Context, unit WorkUnit, state checkpoint.TaskState) (checkpoint.TaskState, error) {
	if len(unit.Steps) == 0 {
		return state, fmt.Errorf("unit %s: no steps", unit.ID)
	}
	if state.Status != checkpoint.StatusPending {
		return state, fmt.Errorf("unit %s: execute requires a pending state, got %s", unit.ID, state.Status)
	}
	if err := ctx.Err(); err != nil {
		return state, err
	}

	ctx = services.WithUnitID(ctx, unit.ID)
	state.UnitID = unit.ID
	state.Stage = unit.Steps[0].Name
	state.Attempts = 0
	if err := e.transition(ctx, &state, checkpoint.StatusRunning); err != nil {
		return state, err
	}

	input := unit.Input
	for i, step := range unit.Steps {
		if i > 0 {
			state.Stage = step.Name
			state.Attempts = 0
			if err := e.transition(ctx, &state, checkpoint.StatusRunning); err != nil {
				return state, err
			}
		}
		stepCtx := services.WithStage(ctx, step.Name)
		output, err := e.runStep(stepCtx, unit, step, input, &state)
		if err != nil {
			return state, err
		}
		if state.Status == checkpoint.StatusFailed {
			return state, nil
		}
		input = output
	}

	state.Output = input
	state.LastError = ""
	state.FailureKind = services.KindNone
	if err := e.transition(ctx, &state, checkpoint.StatusCompleted); err != nil {
		return state, err
	}
	return state, nil
}

// runStep runs one stage until it produces output, fails, or stops. On
// return with a nil error the state is either still running (success) or failed.
func (e *Executor) runStep(ctx context.Context, unit WorkUnit, step StepSpec, input string, state *checkpoint.TaskState) (string, error) {
	if step.Check != nil {
		if err := step.Check(unit.Inputs); err != nil {
			err = services.Wrap(services.ErrValidation, step.Name, "validate", "", err)
			return "", e.fail(ctx, state, services.KindPermanentInvalidRequest, err)
		}
		return input, nil
	}

	pool := unit.PoolFor(step)
	ctx = services.WithPool(ctx, pool)
	policy := e.newBackoff()
	skipDelay := false

	for {
		if e.deps.Rotator.Exhausted(pool) {
			return "", e.release(ctx, state, pool, credentials.ErrCredentialsExhausted)
		}

		res, err := e.attempt(ctx, unit, step, pool, input, skipDelay, state)
		if err != nil {
			return "", err
		}
		skipDelay = false
		output, artifact, callErr := res.output, res.artifact, res.callErr

		kind := services.Classify(callErr)
		if kind == services.KindNone {
			e.deps.Rates.OnSuccess(pool)
			if step.Op != backend.OpGenerate {
				return output, nil
			}
			if step.Gate && e.deps.Gate != nil {
				accepted, reason, gateErr := e.validate(ctx, artifact, step.Criterion)
				switch {
				case gateErr != nil:
					callErr = gateErr
					kind = services.Classify(gateErr)
				case !accepted:
					callErr = services.Wrap(services.ErrQualityRejected, step.Name, "quality", reason, nil)
					kind = services.KindQualityRejected
				}
			}
			if kind == services.KindNone {
				return e.storeArtifact(ctx, unit, step, artifact, state)
			}
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !kind.Retryable() {
			return "", e.fail(ctx, state, kind, callErr)
		}
		switch kind {
		case services.KindCredentialExhausted:
			if _, escErr := e.escalate(ctx, pool, res.credential); escErr != nil {
				return "", e.release(ctx, state, pool, escErr)
			}
		case services.KindCongestion:
			if signal := e.deps.Rates.OnCongestion(pool); signal.Escalate {
				if _, escErr := e.escalate(ctx, pool, res.credential); escErr != nil {
					return "", e.release(ctx, state, pool, escErr)
				}
			}
		}

		state.LastError = callErr.Error()
		state.FailureKind = kind
		if kind == services.KindQualityRejected {
			state.QualityRejections++
			if err := e.transition(ctx, state, checkpoint.StatusQualityRejected); err != nil {
				return "", err
			}
			if state.Attempts > e.settings.MaxRetries {
				return "", e.exhaust(ctx, state, kind, callErr)
			}
		} else {
			if state.Attempts > e.settings.MaxRetries {
				return "", e.exhaust(ctx, state, kind, callErr)
			}
			if err := e.transition(ctx, state, checkpoint.StatusRetrying); err != nil {
				return "", err
			}
		}

		wait := e.retryWait(policy, pool, callErr)
		logging.WithContext(ctx, e.logger).Info("retrying stage",
			logging.String(logging.FieldEventType, "stage_retry_scheduled"),
			logging.String("failure_kind", string(kind)),
			logging.Int("attempt", state.Attempts),
			logging.Int("max_attempts", e.settings.MaxRetries+1),
			logging.Duration("wait", wait),
			logging.Error(callErr),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return "", err
		}
		if err := e.transition(ctx, state, checkpoint.StatusRunning); err != nil {
			return "", err
		}
		// The retry wait already covered the pool's rate delay.
		skipDelay = true
	}
}

// attemptResult is the outcome of one backend invocation.
type attemptResult struct {
	output   string
	artifact backend.Artifact
	// credential is the handle the request was sent with. Escalation is
	// keyed on it so signals from a rotated credential do not rotate again.
	credential credentials.Handle
	callErr    error
}

// attempt performs one backend invocation. The returned error is set only
// when the attempt could not be made at all.
func (e *Executor) attempt(ctx context.Context, unit WorkUnit, step StepSpec, pool, input string, skipDelay bool, state *checkpoint.TaskState) (attemptResult, error) {
	sem := e.semaphore(pool)
	if err := sem.Acquire(ctx, 1); err != nil {
		return attemptResult{}, err
	}
	defer sem.Release(1)

	if !skipDelay {
		if err := e.sleep(ctx, e.deps.Rates.Delay(pool)); err != nil {
			return attemptResult{}, err
		}
	}

	state.Attempts++
	requestID := e.newID()
	req := backend.Request{
		RequestID:  requestID,
		UnitID:     unit.ID,
		Stage:      step.Name,
		Pool:       pool,
		Prompt:     step.Prompt,
		Input:      input,
		Inputs:     unit.Inputs,
		Credential: e.deps.Rotator.Active(pool),
	}
	callCtx, cancel := e.callContext(services.WithRequestID(ctx, requestID))
	defer cancel()

	logger := logging.WithContext(callCtx, e.logger)
	logger.Debug("backend call started",
		logging.String(logging.FieldEventType, "backend_call_started"),
		logging.String("operation", string(step.Op)),
		logging.Int("attempt", state.Attempts),
		logging.Any("credential", req.Credential),
	)
	res := attemptResult{credential: req.Credential}
	started := e.now()
	switch step.Op {
	case backend.OpGenerate:
		res.artifact, res.callErr = e.deps.Backend.Generate(callCtx, req)
	default:
		var analysis backend.AnalysisResult
		analysis, res.callErr = e.deps.Backend.Analyze(callCtx, req)
		res.output = analysis.Text
	}
	// A per-call deadline is a timeout even if the backend returned something else.
	if res.callErr != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		res.callErr = services.Wrap(services.ErrTimeout, step.Name, string(step.Op), "call timeout exceeded", res.callErr)
	}
	logger.Debug("backend call finished",
		logging.String(logging.FieldEventType, "backend_call_finished"),
		logging.Duration("elapsed", e.now().Sub(started)),
		logging.String("failure_kind", string(services.Classify(res.callErr))),
	)
	return res, nil
}

func (e *Executor) validate(ctx context.Context, artifact backend.Artifact, criterion string) (bool, string, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	accepted, reason, err := e.deps.Gate.Validate(callCtx, artifact, criterion)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = services.Wrap(services.ErrTimeout, "quality", "validate", "call timeout exceeded", err)
	}
	// Judge congestion belongs to the judge's backend, not to the
	// generation pool, so it is retried without feeding the rate controller.
	if kind := services.Classify(err); kind == services.KindCongestion || kind == services.KindCredentialExhausted {
		err = services.Wrap(services.ErrTimeout, "quality", "validate", "judge unavailable: "+err.Error(), nil)
	}
	return accepted, reason, err
}

// storeArtifact persists an accepted artifact. Sink failures retry only the
// write on their own backoff schedule; the backend is never called again for
// an artifact that already passed. When every write fails the unit fails.
func (e *Executor) storeArtifact(ctx context.Context, unit WorkUnit, step StepSpec, artifact backend.Artifact, state *checkpoint.TaskState) (string, error) {
	if e.deps.Sink == nil {
		return fmt.Sprintf("%s (%d bytes)", artifact.ContentType, len(artifact.Data)), nil
	}
	policy := e.newBackoff()
	for write := 1; ; write++ {
		location, err := e.deps.Sink.Store(ctx, e.deps.RunKey, unit.ID, step.Name, artifact)
		if err == nil {
			return location, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		err = fmt.Errorf("store artifact: %w", err)
		if write > e.settings.MaxRetries {
			return "", e.fail(ctx, state, services.KindUnknown,
				fmt.Errorf("artifact write failed after %d attempts: %w", write, err))
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop || wait < 0 {
			wait = e.settings.MaxBackoff
		}
		logging.WithContext(ctx, e.logger).Info("retrying artifact write",
			logging.String(logging.FieldEventType, "artifact_write_retry"),
			logging.Int("write", write),
			logging.Duration("wait", wait),
			logging.Error(err),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

func (e *Executor) escalate(ctx context.Context, pool string, used credentials.Handle) (credentials.Handle, error) {
	handle, err := e.deps.Rotator.Escalate(pool, used.Index)
	if err != nil {
		return handle, err
	}
	logging.WithContext(ctx, e.logger).Info("credential escalated for pool",
		logging.String(logging.FieldEventType, "stage_escalated"),
		logging.Any("active", handle),
	)
	return handle, nil
}

func (e *Executor) fail(ctx context.Context, state *checkpoint.TaskState, kind services.Kind, cause error) error {
	state.LastError = cause.Error()
	state.FailureKind = kind
	if err := e.transition(ctx, state, checkpoint.StatusFailed); err != nil {
		return err
	}
	logging.WarnWithContext(logging.WithContext(ctx, e.logger), "unit failed", "unit_failed",
		logging.String("failure_kind", string(kind)),
		logging.Int("attempts", state.Attempts),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "inspect the last error; the unit will not be retried"),
		logging.String(logging.FieldImpact, "unit recorded as failed"),
	)
	return nil
}

func (e *Executor) exhaust(ctx context.Context, state *checkpoint.TaskState, kind services.Kind, cause error) error {
	return e.fail(ctx, state, kind, fmt.Errorf("attempt budget exhausted after %d attempts: %w", state.Attempts, cause))
}

// release hands a unit back as pending when its pool can no longer run.
func (e *Executor) release(ctx context.Context, state *checkpoint.TaskState, pool string, cause error) error {
	if !errors.Is(cause, credentials.ErrCredentialsExhausted) {
		cause = fmt.Errorf("%w: %w", credentials.ErrCredentialsExhausted, cause)
	}
	state.LastError = cause.Error()
	state.FailureKind = services.KindCredentialExhausted
	if state.Status == checkpoint.StatusRunning {
		if err := e.transition(ctx, state, checkpoint.StatusPending); err != nil {
			return err
		}
	}
	return fmt.Errorf("unit %s: pool %s: %w", state.UnitID, pool, cause)
}

func (e *Executor) transition(ctx context.Context, state *checkpoint.TaskState, next checkpoint.Status) error {
	from := state.Status
	if err := state.Transition(next, e.now().UTC()); err != nil {
		return err
	}
	if err := e.deps.Store.Put(*state); err != nil {
		return fmt.Errorf("persist unit %s: %w", state.UnitID, err)
	}
	logging.WithContext(ctx, e.logger).Info("unit transition",
		logging.String(logging.FieldEventType, "unit_transition"),
		logging.String("from", string(from)),
		logging.String("to", string(next)),
		logging.Int("attempts", state.Attempts),
	)
	return nil
}

func (e *Executor) semaphore(pool string) *semaphore.Weighted {
	e.semMu.Lock()
	defer e.semMu.Unlock()
	sem, ok := e.sems[pool]
	if !ok {
		n := e.settings.PoolConcurrency[pool]
		if n < 1 {
			n = 1
		}
		sem = semaphore.NewWeighted(int64(n))
		e.sems[pool] = sem
	}
	return sem
}

func (e *Executor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.settings.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.settings.CallTimeout)
}

// newBackoff returns the per-stage retry schedule: base, 2*base, 4*base, ...
// capped at MaxBackoff, without jitter.
func (e *Executor) newBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.settings.BaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = e.settings.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// retryWait composes the exponential backoff with the pool's rate delay and
// any server Retry-After hint; the largest wins.
func (e *Executor) retryWait(policy *backoff.ExponentialBackOff, pool string, cause error) time.Duration {
	wait := policy.NextBackOff()
	if wait == backoff.Stop || wait < 0 {
		wait = e.settings.MaxBackoff
	}
	if delay := e.deps.Rates.Delay(pool); delay > wait {
		wait = delay
	}
	if hint, ok := services.RetryAfter(cause); ok && hint > wait {
		wait = hint
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
