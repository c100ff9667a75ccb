package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"kiln/internal/checkpoint"
	"kiln/internal/credentials"
	"kiln/internal/history"
	"kiln/internal/logging"
	"kiln/internal/notifications"
	"kiln/internal/ratectl"
	"kiln/internal/services"
	"kiln/internal/stepexec"
)

// UnitExecutor runs one unit to an outcome.
type UnitExecutor interface {
	Execute(ctx context.Context, unit stepexec.WorkUnit, state checkpoint.TaskState) (checkpoint.TaskState, error)
}

// Checkpoints is the run's checkpoint record.
type Checkpoints interface {
	RunKey() string
	Record() checkpoint.Record
	Unit(unitID string) (checkpoint.TaskState, bool)
	Flush() error
}

// RateKeeper restores pool delays and decays them between units.
type RateKeeper interface {
	Restore(states map[string]ratectl.RateState)
	Tick(pool string) (ratectl.RateState, bool)
}

// PoolGuard reports pools that can no longer run.
type PoolGuard interface {
	Exhausted(pool string) bool
}

// Recorder stores finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, run history.Run) (string, error)
}

// Deps are the collaborators a Coordinator drives. Notifier and History are optional.
type Deps struct {
	Executor UnitExecutor
	Store    Checkpoints
	Rates    RateKeeper
	Pools    PoolGuard
	Notifier notifications.Service
	History  Recorder
}

// Options tune dispatch and expansion.
type Options struct {
	Concurrency int
	Expand      ExpandOptions
}

// Coordinator expands workflows and dispatches their units.
type Coordinator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	// notified holds pools whose exhaustion was already published.
	notified sync.Map
}

// NewCoordinator builds a coordinator.
func NewCoordinator(deps Deps, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "pipeline"),
		now:    time.Now,
	}
}

// Run executes the workflow and returns its report. The returned error is
// the run-level failure: context cancellation, a pool running out of
// credentials, or a checkpoint write failure. Unit failures only show up in
// the report.
func (c *Coordinator) Run(ctx context.Context, wf Workflow) (Report, error) {
	started := c.now()
	report := Report{Workflow: wf.Name, RunKey: wf.Key(), Mode: wf.Mode}

	if key := c.deps.Store.RunKey(); report.RunKey != key {
		return report, fmt.Errorf("workflow run key %q does not match checkpoint %q", report.RunKey, key)
	}
	units, err := Expand(wf, c.opts.Expand)
	if err != nil {
		return report, err
	}

	ctx = services.WithRunKey(ctx, report.RunKey)
	logger := logging.WithContext(ctx, c.logger)
	record := c.deps.Store.Record()
	c.deps.Rates.Restore(record.Pools)

	resumed := 0
	for _, u := range units {
		if st, ok := c.deps.Store.Unit(u.ID); ok && st.Status.Terminal() {
			resumed++
		}
	}
	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_started"),
		logging.String("workflow", wf.Name),
		logging.String("mode", string(wf.Mode)),
		logging.Int("units", len(units)),
		logging.Int("already_terminal", resumed),
	)
	if err := c.deps.Notifier.Publish(ctx, notifications.EventRunStarted, notifications.Payload{
		"workflow": wf.Name,
		"units":    len(units),
	}); err != nil {
		logger.Debug("run started notification failed", logging.Error(err))
	}

	var runErr error
	switch wf.Mode {
	case ModeDirective:
		runErr = c.runSequential(ctx, units)
	default:
		runErr = c.runParallel(ctx, units)
	}
	if err := c.deps.Store.Flush(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("flush checkpoint: %w", err))
	}
	if ctx.Err() != nil {
		runErr = ctx.Err()
	}

	report.Units = make([]checkpoint.TaskState, 0, len(units))
	for _, u := range units {
		st, ok := c.deps.Store.Unit(u.ID)
		if !ok {
			st = checkpoint.NewTaskState(u.ID)
		}
		report.Units = append(report.Units, st)
	}
	report.tally()
	report.Elapsed = c.now().Sub(started)
	if runErr != nil {
		report.RunError = runErr.Error()
	}

	c.finish(ctx, wf, report, started, runErr)
	return report, runErr
}

// runSequential runs directive units in ordinal order. Each step starts only
// after the previous step's terminal state is checkpointed, and consumes its
// output. A failed step stops the chain; later steps stay pending.
func (c *Coordinator) runSequential(ctx context.Context, units []stepexec.WorkUnit) error {
	input := ""
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, ok := c.deps.Store.Unit(u.ID)
		if ok && state.Status == checkpoint.StatusCompleted {
			input = state.Output
			continue
		}
		if ok && state.Status == checkpoint.StatusFailed {
			return nil
		}
		if name, blocked := c.blockedPool(u); blocked {
			return fmt.Errorf("unit %s: pool %s: %w", u.ID, name, credentials.ErrCredentialsExhausted)
		}

		u.Input = input
		final, err := c.executeUnit(ctx, u)
		if err != nil {
			return err
		}
		if final.Status != checkpoint.StatusCompleted {
			return nil
		}
		input = final.Output
	}
	return nil
}

// runParallel dispatches matrix units through a bounded pool. Dispatch stops
// on cancellation, and units whose pools ran out of credentials are left
// pending while in-flight units finish.
func (c *Coordinator) runParallel(ctx context.Context, units []stepexec.WorkUnit) error {
	p := pool.New().WithContext(ctx).WithMaxGoroutines(c.opts.Concurrency)

	var (
		mu      sync.Mutex
		skipped = map[string]int{}
	)
	for _, u := range units {
		if ctx.Err() != nil {
			break
		}
		if state, ok := c.deps.Store.Unit(u.ID); ok && state.Status.Terminal() {
			continue
		}
		unit := u
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if name, blocked := c.blockedPool(unit); blocked {
				mu.Lock()
				skipped[name]++
				mu.Unlock()
				return nil
			}
			_, err := c.executeUnit(ctx, unit)
			return err
		})
	}
	err := p.Wait()

	for name, n := range skipped {
		logging.WarnWithContext(c.logger, "units not dispatched", "dispatch_halted",
			logging.String(logging.FieldPool, name),
			logging.Int("units", n),
			logging.String(logging.FieldErrorHint, "add credentials to the pool and rerun with the same run key"),
			logging.String(logging.FieldImpact, "units stay pending in the checkpoint"),
		)
	}
	return err
}

// executeUnit resumes or starts one unit and ticks its pools afterwards.
func (c *Coordinator) executeUnit(ctx context.Context, u stepexec.WorkUnit) (checkpoint.TaskState, error) {
	state := checkpoint.NewTaskState(u.ID)
	if prev, ok := c.deps.Store.Unit(u.ID); ok {
		// A unit interrupted mid-stage restarts from its first stage.
		state.StartedAt = prev.StartedAt
		state.QualityRejections = prev.QualityRejections
	}

	final, err := c.deps.Executor.Execute(ctx, u, state)
	if err != nil {
		if errors.Is(err, credentials.ErrCredentialsExhausted) {
			c.notifyExhausted(ctx, c.exhaustedPool(u))
		}
		return final, err
	}
	for _, name := range u.Pools() {
		c.deps.Rates.Tick(name)
	}
	if err := c.deps.Store.Flush(); err != nil {
		return final, fmt.Errorf("flush checkpoint: %w", err)
	}
	return final, nil
}

func (c *Coordinator) blockedPool(u stepexec.WorkUnit) (string, bool) {
	if c.deps.Pools == nil {
		return "", false
	}
	for _, name := range u.Pools() {
		if c.deps.Pools.Exhausted(name) {
			return name, true
		}
	}
	return "", false
}

func (c *Coordinator) exhaustedPool(u stepexec.WorkUnit) string {
	name, _ := c.blockedPool(u)
	return name
}

func (c *Coordinator) notifyExhausted(ctx context.Context, name string) {
	runKey, _ := services.RunKeyFromContext(ctx)
	if _, seen := c.notified.LoadOrStore(runKey+"/"+name, struct{}{}); seen {
		return
	}
	if err := c.deps.Notifier.Publish(context.WithoutCancel(ctx), notifications.EventCredentialsExhausted, notifications.Payload{
		"workflow": runKey,
		"pool":     name,
	}); err != nil {
		c.logger.Debug("credentials exhausted notification failed", logging.Error(err))
	}
}

func (c *Coordinator) finish(ctx context.Context, wf Workflow, report Report, started time.Time, runErr error) {
	logger := logging.WithContext(ctx, c.logger)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "run_finished"),
		logging.Int("total", report.Total),
		logging.Int("completed", report.Completed),
		logging.Int("failed", report.Failed),
		logging.Int("quality_rejected", report.QualityRejected),
		logging.Int("pending", report.Pending),
		logging.Duration("elapsed", report.Elapsed),
	}
	if runErr != nil {
		attrs = append(attrs, logging.Error(runErr))
		logger.Warn("run stopped", logging.Args(attrs...)...)
	} else {
		logger.Info("run finished", logging.Args(attrs...)...)
	}

	bg := context.WithoutCancel(ctx)
	if runErr == nil || !errors.Is(runErr, context.Canceled) {
		if err := c.deps.Notifier.Publish(bg, notifications.EventRunCompleted, notifications.Payload{
			"workflow":  wf.Name,
			"completed": report.Completed,
			"failed":    report.Failed + report.QualityRejected,
			"pending":   report.Pending,
			"elapsed":   report.Elapsed,
		}); err != nil {
			logger.Debug("run completion notification failed", logging.Error(err))
		}
	}
	if c.deps.History != nil {
		if _, err := c.deps.History.RecordRun(bg, report.HistoryRun(started)); err != nil {
			logging.WarnWithContext(logger, "run history not recorded", "history_write_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the history database under the state directory"),
				logging.String(logging.FieldImpact, "kiln history will not list this run"),
			)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, notifications.Event, notifications.Payload) error {
	return nil
}
