package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"kiln/internal/backend"
	"kiln/internal/checkpoint"
	"kiln/internal/config"
	"kiln/internal/credentials"
	"kiln/internal/directive"
	"kiln/internal/history"
	"kiln/internal/logging"
	"kiln/internal/notifications"
	"kiln/internal/pipeline"
	"kiln/internal/quality"
	"kiln/internal/services"
	"kiln/internal/testsupport"
)

type fakeBackend struct {
	mu       sync.Mutex
	requests []backend.Request
	analyze  func(ctx context.Context, req backend.Request) (backend.AnalysisResult, error)
	generate func(ctx context.Context, req backend.Request) (backend.Artifact, error)
}

func (f *fakeBackend) Analyze(ctx context.Context, req backend.Request) (backend.AnalysisResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.analyze != nil {
		return f.analyze(ctx, req)
	}
	return backend.AnalysisResult{Text: req.Stage + " of " + req.UnitID}, nil
}

func (f *fakeBackend) Generate(ctx context.Context, req backend.Request) (backend.Artifact, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(ctx, req)
	}
	return backend.Artifact{Data: []byte("png"), ContentType: "image/png"}, nil
}

func (f *fakeBackend) snapshot() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.requests...)
}

func (f *fakeBackend) callsFor(unitID string) int {
	n := 0
	for _, req := range f.snapshot() {
		if req.UnitID == unitID {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	runs []history.Run
}

func (r *fakeRecorder) RecordRun(_ context.Context, run history.Run) (string, error) {
	r.runs = append(r.runs, run)
	return fmt.Sprintf("run-%d", len(r.runs)), nil
}

func verifyNoLeaks(t *testing.T) {
	t.Helper()
	// Registered first so it runs after every other cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

func newEngine(t *testing.T, cfg *config.Config, runKey string, svc pipeline.Services) *pipeline.Engine {
	t.Helper()
	engine, err := pipeline.NewEngine(cfg, runKey, svc, logging.NewNop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func threeTaskMatrix() pipeline.Workflow {
	return pipeline.MatrixWorkflow(&pipeline.Matrix{
		Name: "portraits",
		Prompts: pipeline.MatrixPrompts{
			Analyze:  "describe the subject",
			Refine:   "tighten the description",
			Generate: "paint it",
		},
		Tasks: []pipeline.MatrixTask{
			{Name: "a", Variations: 1, Inputs: map[string]string{"subject": "cat"}},
			{Name: "b", Variations: 1, Inputs: map[string]string{"subject": "dog"}},
			{Name: "c", Variations: 1, Inputs: map[string]string{"subject": "owl"}},
		},
	})
}

func TestMatrixPermanentFailureReport(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	fake := &fakeBackend{
		analyze: func(_ context.Context, req backend.Request) (backend.AnalysisResult, error) {
			if req.UnitID == "b/v1" {
				return backend.AnalysisResult{}, services.Wrap(services.ErrInvalidRequest, req.Stage, "analyze", "rejected prompt", nil)
			}
			return backend.AnalysisResult{Text: "ok"}, nil
		},
	}
	wf := threeTaskMatrix()
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake})

	report, err := engine.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Total != 3 || report.Completed != 2 || report.Failed != 1 || report.QualityRejected != 0 || report.Pending != 0 {
		t.Fatalf("unexpected report counts %+v", report)
	}
	if fake.callsFor("b/v1") != 1 {
		t.Fatalf("failed unit called %d times, want 1", fake.callsFor("b/v1"))
	}
	for _, unit := range report.Units {
		if unit.UnitID == "b/v1" && (unit.Status != checkpoint.StatusFailed || unit.FailureKind != services.KindPermanentInvalidRequest) {
			t.Fatalf("unexpected failed unit %+v", unit)
		}
	}
}

func TestResumeDoesNotRepeatTerminalUnits(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	wf := threeTaskMatrix()

	first := &fakeBackend{}
	engine, err := pipeline.NewEngine(cfg, wf.Key(), pipeline.Services{Backend: first}, logging.NewNop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	report, err := engine.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if report.Completed != 3 {
		t.Fatalf("first run completed %d, want 3", report.Completed)
	}
	// 3 backend stages per unit.
	if got := len(first.snapshot()); got != 9 {
		t.Fatalf("first run backend calls = %d, want 9", got)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := &fakeBackend{}
	resumed := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: second})
	report, err = resumed.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Completed != 3 || report.Total != 3 {
		t.Fatalf("unexpected resumed report %+v", report)
	}
	if got := len(second.snapshot()); got != 0 {
		t.Fatalf("resumed run backend calls = %d, want 0", got)
	}
}

func TestResumeRestartsInterruptedUnits(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	wf := threeTaskMatrix()

	seed := testsupport.MustOpenCheckpoint(t, cfg, wf.Key())
	done := checkpoint.TaskState{UnitID: "a/v1", Status: checkpoint.StatusCompleted, Stage: "generate", Attempts: 1, Output: "kept"}
	stuck := checkpoint.TaskState{UnitID: "b/v1", Status: checkpoint.StatusRetrying, Stage: "refine", Attempts: 2}
	for _, st := range []checkpoint.TaskState{done, stuck} {
		if err := seed.Put(st); err != nil {
			t.Fatalf("seed Put: %v", err)
		}
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("seed Close: %v", err)
	}

	fake := &fakeBackend{}
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake})
	report, err := engine.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 3 {
		t.Fatalf("completed = %d, want 3", report.Completed)
	}
	if fake.callsFor("a/v1") != 0 {
		t.Fatal("completed unit was executed again")
	}
	if fake.callsFor("b/v1") != 3 {
		t.Fatalf("interrupted unit calls = %d, want 3 (restarted from its first stage)", fake.callsFor("b/v1"))
	}
	if report.Units[0].Output != "kept" {
		t.Fatalf("completed unit output = %q, want kept", report.Units[0].Output)
	}
}

func directiveWorkflow(t *testing.T) pipeline.Workflow {
	t.Helper()
	steps, err := directive.Parse(strings.Join([]string{
		"### 1. Outline",
		"Write an outline.",
		"### 2. Expand",
		"Expand the outline.",
		"### 3. Render cover",
		"Render a cover image.",
	}, "\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return pipeline.DirectiveWorkflow("story", steps)
}

func TestDirectiveRunsStepsInOrderAndChainsOutput(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	fake := &fakeBackend{
		analyze: func(_ context.Context, req backend.Request) (backend.AnalysisResult, error) {
			return backend.AnalysisResult{Text: req.Stage + "<" + req.Input + ">"}, nil
		},
	}
	wf := directiveWorkflow(t)
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake})

	report, err := engine.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 3 {
		t.Fatalf("completed = %d, want 3", report.Completed)
	}
	reqs := fake.snapshot()
	if len(reqs) != 3 {
		t.Fatalf("backend calls = %d, want 3", len(reqs))
	}
	var order []string
	for _, req := range reqs {
		order = append(order, req.UnitID)
	}
	if strings.Join(order, ",") != "01-outline,02-expand,03-render-cover" {
		t.Fatalf("execution order = %v", order)
	}
	if reqs[1].Input != "Outline<>" {
		t.Fatalf("step 2 input = %q", reqs[1].Input)
	}
	if reqs[2].Input != "Expand<Outline<>>" || reqs[2].Pool != config.PoolGeneration {
		t.Fatalf("unexpected render request %+v", reqs[2])
	}
	if reqs[0].Prompt != "Write an outline." {
		t.Fatalf("step 1 prompt = %q", reqs[0].Prompt)
	}
}

func TestDirectiveStepIsCheckpointedBeforeNextStepCalls(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	wf := directiveWorkflow(t)
	var (
		checked  bool
		priorErr error
	)
	fake := &fakeBackend{
		analyze: func(_ context.Context, req backend.Request) (backend.AnalysisResult, error) {
			if req.UnitID == "02-expand" && !checked {
				checked = true
				record, ok, err := checkpoint.Load(cfg.Paths.StateDir, wf.Key())
				switch {
				case err != nil:
					priorErr = err
				case !ok:
					priorErr = errors.New("no checkpoint on disk")
				case record.Units["01-outline"].Status != checkpoint.StatusCompleted:
					priorErr = fmt.Errorf("01-outline on disk is %q", record.Units["01-outline"].Status)
				case record.Units["01-outline"].Output == "":
					priorErr = errors.New("01-outline output not persisted")
				}
			}
			return backend.AnalysisResult{Text: req.Stage + " done"}, nil
		},
	}
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake})

	if _, err := engine.Run(context.Background(), wf); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !checked {
		t.Fatal("step 2 never called the backend")
	}
	if priorErr != nil {
		t.Fatalf("step 1 not durable before step 2 started: %v", priorErr)
	}
}

type failingNotifier struct{}

func (failingNotifier) Publish(context.Context, notifications.Event, notifications.Payload) error {
	return errors.New("ntfy unreachable")
}

func TestNotificationFailuresAreLoggedAndDoNotStopRun(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	wf := directiveWorkflow(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	engine, err := pipeline.NewEngine(cfg, wf.Key(), pipeline.Services{Backend: &fakeBackend{}, Notifier: failingNotifier{}}, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	report, err := engine.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 3 {
		t.Fatalf("completed = %d, want 3", report.Completed)
	}
	for _, msg := range []string{"run started notification failed", "run completion notification failed"} {
		if !strings.Contains(buf.String(), msg) {
			t.Fatalf("expected %q in logs:\n%s", msg, buf.String())
		}
	}
}

func TestDirectiveStopsAfterFailedStep(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	fake := &fakeBackend{
		analyze: func(_ context.Context, req backend.Request) (backend.AnalysisResult, error) {
			if req.UnitID == "02-expand" {
				return backend.AnalysisResult{}, services.Wrap(services.ErrInvalidRequest, req.Stage, "analyze", "too long", nil)
			}
			return backend.AnalysisResult{Text: "ok"}, nil
		},
	}
	wf := directiveWorkflow(t)
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake})

	report, err := engine.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 1 || report.Failed != 1 || report.Pending != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if fake.callsFor("03-render-cover") != 0 {
		t.Fatal("step after a failed step must not run")
	}
}

func TestCredentialExhaustionHaltsPoolDispatch(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t, testsupport.WithEngine(func(e *config.Engine) {
		e.Concurrency = 1
	}))
	var generateCalls int
	var mu sync.Mutex
	fake := &fakeBackend{
		generate: func(_ context.Context, req backend.Request) (backend.Artifact, error) {
			mu.Lock()
			generateCalls++
			mu.Unlock()
			return backend.Artifact{}, services.Wrap(services.ErrCredentialExhausted, req.Stage, "generate", "quota exceeded", nil)
		},
	}
	notifier := &recordingNotifier{}
	wf := threeTaskMatrix()
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake, Notifier: notifier})

	report, err := engine.Run(context.Background(), wf)
	if !errors.Is(err, credentials.ErrCredentialsExhausted) {
		t.Fatalf("expected ErrCredentialsExhausted, got %v", err)
	}
	if generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1", generateCalls)
	}
	if report.Pending != 3 || report.Completed != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.RunError == "" {
		t.Fatal("expected run error in report")
	}
	if notifier.count("credentials_exhausted") != 1 {
		t.Fatalf("exhaustion notifications = %d, want 1", notifier.count("credentials_exhausted"))
	}
}

func TestCancellationStopsRunWithPartialReport(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	started := make(chan struct{}, 3)
	fake := &fakeBackend{
		analyze: func(ctx context.Context, _ backend.Request) (backend.AnalysisResult, error) {
			started <- struct{}{}
			<-ctx.Done()
			return backend.AnalysisResult{}, ctx.Err()
		},
	}
	wf := threeTaskMatrix()
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	report, err := engine.Run(ctx, wf)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Total != 3 || report.Pending != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, unit := range report.Units {
		if unit.Status.Terminal() {
			t.Fatalf("unit %s marked terminal after cancellation", unit.UnitID)
		}
	}
}

func TestQualityRejectedUnitsAreCountedSeparately(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t, testsupport.WithEngine(func(e *config.Engine) {
		e.MaxRetries = 1
	}))
	cfg.Quality.Enabled = true
	gate := quality.GateFunc(func(context.Context, backend.Artifact, string) (bool, string, error) {
		return false, "off-model", nil
	})
	fake := &fakeBackend{}
	wf := pipeline.MatrixWorkflow(&pipeline.Matrix{
		Name:      "gated",
		Criterion: "matches the reference",
		Prompts:   pipeline.MatrixPrompts{Generate: "paint"},
		Tasks:     []pipeline.MatrixTask{{Name: "only", Variations: 1}},
	})
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake, Gate: gate})

	report, err := engine.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.QualityRejected != 1 || report.Failed != 0 || report.Completed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	generates := 0
	for _, req := range fake.snapshot() {
		if req.Stage == pipeline.StageGenerate {
			generates++
		}
	}
	if generates != 2 {
		t.Fatalf("generate calls = %d, want 2", generates)
	}
	if report.Units[0].QualityRejections != 2 {
		t.Fatalf("quality rejections = %d, want 2", report.Units[0].QualityRejections)
	}
}

func TestValidateStageFailsUnitWithoutBackendCalls(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	fake := &fakeBackend{}
	wf := pipeline.MatrixWorkflow(&pipeline.Matrix{
		Name:     "checked",
		Required: []string{"subject"},
		Prompts:  pipeline.MatrixPrompts{Generate: "paint"},
		Tasks: []pipeline.MatrixTask{
			{Name: "ok", Variations: 1, Inputs: map[string]string{"subject": "cat"}},
			{Name: "missing", Variations: 1},
		},
	})
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake})

	report, err := engine.Run(context.Background(), wf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if fake.callsFor("missing/v1") != 0 {
		t.Fatal("unit failing validation must not call the backend")
	}
}

func TestRunRecordsHistory(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t)
	recorder := &fakeRecorder{}
	wf := threeTaskMatrix()
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: &fakeBackend{}, History: recorder})

	if _, err := engine.Run(context.Background(), wf); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(recorder.runs) != 1 {
		t.Fatalf("recorded runs = %d, want 1", len(recorder.runs))
	}
	run := recorder.runs[0]
	if run.RunKey != "portraits" || run.Mode != "matrix" || run.Completed != 3 || len(run.Units) != 3 {
		t.Fatalf("unexpected history run %+v", run)
	}
	if run.FinishedAt.Before(run.StartedAt) {
		t.Fatalf("finished %v before started %v", run.FinishedAt, run.StartedAt)
	}
}

func TestRunPersistsPoolDelays(t *testing.T) {
	verifyNoLeaks(t)
	cfg := testsupport.NewConfig(t, testsupport.WithEngine(func(e *config.Engine) {
		e.DecayAfterUnits = 0
	}))
	calls := 0
	var mu sync.Mutex
	fake := &fakeBackend{
		analyze: func(_ context.Context, req backend.Request) (backend.AnalysisResult, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return backend.AnalysisResult{}, services.Wrap(services.ErrCongestion, req.Stage, "analyze", "429", nil)
			}
			return backend.AnalysisResult{Text: "ok"}, nil
		},
	}
	wf := threeTaskMatrix()
	engine := newEngine(t, cfg, wf.Key(), pipeline.Services{Backend: fake})
	if _, err := engine.Run(context.Background(), wf); err != nil {
		t.Fatalf("Run: %v", err)
	}

	record, ok, err := checkpoint.Load(cfg.Paths.StateDir, wf.Key())
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got := record.Pools[config.PoolAnalysis].CurrentDelay; got != time.Millisecond {
		t.Fatalf("persisted analysis delay = %s, want 1ms", got)
	}
}

func TestRunRejectsMismatchedRunKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	engine := newEngine(t, cfg, "other", pipeline.Services{Backend: &fakeBackend{}})
	if _, err := engine.Run(context.Background(), threeTaskMatrix()); err == nil {
		t.Fatal("expected run key mismatch error")
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(event))
	return nil
}

func (r *recordingNotifier) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}
