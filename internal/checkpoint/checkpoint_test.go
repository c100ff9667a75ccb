package checkpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kiln/internal/checkpoint"
	"kiln/internal/logging"
	"kiln/internal/ratectl"
	"kiln/internal/services"
)

type fixedRates map[string]ratectl.RateState

func (f fixedRates) Snapshot() map[string]ratectl.RateState { return f }

func TestOpenMissingFileIsColdStart(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir, "Portraits Batch", logging.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if store.RunKey() != "portraits-batch" {
		t.Fatalf("run key = %q", store.RunKey())
	}
	rec := store.Record()
	if len(rec.Units) != 0 || rec.Version != checkpoint.RecordVersion {
		t.Fatalf("unexpected cold-start record: %+v", rec)
	}
	if _, err := os.Stat(checkpoint.RecordPath(dir, "portraits-batch")); !os.IsNotExist(err) {
		t.Fatalf("cold start must not create the record file, stat err = %v", err)
	}
}

func TestPutPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir, "run", logging.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.SetRateSource(fixedRates{"generation": {CurrentDelay: 7 * time.Second, Floor: 2 * time.Second, Ceiling: 30 * time.Second}})

	state := checkpoint.NewTaskState("asuka/v1")
	if err := state.Transition(checkpoint.StatusRunning, time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := store.Put(state); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := state.Transition(checkpoint.StatusCompleted, time.Now()); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	state.Output = "artifact://asuka/v1.png"
	if err := store.Put(state); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := checkpoint.Open(dir, "run", logging.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok := reopened.Unit("asuka/v1")
	if !ok {
		t.Fatal("expected unit after reopen")
	}
	if got.Status != checkpoint.StatusCompleted || got.Output != "artifact://asuka/v1.png" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.StartedAt.IsZero() || got.EndedAt.IsZero() {
		t.Fatalf("expected timestamps, got %+v", got)
	}
	if reopened.Record().Pools["generation"].CurrentDelay != 7*time.Second {
		t.Fatalf("pool snapshot not persisted: %+v", reopened.Record().Pools)
	}
}

func TestPutRefusesToOverwriteTerminalUnit(t *testing.T) {
	store, err := checkpoint.Open(t.TempDir(), "run", logging.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	failed := checkpoint.TaskState{UnitID: "u1", Status: checkpoint.StatusFailed, FailureKind: services.KindPermanentInvalidRequest}
	if err := store.Put(failed); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err = store.Put(checkpoint.TaskState{UnitID: "u1", Status: checkpoint.StatusRunning})
	if !errors.Is(err, checkpoint.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if got, _ := store.Unit("u1"); got.Status != checkpoint.StatusFailed {
		t.Fatalf("terminal state changed: %+v", got)
	}
}

func TestOpenRejectsSecondWriter(t *testing.T) {
	dir := t.TempDir()
	first, err := checkpoint.Open(dir, "run", logging.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer first.Close()

	if _, err := checkpoint.Open(dir, "run", logging.NewNop()); !errors.Is(err, checkpoint.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestLoadRejectsCorruptStatus(t *testing.T) {
	dir := t.TempDir()
	body := `{"version":1,"run_key":"run","units":{"u1":{"unit_id":"u1","status":"done"}}}`
	if err := os.WriteFile(filepath.Join(dir, "run.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := checkpoint.Load(dir, "run"); err == nil {
		t.Fatal("expected unknown status to fail decoding")
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "run.json"), []byte(`{"version":9}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := checkpoint.Load(dir, "run"); err == nil {
		t.Fatal("expected version error")
	}
}

func TestOpenRejectsEmptyRunKey(t *testing.T) {
	if _, err := checkpoint.Open(t.TempDir(), "  //  ", logging.NewNop()); !errors.Is(err, checkpoint.ErrInvalidRunKey) {
		t.Fatalf("expected ErrInvalidRunKey, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	legal := [][2]checkpoint.Status{
		{checkpoint.StatusPending, checkpoint.StatusRunning},
		{checkpoint.StatusRunning, checkpoint.StatusCompleted},
		{checkpoint.StatusRunning, checkpoint.StatusRetrying},
		{checkpoint.StatusRunning, checkpoint.StatusQualityRejected},
		{checkpoint.StatusRunning, checkpoint.StatusFailed},
		{checkpoint.StatusRetrying, checkpoint.StatusRunning},
		{checkpoint.StatusQualityRejected, checkpoint.StatusRunning},
		{checkpoint.StatusQualityRejected, checkpoint.StatusFailed},
	}
	for _, pair := range legal {
		if !pair[0].CanTransition(pair[1]) {
			t.Fatalf("%s -> %s should be legal", pair[0], pair[1])
		}
	}
	illegal := [][2]checkpoint.Status{
		{checkpoint.StatusPending, checkpoint.StatusCompleted},
		{checkpoint.StatusCompleted, checkpoint.StatusRunning},
		{checkpoint.StatusFailed, checkpoint.StatusRunning},
		{checkpoint.StatusRetrying, checkpoint.StatusCompleted},
		{checkpoint.StatusRetrying, checkpoint.StatusFailed},
	}
	for _, pair := range illegal {
		if pair[0].CanTransition(pair[1]) {
			t.Fatalf("%s -> %s should be illegal", pair[0], pair[1])
		}
	}

	state := checkpoint.NewTaskState("u")
	if err := state.Transition(checkpoint.StatusCompleted, time.Now()); err == nil {
		t.Fatal("expected illegal transition error")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range checkpoint.Statuses {
		got, err := checkpoint.ParseStatus(" " + string(s) + " ")
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := checkpoint.ParseStatus("done"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestSanitizeRunKey(t *testing.T) {
	cases := map[string]string{
		"Portraits Batch": "portraits-batch",
		"a//b__c":         "a-b-c",
		"--x--":           "x",
		"":                "",
	}
	for in, want := range cases {
		if got := checkpoint.SanitizeRunKey(in); got != want {
			t.Fatalf("SanitizeRunKey(%q) = %q, want %q", in, got, want)
		}
	}
}
