package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gofrs/flock"

	"kiln/internal/fileutil"
	"kiln/internal/logging"
	"kiln/internal/ratectl"
)

// RecordVersion is the on-disk format version.
const RecordVersion = 1

var (
	// ErrLocked is returned when another process holds the run key.
	ErrLocked = errors.New("checkpoint: run key is locked by another process")
	// ErrTerminalState is returned when a write would change a terminal unit.
	ErrTerminalState = errors.New("checkpoint: unit is terminal")
	// ErrInvalidRunKey is returned for run keys that sanitize to nothing.
	ErrInvalidRunKey = errors.New("checkpoint: invalid run key")
)

// Record is the persisted state of one run.
type Record struct {
	Version   int                          `json:"version"`
	RunKey    string                       `json:"run_key"`
	UpdatedAt time.Time                    `json:"updated_at"`
	Pools     map[string]ratectl.RateState `json:"pools"`
	Units     map[string]TaskState         `json:"units"`
}

func newRecord(runKey string) Record {
	return Record{
		Version: RecordVersion,
		RunKey:  runKey,
		Pools:   map[string]ratectl.RateState{},
		Units:   map[string]TaskState{},
	}
}

func (r Record) clone() Record {
	out := r
	out.Pools = maps.Clone(r.Pools)
	out.Units = maps.Clone(r.Units)
	if out.Pools == nil {
		out.Pools = map[string]ratectl.RateState{}
	}
	if out.Units == nil {
		out.Units = map[string]TaskState{}
	}
	return out
}

// RateSource supplies the pool snapshot written alongside unit states.
type RateSource interface {
	Snapshot() map[string]ratectl.RateState
}

// Store is the single writer of one run's checkpoint record.
type Store struct {
	mu     sync.Mutex
	path   string
	lock   *flock.Flock
	record Record
	rates  RateSource
	now    func() time.Time
	logger *slog.Logger
}

// Open acquires the run key lock and loads any existing record.
func Open(stateDir, runKey string, logger *slog.Logger) (*Store, error) {
	key := SanitizeRunKey(runKey)
	if key == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunKey, runKey)
	}
	logger = logging.NewComponentLogger(logger, "checkpoint")

	lock := flock.New(LockPath(stateDir, key))
	if err := ensureDir(stateDir); err != nil {
		return nil, err
	}
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire checkpoint lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	record, found, err := Load(stateDir, key)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	s := &Store{
		path:   RecordPath(stateDir, key),
		lock:   lock,
		record: record,
		now:    time.Now,
		logger: logger,
	}
	logger.Info("checkpoint opened",
		logging.String(logging.FieldEventType, "checkpoint_opened"),
		logging.String(logging.FieldRunKey, key),
		logging.Bool("resumed", found),
		logging.Int("units", len(record.Units)),
	)
	return s, nil
}

// Load reads a record without taking the lock. A missing file yields an empty
// record and found=false.
func Load(stateDir, runKey string) (Record, bool, error) {
	key := SanitizeRunKey(runKey)
	if key == "" {
		return Record{}, false, fmt.Errorf("%w: %q", ErrInvalidRunKey, runKey)
	}
	data, ok, err := fileutil.ReadFileIfExists(RecordPath(stateDir, key))
	if err != nil {
		return Record{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	if !ok || len(data) == 0 {
		return newRecord(key), false, nil
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, false, fmt.Errorf("parse checkpoint %s: %w", key, err)
	}
	if record.Version != RecordVersion {
		return Record{}, false, fmt.Errorf("checkpoint %s: unsupported version %d", key, record.Version)
	}
	record.RunKey = key
	return record.clone(), true, nil
}

// RecordPath returns the checkpoint file location for a run key.
func RecordPath(stateDir, runKey string) string {
	return filepath.Join(stateDir, runKey+".json")
}

// LockPath returns the advisory lock file location for a run key.
func LockPath(stateDir, runKey string) string {
	return filepath.Join(stateDir, runKey+".lock")
}

// SetRateSource attaches the controller whose snapshot accompanies each write.
func (s *Store) SetRateSource(src RateSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = src
}

// RunKey returns the sanitized run key.
func (s *Store) RunKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.RunKey
}

// Record returns a copy of the current record.
func (s *Store) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.clone()
}

// Unit returns the recorded state for a unit.
func (s *Store) Unit(unitID string) (TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.record.Units[unitID]
	return state, ok
}

// Put records a unit state and rewrites the checkpoint file.
func (s *Store) Put(state TaskState) error {
	if strings.TrimSpace(state.UnitID) == "" {
		return errors.New("checkpoint: unit id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.record.Units[state.UnitID]; ok && prev.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, state.UnitID, prev.Status)
	}
	previous, existed := s.record.Units[state.UnitID]
	s.record.Units[state.UnitID] = state
	if err := s.flushLocked(); err != nil {
		if existed {
			s.record.Units[state.UnitID] = previous
		} else {
			delete(s.record.Units, state.UnitID)
		}
		return err
	}
	s.logger.Debug("checkpoint written",
		logging.String(logging.FieldEventType, "checkpoint_written"),
		logging.String(logging.FieldUnitID, state.UnitID),
		logging.String("status", string(state.Status)),
		logging.Int("attempts", state.Attempts),
	)
	return nil
}

// Flush rewrites the record with a fresh rate snapshot.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.rates != nil {
		s.record.Pools = s.rates.Snapshot()
	}
	s.record.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(s.record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Close releases the run key lock.
func (s *Store) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("release checkpoint lock: %w", err)
	}
	return nil
}

// SanitizeRunKey lowercases a run key and collapses anything outside
// [a-z0-9] into single dashes.
func SanitizeRunKey(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(value))
	lastDash := false
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastDash = false
		case r >= 'A' && r <= 'Z':
			builder.WriteRune(unicode.ToLower(r))
			lastDash = false
		default:
			if !lastDash {
				builder.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(builder.String(), "-")
}

func ensureDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("checkpoint: state directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return nil
}
