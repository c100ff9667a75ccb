// Package credentials holds the ordered credential sets for each pool and
// advances through them when a pool stays congested.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"kiln/internal/config"
	"kiln/internal/logging"
)

// ErrCredentialsExhausted is returned once a pool has advanced past its last
// credential. It is fatal for the pool for the rest of the run.
var ErrCredentialsExhausted = errors.New("credentials exhausted")

// Handle is an opaque credential. String never reveals the secret.
type Handle struct {
	Pool   string
	Index  int
	Label  string
	secret string
}

// NewHandle builds a handle; mostly useful in tests and adapters.
func NewHandle(pool string, index int, label, secret string) Handle {
	return Handle{Pool: pool, Index: index, Label: label, secret: secret}
}

// Secret returns the raw credential value for use in a request.
func (h Handle) Secret() string { return h.secret }

// IsZero reports whether the handle carries no credential.
func (h Handle) IsZero() bool { return h.secret == "" }

func (h Handle) String() string {
	if h.IsZero() {
		return fmt.Sprintf("%s[none]", h.Pool)
	}
	return fmt.Sprintf("%s[%d:%s]", h.Pool, h.Index, h.Label)
}

// LogValue keeps secrets out of structured logs.
func (h Handle) LogValue() slog.Value {
	return slog.StringValue(h.String())
}

// CongestionResetter clears a pool's consecutive congestion counter.
type CongestionResetter interface {
	ResetCongestion(pool string)
}

type credentialSet struct {
	handles   []Handle
	activeIdx int
	exhausted bool
}

// Rotator owns every pool's CredentialSet for one run. ActiveIdx only grows.
type Rotator struct {
	mu     sync.Mutex
	sets   map[string]*credentialSet
	reset  CongestionResetter
	logger *slog.Logger
}

// New builds a rotator from resolved credentials keyed by pool name.
func New(creds map[string][]config.Credential, reset CongestionResetter, logger *slog.Logger) *Rotator {
	r := &Rotator{
		sets:   make(map[string]*credentialSet, len(creds)),
		reset:  reset,
		logger: logging.NewComponentLogger(logger, "credentials"),
	}
	for pool, list := range creds {
		set := &credentialSet{handles: make([]Handle, 0, len(list))}
		for i, c := range list {
			set.handles = append(set.handles, NewHandle(pool, i, c.Label, c.Secret))
		}
		r.sets[pool] = set
	}
	return r
}

// NewFromConfig resolves credentials for every configured pool.
func NewFromConfig(cfg *config.Config, reset CongestionResetter, logger *slog.Logger) (*Rotator, error) {
	creds := make(map[string][]config.Credential, len(cfg.Pools))
	for _, name := range cfg.PoolNames() {
		list, err := cfg.PoolCredentials(name)
		if err != nil {
			return nil, err
		}
		creds[name] = list
	}
	return New(creds, reset, logger), nil
}

func (r *Rotator) set(pool string) *credentialSet {
	s, ok := r.sets[pool]
	if !ok {
		s = &credentialSet{}
		r.sets[pool] = s
	}
	return s
}

// Active returns the pool's current credential. Pools without credentials
// return a zero handle so adapters fall back to their own configured key.
func (r *Rotator) Active(pool string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.set(pool)
	if s.exhausted || s.activeIdx >= len(s.handles) {
		return Handle{Pool: pool}
	}
	return s.handles[s.activeIdx]
}

// Exhausted reports whether the pool has run out of credentials.
func (r *Rotator) Exhausted(pool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(pool).exhausted
}

// ActiveIndex returns the pool's active credential index.
func (r *Rotator) ActiveIndex(pool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(pool).activeIdx
}

// Escalate advances the pool from credential index from to the next one and
// resets the pool's congestion counter. Advancing past the last credential
// returns ErrCredentialsExhausted and marks the pool exhausted.
//
// A signal raised by a request that used an already rotated credential is
// stale: the active handle is returned unchanged and only the congestion
// window is reopened for the active credential.
func (r *Rotator) Escalate(pool string, from int) (Handle, error) {
	r.mu.Lock()
	s := r.set(pool)
	if s.exhausted {
		r.mu.Unlock()
		return Handle{Pool: pool}, fmt.Errorf("pool %s: %w", pool, ErrCredentialsExhausted)
	}
	if from != s.activeIdx && s.activeIdx < len(s.handles) {
		current := s.handles[s.activeIdx]
		r.mu.Unlock()
		if r.reset != nil {
			r.reset.ResetCongestion(pool)
		}
		r.logger.Debug("stale escalation ignored",
			logging.String(logging.FieldEventType, "credential_escalation_stale"),
			logging.String(logging.FieldPool, pool),
			logging.Int("from_index", from),
			logging.Any("active", current),
		)
		return current, nil
	}
	previous := Handle{Pool: pool}
	if s.activeIdx < len(s.handles) {
		previous = s.handles[s.activeIdx]
	}
	s.activeIdx++
	if s.activeIdx >= len(s.handles) {
		s.exhausted = true
		r.mu.Unlock()
		logging.ErrorWithContext(r.logger, "credentials exhausted", "credentials_exhausted",
			logging.String(logging.FieldPool, pool),
			logging.Any("last_credential", previous),
			logging.String(logging.FieldErrorHint, "add credentials to the pool or lower its concurrency"),
		)
		return Handle{Pool: pool}, fmt.Errorf("pool %s: %w", pool, ErrCredentialsExhausted)
	}
	next := s.handles[s.activeIdx]
	r.mu.Unlock()

	if r.reset != nil {
		r.reset.ResetCongestion(pool)
	}
	r.logger.Info("credential escalated",
		logging.String(logging.FieldEventType, "credential_escalated"),
		logging.String(logging.FieldPool, pool),
		logging.Any("previous", previous),
		logging.Any("active", next),
	)
	return next, nil
}
