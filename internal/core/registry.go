package core

import (
	"sync"

	"go.uber.org/zap"
)

// Registry is a process-wide, concurrency-safe map from token to
// Record.
//
// The Registry only serializes record *discovery*; once a Record is
// found, all further synchronization is the Record's own.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty Registry bound to cfg and logger, both
// passed on to every Record it creates.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		records: make(map[string]*Record),
	}
}

// Find returns the record for token, or (nil, false) if unknown.
func (reg *Registry) Find(token string) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.records[token]
	return r, ok
}

// FindOrCreate either inserts a fresh record at offset 0 or returns
// the existing one, atomically with respect to other
// FindOrCreate/Remove calls. The caller (the create flow) is
// responsible for applying Config.TokenReuse when created is false.
func (reg *Registry) FindOrCreate(token string, interopVersion int) (record *Record, created bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.records[token]; ok {
		return r, false
	}
	r := NewRecord(token, interopVersion, reg.cfg, reg.logger)
	r.OnIdleExpired(reg.reap)
	reg.records[token] = r
	return r, true
}

// Remove deletes token's record, terminating it first if it is not
// already. Used by reap (Idle and Terminated-tombstone expiry) and by
// the create/append/offset flows once a Complete record's response has
// been delivered. It returns the result of Record.Close, which combines
// the errors from closing both ends of the record's pipe via multierr.
func (reg *Registry) Remove(token string) error {
	reg.mu.Lock()
	r, ok := reg.records[token]
	if ok {
		delete(reg.records, token)
	}
	reg.mu.Unlock()
	if !ok {
		return nil
	}

	if r.Snapshot().State != StateTerminated {
		r.Terminate(ErrTerminated)
	}
	return r.Close()
}

// reap is the Registry's idle-timeout callback, wired into every
// Record it creates. It fires on two occasions: an Idle record left
// untouched for Config.IdleTimeout, and a Terminated tombstone left by
// the cancel flow, which is armed with the same timer so a cancelled
// upload's token eventually leaves the map too. If the record has
// since resumed (Idle → Receiving) or completed, the timer firing is a
// no-op race that the state check below resolves harmlessly.
func (reg *Registry) reap(token string) {
	r, ok := reg.Find(token)
	if !ok {
		return
	}
	switch r.Snapshot().State {
	case StateIdle, StateTerminated:
	default:
		return
	}
	if err := reg.Remove(token); err != nil {
		reg.logger.Error("failed reaping upload", zap.String("token", token), zap.Error(err))
		return
	}
	reg.logger.Info("reaped upload", zap.String("token", token))
}

// Len reports how many uploads are currently tracked, for tests and
// diagnostics.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}
