package freeze

import (
	"sync"
	"time"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/common"
)

// Reason tags why an account was frozen so that one flow cannot lift a freeze
// placed by another.
type Reason string

const (
	// ReasonOwner marks a freeze requested by the account controller.
	ReasonOwner Reason = "owner"
	// ReasonRecovery marks a freeze placed by a pending social recovery.
	ReasonRecovery Reason = "recovery"
)

var (
	ErrAccountFrozen  = common.NewError(common.KindAuthorization, "freeze: account is frozen")
	ErrNotFrozen      = common.NewError(common.KindAuthorization, "freeze: account is not frozen")
	ErrReasonMismatch = common.NewError(common.KindAuthorization, "freeze: account frozen for a different reason")
	ErrInvalidReason  = common.NewError(common.KindValidation, "freeze: reason required")
)

// Record is one freeze interval. Resolved records are immutable.
type Record struct {
	FrozenBy   crypto.Address
	UnfrozenBy crypto.Address
	Reason     Reason
	FrozenAt   time.Time
	UnfrozenAt time.Time
	Resolved   bool
}

// State is the freeze gate of a single account.
type State struct {
	mu      sync.RWMutex
	account crypto.Address
	frozen  bool
	history []Record
	nowFn   func() time.Time
	emitter events.Emitter
}

// New returns an unfrozen gate for account.
func New(account crypto.Address) *State {
	return &State{account: account, nowFn: time.Now, emitter: events.NoopEmitter{}}
}

// SetNowFunc overrides the clock used to timestamp history.
func (s *State) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

// SetEmitter configures the event sink.
func (s *State) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	s.mu.Lock()
	s.emitter = emitter
	s.mu.Unlock()
}

// Freeze closes the gate. It fails if the account is already frozen.
func (s *State) Freeze(by crypto.Address, reason Reason) error {
	if reason == "" {
		return ErrInvalidReason
	}
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return ErrAccountFrozen
	}
	s.frozen = true
	s.history = append(s.history, Record{FrozenBy: by, Reason: reason, FrozenAt: s.nowFn()})
	emitter := s.emitter
	s.mu.Unlock()
	emitter.Emit(events.AccountFrozen{Account: s.account, By: by, Reason: string(reason)})
	return nil
}

// Unfreeze reopens the gate and resolves the open record. The reason must
// match the one the account was frozen with.
func (s *State) Unfreeze(by crypto.Address, reason Reason) error {
	s.mu.Lock()
	if !s.frozen {
		s.mu.Unlock()
		return ErrNotFrozen
	}
	last := &s.history[len(s.history)-1]
	if last.Reason != reason {
		s.mu.Unlock()
		return ErrReasonMismatch
	}
	s.frozen = false
	last.UnfrozenBy = by
	last.UnfrozenAt = s.nowFn()
	last.Resolved = true
	emitter := s.emitter
	s.mu.Unlock()
	emitter.Emit(events.AccountUnfrozen{Account: s.account, By: by, Reason: string(reason)})
	return nil
}

// IsFrozen reports whether the gate is closed.
func (s *State) IsFrozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Reason returns why the account is frozen. ok is false when unfrozen.
func (s *State) Reason() (reason Reason, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.frozen {
		return "", false
	}
	return s.history[len(s.history)-1].Reason, true
}

// RequireUnfrozen fails with ErrAccountFrozen while the gate is closed.
func (s *State) RequireUnfrozen() error {
	if s.IsFrozen() {
		return ErrAccountFrozen
	}
	return nil
}

// History returns a copy of every freeze interval, oldest first.
func (s *State) History() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot is the persisted form of a gate.
type Snapshot struct {
	Frozen  bool
	History []Record
}

// Snapshot copies the gate state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Frozen: s.frozen, History: append([]Record(nil), s.history...)}
}

// Restore replaces the gate state with snap without emitting events. A frozen
// snapshot must end with an open record.
func (s *State) Restore(snap Snapshot) error {
	if snap.Frozen && (len(snap.History) == 0 || snap.History[len(snap.History)-1].Resolved) {
		return ErrNotFrozen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = snap.Frozen
	s.history = append([]Record(nil), snap.History...)
	return nil
}
