package recovery

import (
	"errors"
	"sync"
	"time"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/freeze"
	"stablefi/observability"
)

// Manager runs the social recovery state machine of one account. All
// transitions are serialised by the manager mutex so at most one record is
// ever pending.
type Manager struct {
	mu      sync.Mutex
	account crypto.Address
	owner   Ownership
	freeze  Freezer
	config  Config
	records []*Record
	queue   []events.Event
	nextID  uint64
	nowFn   func() time.Time
	emitter events.Emitter
	metrics *observability.RecoveryMetrics
}

// NewManager constructs a disabled manager for account.
func NewManager(account crypto.Address, owner Ownership, freezer Freezer) *Manager {
	return &Manager{
		account: account,
		owner:   owner,
		freeze:  freezer,
		nextID:  1,
		nowFn:   time.Now,
		emitter: events.NoopEmitter{},
	}
}

// SetNowFunc overrides the clock used for time locks.
func (m *Manager) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.mu.Lock()
	m.nowFn = now
	m.mu.Unlock()
}

// SetEmitter configures the event sink.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.mu.Lock()
	m.emitter = emitter
	m.mu.Unlock()
}

// SetMetrics enables prometheus instrumentation.
func (m *Manager) SetMetrics(metrics *observability.RecoveryMetrics) {
	m.mu.Lock()
	m.metrics = metrics
	m.mu.Unlock()
}

// Configure replaces the whole recovery configuration. Disabling or changing
// guardians is refused while a recovery is pending.
func (m *Manager) Configure(cfg Config) error {
	if err := cfg.Validate(m.owner.Owner()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending() != nil {
		return ErrAccountInRecovery
	}
	m.config = cfg.Clone()
	m.emitter.Emit(events.GuardiansUpdated{
		Account:      m.account,
		Guardians:    append([]crypto.Address(nil), cfg.Guardians...),
		MinApprovals: cfg.MinApprovals,
		Enabled:      cfg.Enabled,
	})
	return nil
}

// SetGuardians replaces the guardian list and quorum, keeping the enabled
// flag and time lock.
func (m *Manager) SetGuardians(guardians []crypto.Address, minApprovals int) error {
	m.mu.Lock()
	cfg := m.config.Clone()
	m.mu.Unlock()
	cfg.Guardians = guardians
	cfg.MinApprovals = minApprovals
	if len(guardians) == 0 {
		return ErrInvalidGuardians
	}
	return m.Configure(cfg)
}

// Config returns a copy of the current configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}

// IsGuardian reports whether addr guards the account.
func (m *Manager) IsGuardian(addr crypto.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isGuardian(addr)
}

func (m *Manager) isGuardian(addr crypto.Address) bool {
	for _, guardian := range m.config.Guardians {
		if guardian == addr {
			return true
		}
	}
	return false
}

func (m *Manager) pending() *Record {
	if len(m.records) == 0 {
		return nil
	}
	last := m.records[len(m.records)-1]
	if last.Status != StatusPending {
		return nil
	}
	return last
}

// Initiate opens a recovery proposing newOwner. The initiating guardian counts
// as the first approval and the account is frozen for the duration.
func (m *Manager) Initiate(guardian, newOwner crypto.Address) (rec *Record, err error) {
	defer m.observeRejection("initiate", &err)
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.flush(err) }()
	if !m.config.Enabled {
		return nil, ErrRecoveryDisabled
	}
	if !m.isGuardian(guardian) {
		return nil, ErrNotGuardian
	}
	if m.pending() != nil {
		return nil, ErrAccountInRecovery
	}
	current := m.owner.Owner()
	if newOwner.IsZero() || newOwner == current {
		return nil, ErrInvalidNewOwner
	}
	froze := false
	if reason, frozen := m.freeze.Reason(); frozen {
		if reason != freeze.ReasonRecovery {
			return nil, ErrFrozenForOtherReason
		}
	} else {
		if err := m.freeze.Freeze(guardian, freeze.ReasonRecovery); err != nil {
			return nil, err
		}
		froze = true
	}

	now := m.nowFn()
	record := &Record{
		ID:                m.nextID,
		Initiator:         guardian,
		PreviousOwner:     current,
		ProposedOwner:     newOwner,
		TotalGuardians:    len(m.config.Guardians),
		Approvals:         []crypto.Address{guardian},
		RequiredApprovals: m.config.MinApprovals,
		CreatedAt:         now,
		Status:            StatusPending,
	}
	m.nextID++
	m.records = append(m.records, record)
	m.transition(events.TypeRecoveryInitiated, record, guardian)
	if err := m.advance(record, guardian, now); err != nil {
		m.records = m.records[:len(m.records)-1]
		m.nextID--
		if froze {
			_ = m.freeze.Unfreeze(guardian, freeze.ReasonRecovery)
		}
		return nil, err
	}
	out := record.Clone()
	return &out, nil
}

// Approve records guardian's approval of the pending recovery. Reaching quorum
// starts the time lock; an approval arriving after the lock elapsed completes
// the recovery.
func (m *Manager) Approve(guardian crypto.Address) (rec *Record, err error) {
	defer m.observeRejection("approve", &err)
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.flush(err) }()
	record := m.pending()
	if record == nil {
		return nil, ErrNotInRecovery
	}
	if !m.isGuardian(guardian) {
		return nil, ErrNotGuardian
	}
	for _, approved := range record.Approvals {
		if approved == guardian {
			return nil, ErrAlreadyApproved
		}
	}
	record.Approvals = append(record.Approvals, guardian)
	m.transition(events.TypeRecoveryApproved, record, guardian)
	if err := m.advance(record, guardian, m.nowFn()); err != nil {
		record.Approvals = record.Approvals[:len(record.Approvals)-1]
		return nil, err
	}
	out := record.Clone()
	return &out, nil
}

// advance starts the time lock on first quorum and completes the record once
// the lock has elapsed. A failed ownership transfer leaves the record as it
// was before the call.
func (m *Manager) advance(record *Record, guardian crypto.Address, now time.Time) error {
	if !record.QuorumReached() {
		return nil
	}
	started := record.ExecutableAt.IsZero()
	if started {
		record.ExecutableAt = now.Add(m.config.TimeLock)
	}
	if now.Before(record.ExecutableAt) {
		if started {
			m.transition(events.TypeRecoveryExecutable, record, guardian)
		}
		return nil
	}
	if started {
		m.transition(events.TypeRecoveryExecutable, record, guardian)
	}
	if err := m.execute(record, guardian, now); err != nil {
		if started {
			record.ExecutableAt = time.Time{}
		}
		return err
	}
	return nil
}

// Complete executes the pending recovery. Guardians and the proposed owner may
// call it.
func (m *Manager) Complete(caller crypto.Address) (err error) {
	defer m.observeRejection("complete", &err)
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.flush(err) }()
	record := m.pending()
	if record == nil {
		return ErrNotInRecovery
	}
	if !m.isGuardian(caller) && caller != record.ProposedOwner {
		return ErrUnauthorizedCompletion
	}
	if !record.QuorumReached() {
		return ErrInsufficientApprovals
	}
	now := m.nowFn()
	if record.ExecutableAt.IsZero() || now.Before(record.ExecutableAt) {
		return ErrRecoveryNotExecutable
	}
	return m.execute(record, caller, now)
}

// execute lifts the recovery freeze, hands ownership to the proposed owner and
// closes the record. A rejected transfer puts the freeze back, so the record
// stays pending on a frozen account.
func (m *Manager) execute(record *Record, caller crypto.Address, now time.Time) error {
	released, err := m.release(caller)
	if err != nil {
		return err
	}
	if err := m.owner.TransferOwnership(record.ProposedOwner); err != nil {
		if released {
			if ferr := m.freeze.Freeze(caller, freeze.ReasonRecovery); ferr != nil {
				return errors.Join(err, ferr)
			}
		}
		return err
	}
	record.Status = StatusCompleted
	record.ClosedAt = now
	m.transition(events.TypeRecoveryCompleted, record, caller)
	return nil
}

// Cancel aborts the pending recovery and lifts the recovery freeze without
// any time lock.
func (m *Manager) Cancel(guardian crypto.Address) (err error) {
	defer m.observeRejection("cancel", &err)
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.flush(err) }()
	record := m.pending()
	if record == nil {
		return ErrNotInRecovery
	}
	if !m.isGuardian(guardian) {
		return ErrNotGuardian
	}
	if _, err := m.release(guardian); err != nil {
		return err
	}
	record.Status = StatusCancelled
	record.ClosedAt = m.nowFn()
	m.transition(events.TypeRecoveryCancelled, record, guardian)
	return nil
}

// release lifts a recovery freeze and reports whether it did. Freezes placed
// for other reasons stay.
func (m *Manager) release(by crypto.Address) (bool, error) {
	reason, frozen := m.freeze.Reason()
	if !frozen || reason != freeze.ReasonRecovery {
		return false, nil
	}
	err := m.freeze.Unfreeze(by, freeze.ReasonRecovery)
	if errors.Is(err, freeze.ErrNotFrozen) {
		return false, nil
	}
	return err == nil, err
}

// Pending returns a copy of the pending record, if any.
func (m *Manager) Pending() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.pending()
	if record == nil {
		return Record{}, false
	}
	return record.Clone(), true
}

// InRecovery reports whether a recovery is pending.
func (m *Manager) InRecovery() bool {
	_, ok := m.Pending()
	return ok
}

// Records returns every record, oldest first.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	for i, record := range m.records {
		out[i] = record.Clone()
	}
	return out
}

// Progress reports approval progress of the pending record.
func (m *Manager) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.pending()
	if record == nil {
		return Progress{}
	}
	now := m.nowFn()
	return Progress{
		Active:       true,
		RecordID:     record.ID,
		Approvals:    len(record.Approvals),
		Required:     record.RequiredApprovals,
		ExecutableAt: record.ExecutableAt,
		Executable:   record.QuorumReached() && !record.ExecutableAt.IsZero() && !now.Before(record.ExecutableAt),
	}
}

func (m *Manager) transition(eventType string, record *Record, guardian crypto.Address) {
	var executableAt int64
	if !record.ExecutableAt.IsZero() {
		executableAt = record.ExecutableAt.Unix()
	}
	m.queue = append(m.queue, events.RecoveryTransition{
		Type:          eventType,
		Account:       m.account,
		RecordID:      record.ID,
		Guardian:      guardian,
		ProposedOwner: record.ProposedOwner,
		Approvals:     len(record.Approvals),
		Required:      record.RequiredApprovals,
		ExecutableAt:  executableAt,
	})
}

// flush publishes the events queued by a successful transition and drops
// them otherwise.
func (m *Manager) flush(err error) {
	queued := m.queue
	m.queue = nil
	if err != nil {
		return
	}
	for _, evt := range queued {
		m.emitter.Emit(evt)
		if m.metrics != nil {
			m.metrics.RecordTransition(evt.EventType())
		}
	}
}

func (m *Manager) observeRejection(operation string, err *error) {
	if m.metrics == nil || *err == nil {
		return
	}
	m.metrics.RecordRejection(operation, *err)
}

// Snapshot is the persisted form of a manager.
type Snapshot struct {
	Config  Config
	Records []Record
	NextID  uint64
}

// Snapshot copies the configuration and every record.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]Record, len(m.records))
	for i, record := range m.records {
		records[i] = record.Clone()
	}
	return Snapshot{Config: m.config.Clone(), Records: records, NextID: m.nextID}
}

// Restore replaces the manager state with snap without emitting events. Only
// the latest record may be pending.
func (m *Manager) Restore(snap Snapshot) error {
	for i, record := range snap.Records {
		if record.Status == StatusPending && i != len(snap.Records)-1 {
			return ErrAccountInRecovery
		}
	}
	next := snap.NextID
	if next == 0 {
		next = 1
	}
	records := make([]*Record, len(snap.Records))
	for i := range snap.Records {
		record := snap.Records[i].Clone()
		records[i] = &record
		if record.ID >= next {
			next = record.ID + 1
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = snap.Config.Clone()
	m.records = records
	m.nextID = next
	return nil
}
