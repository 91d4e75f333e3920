package recovery

import (
	"time"

	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/native/freeze"
)

// MaxGuardians bounds the guardian set of a single account.
const MaxGuardians = 5

var (
	ErrRecoveryDisabled       = common.NewError(common.KindAuthorization, "recovery: recovery not enabled")
	ErrNotGuardian            = common.NewError(common.KindAuthorization, "recovery: caller is not a guardian")
	ErrAccountInRecovery      = common.NewError(common.KindAuthorization, "recovery: account is in recovery process")
	ErrNotInRecovery          = common.NewError(common.KindAuthorization, "recovery: account is not in recovery process")
	ErrAlreadyApproved        = common.NewError(common.KindInvariant, "recovery: guardian already approved")
	ErrInsufficientApprovals  = common.NewError(common.KindInvariant, "recovery: insufficient approvals")
	ErrRecoveryNotExecutable  = common.NewError(common.KindInvariant, "recovery: time lock has not elapsed")
	ErrInvalidGuardians       = common.NewError(common.KindValidation, "recovery: invalid guardian set")
	ErrInvalidMinApprovals    = common.NewError(common.KindValidation, "recovery: min approvals out of range")
	ErrInvalidTimeLock        = common.NewError(common.KindValidation, "recovery: time lock must not be negative")
	ErrInvalidNewOwner        = common.NewError(common.KindValidation, "recovery: invalid proposed owner")
	ErrFrozenForOtherReason   = common.NewError(common.KindAuthorization, "recovery: account frozen for an unrelated reason")
	ErrUnauthorizedCompletion = common.NewError(common.KindAuthorization, "recovery: caller may not complete this recovery")
)

// Status is the lifecycle position of a recovery record.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Config governs who may recover an account and how.
type Config struct {
	Enabled      bool
	Guardians    []crypto.Address
	MinApprovals int
	TimeLock     time.Duration
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Guardians = append([]crypto.Address(nil), c.Guardians...)
	return out
}

// Validate enforces the guardian bounds and quorum range. Disabled
// configurations may carry an empty guardian set.
func (c Config) Validate(owner crypto.Address) error {
	if c.TimeLock < 0 {
		return ErrInvalidTimeLock
	}
	if !c.Enabled && len(c.Guardians) == 0 {
		return nil
	}
	if len(c.Guardians) == 0 || len(c.Guardians) > MaxGuardians {
		return ErrInvalidGuardians
	}
	seen := make(map[crypto.Address]struct{}, len(c.Guardians))
	for _, guardian := range c.Guardians {
		if guardian.IsZero() || guardian == owner {
			return ErrInvalidGuardians
		}
		if _, dup := seen[guardian]; dup {
			return ErrInvalidGuardians
		}
		seen[guardian] = struct{}{}
	}
	if c.MinApprovals < 1 || c.MinApprovals > len(c.Guardians) {
		return ErrInvalidMinApprovals
	}
	return nil
}

// Record is one recovery attempt. Records are never removed; completed and
// cancelled records are history.
type Record struct {
	ID                uint64
	Initiator         crypto.Address
	PreviousOwner     crypto.Address
	ProposedOwner     crypto.Address
	TotalGuardians    int
	Approvals         []crypto.Address
	RequiredApprovals int
	ExecutableAt      time.Time
	CreatedAt         time.Time
	ClosedAt          time.Time
	Status            Status
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Approvals = append([]crypto.Address(nil), r.Approvals...)
	return out
}

// QuorumReached reports whether enough guardians approved.
func (r Record) QuorumReached() bool {
	return len(r.Approvals) >= r.RequiredApprovals
}

// Progress summarises the pending record for status queries.
type Progress struct {
	Active       bool
	RecordID     uint64
	Approvals    int
	Required     int
	ExecutableAt time.Time
	Executable   bool
}

// Ownership is the account controller primitive recovery acts upon.
type Ownership interface {
	Owner() crypto.Address
	TransferOwnership(newOwner crypto.Address) error
}

// Freezer is the freeze gate shared with the vault.
type Freezer interface {
	Freeze(by crypto.Address, reason freeze.Reason) error
	Unfreeze(by crypto.Address, reason freeze.Reason) error
	Reason() (freeze.Reason, bool)
}
