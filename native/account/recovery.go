package account

import (
	"stablefi/crypto"
	"stablefi/native/recovery"
)

// ConfigureRecovery replaces the recovery configuration.
func (a *Account) ConfigureRecovery(caller crypto.Address, cfg recovery.Config) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.recovery.Configure(cfg)
}

// SetGuardians replaces the guardian set and quorum.
func (a *Account) SetGuardians(caller crypto.Address, guardians []crypto.Address, minApprovals int) (err error) {
	defer a.persist(&err)
	if err := a.authorize(caller); err != nil {
		return err
	}
	return a.recovery.SetGuardians(guardians, minApprovals)
}

// RecoveryConfig returns the current recovery configuration.
func (a *Account) RecoveryConfig() recovery.Config { return a.recovery.Config() }

// RecoveryProgress reports approval progress of the pending recovery.
func (a *Account) RecoveryProgress() recovery.Progress { return a.recovery.Progress() }

// RecoveryRecords returns the recovery history.
func (a *Account) RecoveryRecords() []recovery.Record { return a.recovery.Records() }

// IsGuardian reports whether addr guards this account.
func (a *Account) IsGuardian(addr crypto.Address) bool { return a.recovery.IsGuardian(addr) }

// ReceiveInitiate opens a recovery of this account. guardian must be in this
// account's guardian set.
func (a *Account) ReceiveInitiate(guardian, newOwner crypto.Address) (record *recovery.Record, err error) {
	defer a.persist(&err)
	return a.recovery.Initiate(guardian, newOwner)
}

// ReceiveApprove records guardian's approval.
func (a *Account) ReceiveApprove(guardian crypto.Address) (record *recovery.Record, err error) {
	defer a.persist(&err)
	return a.recovery.Approve(guardian)
}

// ReceiveCancel aborts the pending recovery.
func (a *Account) ReceiveCancel(guardian crypto.Address) (err error) {
	defer a.persist(&err)
	return a.recovery.Cancel(guardian)
}

// ReceiveComplete executes the pending recovery once its time lock elapsed.
func (a *Account) ReceiveComplete(caller crypto.Address) (err error) {
	defer a.persist(&err)
	return a.recovery.Complete(caller)
}

// ForwardInitiate asks target to start recovering towards newOwner, with this
// account acting as the guardian. caller must control this account.
func (a *Account) ForwardInitiate(caller, target, newOwner crypto.Address) (*recovery.Record, error) {
	dest, err := a.forward(caller, target)
	if err != nil {
		return nil, err
	}
	return dest.ReceiveInitiate(a.address, newOwner)
}

// ForwardApprove approves target's pending recovery as guardian.
func (a *Account) ForwardApprove(caller, target crypto.Address) (*recovery.Record, error) {
	dest, err := a.forward(caller, target)
	if err != nil {
		return nil, err
	}
	return dest.ReceiveApprove(a.address)
}

// ForwardCancel cancels target's pending recovery as guardian.
func (a *Account) ForwardCancel(caller, target crypto.Address) error {
	dest, err := a.forward(caller, target)
	if err != nil {
		return err
	}
	return dest.ReceiveCancel(a.address)
}

// ForwardComplete executes target's recovery as guardian.
func (a *Account) ForwardComplete(caller, target crypto.Address) error {
	dest, err := a.forward(caller, target)
	if err != nil {
		return err
	}
	return dest.ReceiveComplete(a.address)
}

// forward authorises the initiator side and resolves the target side.
func (a *Account) forward(caller, target crypto.Address) (Recoverable, error) {
	if err := a.authorize(caller); err != nil {
		return nil, err
	}
	a.mu.RLock()
	directory := a.directory
	a.mu.RUnlock()
	if directory == nil {
		return nil, ErrNoDirectory
	}
	return directory.Recoverable(target)
}
