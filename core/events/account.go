package events

import (
	"math/big"
	"strconv"
	"strings"

	"stablefi/core/types"
	"stablefi/crypto"
)

const (
	TypeAccountFrozen      = "account.frozen"
	TypeAccountUnfrozen    = "account.unfrozen"
	TypeOwnershipChanged   = "account.owner_changed"
	TypeRecoveryInitiated  = "recovery.initiated"
	TypeRecoveryApproved   = "recovery.approved"
	TypeRecoveryExecutable = "recovery.executable"
	TypeRecoveryCompleted  = "recovery.completed"
	TypeRecoveryCancelled  = "recovery.cancelled"
	TypeGuardiansUpdated   = "recovery.guardians_updated"
	TypeVaultDeposit       = "vault.deposit"
	TypeVaultWithdraw      = "vault.withdraw"
	TypeVaultInvest        = "vault.invest"
	TypeVaultHarvest       = "vault.harvest"
	TypeVaultTopUp         = "vault.top_up"
	TypeVaultPartialTopUp  = "vault.top_up_partial"
	TypeVaultConfigUpdated = "vault.config_updated"
)

// AccountFrozen is emitted when the freeze gate closes.
type AccountFrozen struct {
	Account crypto.Address
	By      crypto.Address
	Reason  string
}

func (AccountFrozen) EventType() string { return TypeAccountFrozen }

func (e AccountFrozen) Event() *types.Event {
	return types.NewEvent(TypeAccountFrozen).
		With("account", e.Account.String()).
		With("by", e.By.String()).
		With("reason", e.Reason)
}

// AccountUnfrozen is emitted when the freeze gate reopens.
type AccountUnfrozen struct {
	Account crypto.Address
	By      crypto.Address
	Reason  string
}

func (AccountUnfrozen) EventType() string { return TypeAccountUnfrozen }

func (e AccountUnfrozen) Event() *types.Event {
	return types.NewEvent(TypeAccountUnfrozen).
		With("account", e.Account.String()).
		With("by", e.By.String()).
		With("reason", e.Reason)
}

// OwnershipChanged is emitted when an account controller is replaced.
type OwnershipChanged struct {
	Account  crypto.Address
	Previous crypto.Address
	Owner    crypto.Address
}

func (OwnershipChanged) EventType() string { return TypeOwnershipChanged }

func (e OwnershipChanged) Event() *types.Event {
	return types.NewEvent(TypeOwnershipChanged).
		With("account", e.Account.String()).
		With("previous", e.Previous.String()).
		With("owner", e.Owner.String())
}

// RecoveryTransition covers every recovery lifecycle step. Type selects the
// concrete event identifier.
type RecoveryTransition struct {
	Type          string
	Account       crypto.Address
	RecordID      uint64
	Guardian      crypto.Address
	ProposedOwner crypto.Address
	Approvals     int
	Required      int
	ExecutableAt  int64
}

func (e RecoveryTransition) EventType() string { return e.Type }

func (e RecoveryTransition) Event() *types.Event {
	evt := types.NewEvent(e.Type).
		With("account", e.Account.String()).
		With("record", strconv.FormatUint(e.RecordID, 10)).
		With("guardian", e.Guardian.String()).
		With("proposedOwner", e.ProposedOwner.String()).
		With("approvals", strconv.Itoa(e.Approvals)).
		With("required", strconv.Itoa(e.Required))
	if e.ExecutableAt > 0 {
		evt.With("executableAt", strconv.FormatInt(e.ExecutableAt, 10))
	}
	return evt
}

// GuardiansUpdated is emitted when the guardian set or quorum changes.
type GuardiansUpdated struct {
	Account      crypto.Address
	Guardians    []crypto.Address
	MinApprovals int
	Enabled      bool
}

func (GuardiansUpdated) EventType() string { return TypeGuardiansUpdated }

func (e GuardiansUpdated) Event() *types.Event {
	encoded := make([]string, len(e.Guardians))
	for i, guardian := range e.Guardians {
		encoded[i] = guardian.String()
	}
	return types.NewEvent(TypeGuardiansUpdated).
		With("account", e.Account.String()).
		With("guardians", strings.Join(encoded, ",")).
		With("minApprovals", strconv.Itoa(e.MinApprovals)).
		With("enabled", strconv.FormatBool(e.Enabled))
}

// VaultMovement covers vault balance movements. Type selects the concrete
// event identifier.
type VaultMovement struct {
	Type    string
	Vault   crypto.Address
	Asset   string
	Amount  *big.Int
	Stable  *big.Int
	Counter crypto.Address
}

func (e VaultMovement) EventType() string { return e.Type }

func (e VaultMovement) Event() *types.Event {
	evt := types.NewEvent(e.Type).
		With("vault", e.Vault.String()).
		With("asset", e.Asset).
		With("amount", amountString(e.Amount))
	if e.Stable != nil {
		evt.With("stable", e.Stable.String())
	}
	if !e.Counter.IsZero() {
		evt.With("counterparty", e.Counter.String())
	}
	return evt
}

// VaultTopUp reports an automatic top-up. Partial top-ups ran out of idle
// collateral before reaching the target.
type VaultTopUp struct {
	Vault     crypto.Address
	Target    *big.Int
	Deposited map[string]*big.Int
	Remaining *big.Int
	Partial   bool
}

func (e VaultTopUp) EventType() string {
	if e.Partial {
		return TypeVaultPartialTopUp
	}
	return TypeVaultTopUp
}

func (e VaultTopUp) Event() *types.Event {
	evt := types.NewEvent(e.EventType()).
		With("vault", e.Vault.String()).
		With("target", amountString(e.Target)).
		With("remainingUsd", amountString(e.Remaining))
	for asset, amount := range e.Deposited {
		evt.With("deposited."+asset, amountString(amount))
	}
	return evt
}

// VaultConfigUpdated is emitted after a vault configuration replacement.
type VaultConfigUpdated struct {
	Vault          crypto.Address
	CustomRatio    *big.Int
	AutoTopUp      bool
	TopUpThreshold *big.Int
	Assets         []string
}

func (VaultConfigUpdated) EventType() string { return TypeVaultConfigUpdated }

func (e VaultConfigUpdated) Event() *types.Event {
	return types.NewEvent(TypeVaultConfigUpdated).
		With("vault", e.Vault.String()).
		With("customRatio", amountString(e.CustomRatio)).
		With("autoTopUp", strconv.FormatBool(e.AutoTopUp)).
		With("topUpThreshold", amountString(e.TopUpThreshold)).
		With("assets", strings.Join(e.Assets, ","))
}
