package collateral

import (
	"fmt"
	"math/big"

	"stablefi/crypto"
	"stablefi/native/common"
)

var (
	errNilState = common.NewError(common.KindValidation, "collateral engine: state not configured")

	ErrInvalidAmount            = common.NewError(common.KindValidation, "collateral engine: amount must be positive")
	ErrZeroAddress              = common.NewError(common.KindValidation, "collateral engine: zero address")
	ErrUnsupportedAsset         = common.NewError(common.KindValidation, "collateral engine: asset not supported")
	ErrInvalidCollateralConfig  = common.NewError(common.KindValidation, "collateral engine: invalid collateral configuration")
	ErrSelfLiquidation          = common.NewError(common.KindValidation, "collateral engine: account cannot liquidate itself")
	ErrCollateralRatioBroken    = common.NewError(common.KindInvariant, "collateral engine: collateral ratio broken")
	ErrCollateralRatioNotBroken = common.NewError(common.KindInvariant, "collateral engine: collateral ratio is not broken")
	ErrInsufficientBalance      = common.NewError(common.KindInvariant, "collateral engine: insufficient balance")
	ErrAmountExceedsDeposited   = common.NewError(common.KindInvariant, "collateral engine: amount exceeds deposited collateral")
	ErrAmountExceedsDebt        = common.NewError(common.KindInvariant, "collateral engine: amount exceeds outstanding debt")
	ErrNothingToSeize           = common.NewError(common.KindInvariant, "collateral engine: no collateral to seize")
	ErrCollateralInUse          = common.NewError(common.KindInvariant, "collateral engine: asset still holds deposits")
	ErrInvestmentDisabled       = common.NewError(common.KindAuthorization, "collateral engine: investment service not configured")
	ErrInsufficientIdle         = common.NewError(common.KindInvariant, "collateral engine: insufficient idle treasury collateral")
)

// RatioError reports the offending account and the ratio it would have, or
// currently has, against the required bound.
type RatioError struct {
	Account  crypto.Address
	Ratio    *big.Int
	Required *big.Int
	sentinel *common.Error
}

func newRatioBroken(account crypto.Address, ratio, required *big.Int) *RatioError {
	return &RatioError{Account: account, Ratio: ratio, Required: required, sentinel: ErrCollateralRatioBroken}
}

func newRatioNotBroken(account crypto.Address, ratio, required *big.Int) *RatioError {
	return &RatioError{Account: account, Ratio: ratio, Required: required, sentinel: ErrCollateralRatioNotBroken}
}

func (e *RatioError) Error() string {
	return fmt.Sprintf("%s: account=%s ratio=%s required=%s", e.sentinel.Error(), e.Account, e.Ratio, e.Required)
}

// Is matches the underlying sentinel.
func (e *RatioError) Is(target error) bool { return target == e.sentinel }

// Kind implements common.Kinded.
func (e *RatioError) Kind() common.ErrorKind { return e.sentinel.Kind() }

// AmountError carries the requested and available amounts for balance style
// failures.
type AmountError struct {
	Account   crypto.Address
	Asset     string
	Requested *big.Int
	Available *big.Int
	sentinel  *common.Error
}

func newAmountError(sentinel *common.Error, account crypto.Address, asset string, requested, available *big.Int) *AmountError {
	return &AmountError{Account: account, Asset: asset, Requested: requested, Available: available, sentinel: sentinel}
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("%s: account=%s asset=%s requested=%s available=%s", e.sentinel.Error(), e.Account, e.Asset, e.Requested, e.Available)
}

// Is matches the underlying sentinel.
func (e *AmountError) Is(target error) bool { return target == e.sentinel }

// Kind implements common.Kinded.
func (e *AmountError) Kind() common.ErrorKind { return e.sentinel.Kind() }
