package oracle

import (
	"math/big"
	"sync"
	"time"

	"stablefi/native/common"
)

// DefaultStalenessWindow bounds how old a feed answer may be before it is
// rejected.
const DefaultStalenessWindow = 3 * time.Hour

var (
	ErrStalePrice     = common.NewError(common.KindDependency, "oracle: stale price")
	ErrInvalidPrice   = common.NewError(common.KindDependency, "oracle: invalid price")
	ErrUnknownAsset   = common.NewError(common.KindValidation, "oracle: asset not bound to a price source")
	ErrUnknownSource  = common.NewError(common.KindValidation, "oracle: price source not registered")
	ErrInvalidBinding = common.NewError(common.KindValidation, "oracle: invalid asset binding")
)

// Round is a single feed reading together with the round metadata used to
// detect incomplete updates.
type Round struct {
	RoundID         uint64
	Answer          *big.Int
	StartedAt       int64
	UpdatedAt       int64
	AnsweredInRound uint64
}

// Feed is an upstream USD price source.
type Feed interface {
	LatestRound() (Round, error)
	// Decimals reports the precision of Round.Answer.
	Decimals() uint8
}

// StaticFeed is an in-process Feed whose answer is pushed by an operator or a
// test. Every Set opens and answers a new round.
type StaticFeed struct {
	mu       sync.RWMutex
	decimals uint8
	round    Round
}

// NewStaticFeed returns a feed reporting answers with the given precision.
func NewStaticFeed(decimals uint8) *StaticFeed {
	return &StaticFeed{decimals: decimals}
}

// Set records a new answer observed at updatedAt (unix seconds).
func (f *StaticFeed) Set(answer *big.Int, updatedAt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.round.RoundID + 1
	f.round = Round{
		RoundID:         next,
		Answer:          common.Copy(answer),
		StartedAt:       updatedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: next,
	}
}

// SetRound replaces the full round, including inconsistent metadata.
func (f *StaticFeed) SetRound(round Round) {
	f.mu.Lock()
	defer f.mu.Unlock()
	round.Answer = common.Copy(round.Answer)
	f.round = round
}

// LatestRound implements Feed.
func (f *StaticFeed) LatestRound() (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := f.round
	out.Answer = common.Copy(f.round.Answer)
	return out, nil
}

// Decimals implements Feed.
func (f *StaticFeed) Decimals() uint8 { return f.decimals }

// Quote is a normalised price: Value is USD per whole asset unit with 18
// implied decimals.
type Quote struct {
	Value *big.Int
	AsOf  time.Time
}
