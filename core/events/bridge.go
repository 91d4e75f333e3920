package events

import (
	"math/big"
	"strconv"

	"stablefi/core/types"
	"stablefi/crypto"
)

const (
	TypeBridgeSent     = "bridge.sent"
	TypeBridgeReceived = "bridge.received"
)

// BridgeTransfer reports a stable transfer leaving or entering this network.
// Received selects the event identifier.
type BridgeTransfer struct {
	MessageID   string
	TraceID     string
	SourceChain uint64
	DestChain   uint64
	Sender      crypto.Address
	Recipient   crypto.Address
	Amount      *big.Int
	Nonce       uint64
	Received    bool
}

func (e BridgeTransfer) EventType() string {
	if e.Received {
		return TypeBridgeReceived
	}
	return TypeBridgeSent
}

func (e BridgeTransfer) Event() *types.Event {
	return types.NewEvent(e.EventType()).
		With("messageId", e.MessageID).
		With("traceId", e.TraceID).
		With("sourceChain", strconv.FormatUint(e.SourceChain, 10)).
		With("destChain", strconv.FormatUint(e.DestChain, 10)).
		With("sender", e.Sender.String()).
		With("recipient", e.Recipient.String()).
		With("amount", amountString(e.Amount)).
		With("nonce", strconv.FormatUint(e.Nonce, 10))
}
