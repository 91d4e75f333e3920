package bridge

import (
	"encoding/hex"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"stablefi/crypto"
)

// Message is the cross-network payload instructing the destination bridge to
// mint Amount to Recipient. ID commits to every field except TraceID.
type Message struct {
	ID          [32]byte
	TraceID     string
	SourceChain uint64
	DestChain   uint64
	Sender      crypto.Address
	Recipient   crypto.Address
	Amount      *big.Int
	Nonce       uint64
}

type wireMessage struct {
	SourceChain uint64
	DestChain   uint64
	Sender      []byte
	Recipient   []byte
	Amount      *big.Int
	Nonce       uint64
}

func (m Message) wire() wireMessage {
	amount := m.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return wireMessage{
		SourceChain: m.SourceChain,
		DestChain:   m.DestChain,
		Sender:      m.Sender.Bytes(),
		Recipient:   m.Recipient.Bytes(),
		Amount:      amount,
		Nonce:       m.Nonce,
	}
}

// Encode returns the RLP encoding of the committed fields.
func (m Message) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(m.wire())
}

// DecodeMessage parses an RLP payload produced by Encode and derives its ID.
func DecodeMessage(payload []byte) (Message, error) {
	var w wireMessage
	if err := rlp.DecodeBytes(payload, &w); err != nil {
		return Message{}, fmt.Errorf("bridge: decode message: %w", err)
	}
	msg := Message{
		SourceChain: w.SourceChain,
		DestChain:   w.DestChain,
		Sender:      crypto.BytesToAddress(w.Sender),
		Recipient:   crypto.BytesToAddress(w.Recipient),
		Amount:      w.Amount,
		Nonce:       w.Nonce,
	}
	id, err := msg.ComputeID()
	if err != nil {
		return Message{}, err
	}
	msg.ID = id
	return msg, nil
}

// ComputeID hashes the encoded message with Keccak-256.
func (m Message) ComputeID() ([32]byte, error) {
	var id [32]byte
	encoded, err := m.Encode()
	if err != nil {
		return id, fmt.Errorf("bridge: encode message: %w", err)
	}
	copy(id[:], ethcrypto.Keccak256(encoded))
	return id, nil
}

// IDHex returns the 0x-prefixed message identifier.
func (m Message) IDHex() string {
	return "0x" + hex.EncodeToString(m.ID[:])
}
