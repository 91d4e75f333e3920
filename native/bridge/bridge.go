package bridge

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/common"
	"stablefi/native/token"
	"stablefi/observability"
	"stablefi/storage"
)

var (
	ErrInvalidAmount       = common.NewError(common.KindValidation, "bridge: amount must be positive")
	ErrZeroAddress         = common.NewError(common.KindValidation, "bridge: zero address")
	ErrUnknownChain        = common.NewError(common.KindAuthorization, "bridge: chain is not a trusted peer")
	ErrWrongDestination    = common.NewError(common.KindValidation, "bridge: message addressed to another chain")
	ErrMessageTampered     = common.NewError(common.KindValidation, "bridge: message id does not match payload")
	ErrReplayedMessage     = common.NewError(common.KindAuthorization, "bridge: message already processed")
	ErrInsufficientBalance = common.NewError(common.KindInvariant, "bridge: insufficient stable balance")
	ErrNoTransport         = common.NewError(common.KindDependency, "bridge: transport not configured")
)

// Transport delivers messages to the bridge on the destination chain.
type Transport interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Bridge moves the stable token between networks by burning on the source
// and minting on the destination.
type Bridge struct {
	mu        sync.Mutex
	chain     uint64
	stable    token.Mintable
	transport Transport
	peers     map[uint64]struct{}
	nonce     uint64
	processed map[[32]byte]struct{}
	db        storage.Database
	emitter   events.Emitter
	metrics   *observability.BridgeMetrics
}

// New creates the bridge endpoint of chain.
func New(chain uint64, stable token.Mintable) *Bridge {
	return &Bridge{
		chain:     chain,
		stable:    stable,
		peers:     make(map[uint64]struct{}),
		processed: make(map[[32]byte]struct{}),
		emitter:   events.NoopEmitter{},
	}
}

// Chain returns the local chain selector.
func (b *Bridge) Chain() uint64 { return b.chain }

// SetTransport configures outbound delivery.
func (b *Bridge) SetTransport(t Transport) {
	b.mu.Lock()
	b.transport = t
	b.mu.Unlock()
}

// SetEmitter configures the event sink.
func (b *Bridge) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	b.mu.Lock()
	b.emitter = emitter
	b.mu.Unlock()
}

// SetMetrics enables prometheus instrumentation.
func (b *Bridge) SetMetrics(m *observability.BridgeMetrics) {
	b.mu.Lock()
	b.metrics = m
	b.mu.Unlock()
}

var (
	nonceKey        = []byte("nonce")
	processedPrefix = "processed/"
)

// SetStore persists the outbound nonce and the processed inbound ids in db
// and loads whatever an earlier run left there.
func (b *Bridge) SetStore(db storage.Database) error {
	var nonce uint64
	raw, err := db.Get(nonceKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("bridge: load nonce: %w", err)
	case len(raw) != 8:
		return fmt.Errorf("bridge: corrupt nonce record")
	default:
		nonce = binary.BigEndian.Uint64(raw)
	}
	keys, err := db.Keys([]byte(processedPrefix))
	if err != nil {
		return fmt.Errorf("bridge: scan processed: %w", err)
	}
	processed := make([][32]byte, 0, len(keys))
	for _, key := range keys {
		decoded, err := hex.DecodeString(string(key[len(processedPrefix):]))
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("bridge: corrupt processed key %q", key)
		}
		processed = append(processed, [32]byte(decoded))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.db = db
	if nonce > b.nonce {
		b.nonce = nonce
	}
	for _, id := range processed {
		b.processed[id] = struct{}{}
	}
	return nil
}

func processedKey(id [32]byte) []byte {
	return []byte(processedPrefix + hex.EncodeToString(id[:]))
}

// saveNonce is called with b.mu held.
func (b *Bridge) saveNonce() error {
	if b.db == nil {
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, b.nonce)
	if err := b.db.Put(nonceKey, buf); err != nil {
		return fmt.Errorf("bridge: store nonce: %w", err)
	}
	return nil
}

// AddPeer trusts chain as both destination and origin.
func (b *Bridge) AddPeer(chain uint64) {
	b.mu.Lock()
	b.peers[chain] = struct{}{}
	b.mu.Unlock()
}

// RemovePeer stops trusting chain.
func (b *Bridge) RemovePeer(chain uint64) {
	b.mu.Lock()
	delete(b.peers, chain)
	b.mu.Unlock()
}

// Send burns amount from sender and dispatches a mint instruction for
// recipient on destChain. A failed dispatch re-mints the burned amount; its
// nonce stays consumed.
func (b *Bridge) Send(ctx context.Context, sender crypto.Address, destChain uint64, recipient crypto.Address, amount *big.Int) (msg Message, err error) {
	defer b.observe("outbound", &err)
	if sender.IsZero() || recipient.IsZero() {
		return Message{}, ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return Message{}, ErrInvalidAmount
	}
	if destChain == b.chain {
		return Message{}, ErrWrongDestination
	}
	b.mu.Lock()
	_, trusted := b.peers[destChain]
	transport, emitter := b.transport, b.emitter
	if !trusted || transport == nil {
		b.mu.Unlock()
		if !trusted {
			return Message{}, ErrUnknownChain
		}
		return Message{}, ErrNoTransport
	}
	b.nonce++
	if err := b.saveNonce(); err != nil {
		b.nonce--
		b.mu.Unlock()
		return Message{}, err
	}
	nonce := b.nonce
	b.mu.Unlock()
	if b.stable.BalanceOf(sender).Cmp(amount) < 0 {
		return Message{}, ErrInsufficientBalance
	}

	msg = Message{
		TraceID:     uuid.NewString(),
		SourceChain: b.chain,
		DestChain:   destChain,
		Sender:      sender,
		Recipient:   recipient,
		Amount:      common.Copy(amount),
		Nonce:       nonce,
	}
	if msg.ID, err = msg.ComputeID(); err != nil {
		return Message{}, err
	}
	if err := b.stable.Burn(sender, amount); err != nil {
		return Message{}, err
	}
	// Dispatch runs without b.mu; a loopback peer may call back into Receive.
	if err := transport.Dispatch(ctx, msg); err != nil {
		if mintErr := b.stable.Mint(sender, amount); mintErr != nil {
			return Message{}, fmt.Errorf("bridge: dispatch failed (%v) and refund failed: %w", err, mintErr)
		}
		return Message{}, fmt.Errorf("bridge: dispatch: %w", err)
	}
	emitter.Emit(transferEvent(msg, false))
	return msg, nil
}

// Receive mints an inbound message. The origin must be a trusted peer, the
// identifier must match the payload and each message is honoured once.
func (b *Bridge) Receive(ctx context.Context, msg Message) (err error) {
	defer b.observe("inbound", &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.DestChain != b.chain {
		return ErrWrongDestination
	}
	if msg.Recipient.IsZero() {
		return ErrZeroAddress
	}
	if msg.Amount == nil || msg.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	id, err := msg.ComputeID()
	if err != nil {
		return err
	}
	if id != msg.ID {
		return ErrMessageTampered
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[msg.SourceChain]; !ok {
		return ErrUnknownChain
	}
	if _, done := b.processed[id]; done {
		return ErrReplayedMessage
	}
	// The id is stored before the mint and dropped again if the mint fails.
	if b.db != nil {
		if err := b.db.Put(processedKey(id), []byte{1}); err != nil {
			return fmt.Errorf("bridge: store processed: %w", err)
		}
	}
	if err := b.stable.Mint(msg.Recipient, msg.Amount); err != nil {
		if b.db != nil {
			if derr := b.db.Delete(processedKey(id)); derr != nil {
				return errors.Join(err, derr)
			}
		}
		return err
	}
	b.processed[id] = struct{}{}
	b.emitter.Emit(transferEvent(msg, true))
	return nil
}

// Processed reports whether the message id was already minted.
func (b *Bridge) Processed(id [32]byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.processed[id]
	return ok
}

func transferEvent(msg Message, received bool) events.BridgeTransfer {
	return events.BridgeTransfer{
		MessageID:   msg.IDHex(),
		TraceID:     msg.TraceID,
		SourceChain: msg.SourceChain,
		DestChain:   msg.DestChain,
		Sender:      msg.Sender,
		Recipient:   msg.Recipient,
		Amount:      common.Copy(msg.Amount),
		Nonce:       msg.Nonce,
		Received:    received,
	}
}

func (b *Bridge) observe(direction string, err *error) {
	if b.metrics == nil {
		return
	}
	b.metrics.Observe(direction, *err)
}
