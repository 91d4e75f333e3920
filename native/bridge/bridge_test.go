package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"stablefi/core/events"
	"stablefi/crypto"
	"stablefi/native/token"
	"stablefi/storage"
)

var (
	alice = crypto.ModuleAddress("test/alice")
	bob   = crypto.ModuleAddress("test/bob")
)

type pair struct {
	source, dest       *Bridge
	sourceSF, destSF   *token.Ledger
	sourceRec, destRec *events.Recorder
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{
		sourceSF:  token.NewLedger("SF", 18, nil),
		destSF:    token.NewLedger("SF", 18, nil),
		sourceRec: &events.Recorder{},
		destRec:   &events.Recorder{},
	}
	p.source = New(1, p.sourceSF)
	p.dest = New(2, p.destSF)
	p.source.SetEmitter(p.sourceRec)
	p.dest.SetEmitter(p.destRec)
	p.source.AddPeer(2)
	p.dest.AddPeer(1)
	loop := NewLoopback()
	loop.Attach(p.source)
	loop.Attach(p.dest)
	if err := p.sourceSF.Mint(alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return p
}

func TestSendMintsOnDestination(t *testing.T) {
	p := newPair(t)
	msg, err := p.source.Send(context.Background(), alice, 2, bob, big.NewInt(400))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Nonce != 1 || msg.TraceID == "" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if got := p.sourceSF.BalanceOf(alice); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("source balance = %s, want 600", got)
	}
	if got := p.sourceSF.TotalSupply(); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("source supply = %s, want 600", got)
	}
	if got := p.destSF.BalanceOf(bob); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("destination balance = %s, want 400", got)
	}
	if !p.dest.Processed(msg.ID) {
		t.Fatalf("message not marked processed")
	}
	received := p.destRec.OfType(events.TypeBridgeReceived)
	if len(received) != 1 || received[0].Attr("messageId") != msg.IDHex() {
		t.Fatalf("unexpected receive events %+v", received)
	}
	if len(p.sourceRec.OfType(events.TypeBridgeSent)) != 1 {
		t.Fatalf("expected a send event")
	}

	second, err := p.source.Send(context.Background(), alice, 2, bob, big.NewInt(1))
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.Nonce != 2 || second.ID == msg.ID {
		t.Fatalf("second message reused nonce or id: %+v", second)
	}
}

func TestReceiveRejectsReplayAndTampering(t *testing.T) {
	p := newPair(t)
	msg, err := p.source.Send(context.Background(), alice, 2, bob, big.NewInt(400))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.dest.Receive(context.Background(), msg); !errors.Is(err, ErrReplayedMessage) {
		t.Fatalf("expected ErrReplayedMessage, got %v", err)
	}

	tampered := msg
	tampered.Amount = big.NewInt(4_000)
	if err := p.dest.Receive(context.Background(), tampered); !errors.Is(err, ErrMessageTampered) {
		t.Fatalf("expected ErrMessageTampered, got %v", err)
	}

	foreign := Message{SourceChain: 3, DestChain: 2, Sender: alice, Recipient: bob, Amount: big.NewInt(1), Nonce: 1}
	foreign.ID, _ = foreign.ComputeID()
	if err := p.dest.Receive(context.Background(), foreign); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
	misrouted := foreign
	misrouted.DestChain = 1
	if err := p.dest.Receive(context.Background(), misrouted); !errors.Is(err, ErrWrongDestination) {
		t.Fatalf("expected ErrWrongDestination, got %v", err)
	}
	if got := p.destSF.BalanceOf(bob); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("rejected messages minted: balance %s", got)
	}
}

type failingTransport struct{}

func (failingTransport) Dispatch(context.Context, Message) error {
	return errors.New("relay offline")
}

func TestFailedDispatchRefunds(t *testing.T) {
	p := newPair(t)
	p.source.SetTransport(failingTransport{})
	if _, err := p.source.Send(context.Background(), alice, 2, bob, big.NewInt(400)); err == nil {
		t.Fatalf("expected dispatch failure")
	}
	if got := p.sourceSF.BalanceOf(alice); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("sender not refunded: %s", got)
	}
	if len(p.sourceRec.OfType(events.TypeBridgeSent)) != 0 {
		t.Fatalf("failed send emitted an event")
	}
}

func TestSendValidation(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	cases := []struct {
		name   string
		dest   uint64
		amount *big.Int
		want   error
	}{
		{"zero amount", 2, big.NewInt(0), ErrInvalidAmount},
		{"own chain", 1, big.NewInt(1), ErrWrongDestination},
		{"untrusted chain", 9, big.NewInt(1), ErrUnknownChain},
		{"over balance", 2, big.NewInt(1_001), ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.source.Send(ctx, alice, tc.dest, bob, tc.amount); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestMessageEncodingRoundTrip(t *testing.T) {
	msg := Message{SourceChain: 1, DestChain: 2, Sender: alice, Recipient: bob, Amount: big.NewInt(77), Nonce: 5}
	id, err := msg.ComputeID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	payload, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != id || decoded.Sender != alice || decoded.Recipient != bob || decoded.Amount.Cmp(msg.Amount) != 0 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestNonceAndProcessedSurviveRestart(t *testing.T) {
	p := newPair(t)
	sourceDB, destDB := storage.NewMemDB(), storage.NewMemDB()
	if err := p.source.SetStore(storage.NewTable(sourceDB, "bridge/")); err != nil {
		t.Fatalf("source store: %v", err)
	}
	if err := p.dest.SetStore(storage.NewTable(destDB, "bridge/")); err != nil {
		t.Fatalf("dest store: %v", err)
	}
	first, err := p.source.Send(context.Background(), alice, 2, bob, big.NewInt(400))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	source := New(1, p.sourceSF)
	dest := New(2, p.destSF)
	if err := source.SetStore(storage.NewTable(sourceDB, "bridge/")); err != nil {
		t.Fatalf("reopen source: %v", err)
	}
	if err := dest.SetStore(storage.NewTable(destDB, "bridge/")); err != nil {
		t.Fatalf("reopen dest: %v", err)
	}
	source.AddPeer(2)
	dest.AddPeer(1)
	loop := NewLoopback()
	loop.Attach(source)
	loop.Attach(dest)

	if !dest.Processed(first.ID) {
		t.Fatalf("processed id lost on restart")
	}
	if err := dest.Receive(context.Background(), first); !errors.Is(err, ErrReplayedMessage) {
		t.Fatalf("expected ErrReplayedMessage after restart, got %v", err)
	}
	// same sender, recipient and amount; only the nonce tells them apart
	second, err := source.Send(context.Background(), alice, 2, bob, big.NewInt(400))
	if err != nil {
		t.Fatalf("identical send after restart: %v", err)
	}
	if second.Nonce != 2 || second.ID == first.ID {
		t.Fatalf("nonce reused after restart: %+v", second)
	}
	if got := p.destSF.BalanceOf(bob); got.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("destination balance = %s, want 800", got)
	}
}

func TestFailedMintDoesNotMarkProcessed(t *testing.T) {
	p := newPair(t)
	db := storage.NewMemDB()
	if err := p.dest.SetStore(storage.NewTable(db, "bridge/")); err != nil {
		t.Fatalf("dest store: %v", err)
	}
	msg := Message{SourceChain: 1, DestChain: 2, Sender: alice, Recipient: bob, Amount: big.NewInt(5), Nonce: 9}
	msg.ID, _ = msg.ComputeID()
	p.destSF.FailNextTransfer(errors.New("ledger offline"))
	if err := p.dest.Receive(context.Background(), msg); err == nil {
		t.Fatalf("expected the mint to fail")
	}
	if keys, _ := db.Keys([]byte("bridge/processed/")); len(keys) != 0 {
		t.Fatalf("failed mint left %d processed records", len(keys))
	}
	if err := p.dest.Receive(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := p.destSF.BalanceOf(bob); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("balance = %s, want 5", got)
	}
}
