package bridge

import (
	"context"
	"sync"

	"stablefi/native/common"
)

var ErrUnreachable = common.NewError(common.KindDependency, "bridge: no endpoint for destination chain")

// Loopback delivers messages in-process between bridges registered on the
// same transport. Payloads take the encoded round trip so receivers see
// exactly what a remote transport would carry.
type Loopback struct {
	mu        sync.RWMutex
	endpoints map[uint64]*Bridge
}

// NewLoopback returns an empty in-process transport.
func NewLoopback() *Loopback {
	return &Loopback{endpoints: make(map[uint64]*Bridge)}
}

// Attach registers b as the endpoint of its chain and routes its outbound
// messages through the loopback.
func (l *Loopback) Attach(b *Bridge) {
	l.mu.Lock()
	l.endpoints[b.Chain()] = b
	l.mu.Unlock()
	b.SetTransport(l)
}

// Dispatch implements Transport.
func (l *Loopback) Dispatch(ctx context.Context, msg Message) error {
	l.mu.RLock()
	dest, ok := l.endpoints[msg.DestChain]
	l.mu.RUnlock()
	if !ok {
		return ErrUnreachable
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	decoded, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	decoded.TraceID = msg.TraceID
	return dest.Receive(ctx, decoded)
}
