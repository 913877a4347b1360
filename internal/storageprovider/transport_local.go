package storageprovider

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by LocalTransport operations after Close.
var ErrClosed = errors.New("storageprovider: transport closed")

// LocalTransport is an in-memory Transport that loops a Session's
// outbound messages back through a caller-supplied handler, producing
// inbound ServerMessages on the same channel Connect returns. It has no
// use outside this module's own process — a real deployment frames
// these same message shapes over a pluggable wire transport — but it
// lets the rest of the runtime (and this package's tests) drive a
// Session without a network.
type LocalTransport struct {
	handle func(ctx context.Context, msg ClientMessage, deliver func(ServerMessage)) error

	mu     sync.Mutex
	ch     chan ServerMessage
	closed bool
}

// NewLocalTransport builds a LocalTransport whose Send calls handle
// synchronously; handle may call deliver any number of times (including
// zero) to push ServerMessages back to the session, e.g. a TxReceipt
// followed by a DOC_UPDATE.
func NewLocalTransport(handle func(ctx context.Context, msg ClientMessage, deliver func(ServerMessage)) error) *LocalTransport {
	return &LocalTransport{handle: handle}
}

func (t *LocalTransport) Connect(ctx context.Context) (<-chan ServerMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.ch = make(chan ServerMessage, 64)
	return t.ch, nil
}

func (t *LocalTransport) Send(ctx context.Context, msg ClientMessage) error {
	t.mu.Lock()
	ch := t.ch
	closed := t.closed
	t.mu.Unlock()
	if closed || ch == nil {
		return ErrClosed
	}

	deliver := func(sm ServerMessage) {
		t.mu.Lock()
		current := t.ch
		stillClosed := t.closed
		t.mu.Unlock()
		if stillClosed || current == nil {
			return
		}
		select {
		case current <- sm:
		case <-ctx.Done():
		}
	}
	return t.handle(ctx, msg, deliver)
}

// Deliver injects a ServerMessage as if it arrived unsolicited from the
// server (e.g. a DOC_UPDATE pushed by another client's commit).
func (t *LocalTransport) Deliver(sm ServerMessage) {
	t.mu.Lock()
	ch := t.ch
	closed := t.closed
	t.mu.Unlock()
	if closed || ch == nil {
		return
	}
	ch <- sm
}

func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.ch != nil {
		close(t.ch)
	}
	return nil
}
