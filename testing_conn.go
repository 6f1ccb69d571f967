package feedmux

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeTransport is an in-memory transport used by the client tests. Inbound
// frames are injected with push; outbound frames are recorded and can be
// inspected as decoded control messages.
type fakeTransport struct {
	mu     sync.Mutex
	recv   chan<- []byte
	writes [][]byte

	openErr  error
	writeErr error

	closeC    chan struct{}
	closeOnce sync.Once
	reason    error
}

func newFakeTransport(recv chan<- []byte, openErr error) *fakeTransport {
	return &fakeTransport{
		recv:    recv,
		openErr: openErr,
		closeC:  make(chan struct{}),
	}
}

func (f *fakeTransport) open(context.Context) error {
	return f.openErr
}

func (f *fakeTransport) write(p []byte) error {
	select {
	case <-f.closeC:
		return ErrConnectionClosed
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	f.writes = append(f.writes, p)
	return nil
}

func (f *fakeTransport) close() {
	f.closeOnce.Do(func() {
		close(f.closeC)
	})
}

func (f *fakeTransport) closeChan() <-chan struct{} {
	return f.closeC
}

func (f *fakeTransport) closeErr() error {
	return f.reason
}

// push injects a raw inbound frame, as if received over the wire.
func (f *fakeTransport) push(raw string) {
	f.recv <- []byte(raw)
}

// fail simulates an abnormal close initiated by the remote side.
func (f *fakeTransport) fail() {
	f.reason = ErrConnectionClosed
	f.close()
}

// sentFrames returns every recorded outbound frame decoded as a control
// message, in write order.
func (f *fakeTransport) sentFrames() []controlMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]controlMessage, 0, len(f.writes))
	for _, p := range f.writes {
		var m controlMessage
		_ = json.Unmarshal(p, &m)
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// fakeNetwork hands out fakeTransports and keeps track of every connection
// attempt, so tests can drive reconnection cycles.
type fakeNetwork struct {
	mu       sync.Mutex
	conns    []*fakeTransport
	openErrs []error // consumed per attempt; nil means success
	writeErr error   // applied to transports created while set
}

func newFakeNetwork(openErrs ...error) *fakeNetwork {
	return &fakeNetwork{openErrs: openErrs}
}

func (n *fakeNetwork) factory() transportFactory {
	return func(_ string, recv chan<- []byte) transport {
		n.mu.Lock()
		defer n.mu.Unlock()

		var openErr error
		if len(n.openErrs) > 0 {
			openErr = n.openErrs[0]
			n.openErrs = n.openErrs[1:]
		}

		conn := newFakeTransport(recv, openErr)
		conn.writeErr = n.writeErr
		n.conns = append(n.conns, conn)
		return conn
	}
}

// setWriteErr makes every transport created from now on reject writes with
// err. Pass nil to restore working writes.
func (n *fakeNetwork) setWriteErr(err error) {
	n.mu.Lock()
	n.writeErr = err
	n.mu.Unlock()
}

func (n *fakeNetwork) attempts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *fakeNetwork) conn(i int) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[i]
}

func (n *fakeNetwork) last() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[len(n.conns)-1]
}
