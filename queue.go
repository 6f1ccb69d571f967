package feedmux

import (
	"sync"
)

// outboundQueue buffers frames produced while the connection is not open.
// Frames are delivered to the wire in FIFO order exactly once, on the first
// flush after the connection opens.
type outboundQueue struct {
	mu    sync.Mutex
	items [][]byte
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{}
}

func (q *outboundQueue) push(p []byte) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

// drain removes and returns every queued frame, oldest first.
func (q *outboundQueue) drain() [][]byte {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// requeue puts drained-but-undelivered frames back at the head of the
// queue, ahead of anything queued since the drain.
func (q *outboundQueue) requeue(items [][]byte) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	merged := make([][]byte, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
	q.mu.Unlock()
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
