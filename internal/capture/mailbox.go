package capture

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// Mailbox is a single-slot latest-frame holder.
//
// Semantics:
//   - Publish never blocks; a new frame overwrites the previous one
//   - Overwrites of a frame nobody captured are counted as drops
//   - Latest returns the current frame without consuming it (a paused
//     source keeps serving the same frame)
//
// Thread-safety: Publish is called from decoder threads, Latest from the
// scheduler; both are safe for concurrent use.
type Mailbox struct {
	mu    sync.Mutex
	frame *types.Frame
	taken bool

	ready     chan struct{}
	readyOnce sync.Once

	published uint64
	drops     uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{})}
}

// Publish stores frame as the latest frame (non-blocking).
func (m *Mailbox) Publish(frame *types.Frame) {
	m.mu.Lock()
	if m.frame != nil && !m.taken {
		atomic.AddUint64(&m.drops, 1)
	}
	m.frame = frame
	m.taken = false
	m.mu.Unlock()

	atomic.AddUint64(&m.published, 1)
	m.readyOnce.Do(func() { close(m.ready) })
}

// Latest returns the current frame, or nil before the first Publish.
func (m *Mailbox) Latest() *types.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taken = true
	return m.frame
}

// WaitFirst blocks until the first frame is published or ctx is done.
func (m *Mailbox) WaitFirst(ctx context.Context) (*types.Frame, error) {
	select {
	case <-m.ready:
		return m.Latest(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MailboxStats is a snapshot of mailbox counters.
type MailboxStats struct {
	Published uint64 `json:"published"`
	Drops     uint64 `json:"drops"`
}

// Stats returns counters (non-blocking snapshot).
func (m *Mailbox) Stats() MailboxStats {
	return MailboxStats{
		Published: atomic.LoadUint64(&m.published),
		Drops:     atomic.LoadUint64(&m.drops),
	}
}
