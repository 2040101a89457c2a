// Package ipc implements typed message passing between tasks.
//
// Every task owns one receive queue, created lazily on first send and torn
// down when the task exits. Plain byte messages and handle-bearing messages
// travel separate queues, so a capability delegation is only ever consumed
// by a receive that asked for one. Delivery is FIFO per sender→receiver
// pair; nothing is promised across distinct senders. Receivers park on the
// sleep/wake engine and re-check their queue after every wake.
package ipc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/infrastructure/logging"
	"github.com/tokuhirom/sabos/internal/kernel/cap"
	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// DefaultPayloadCap bounds one message's payload.
const DefaultPayloadCap = 64 * 1024

// Message is a plain byte message.
type Message struct {
	Sender sched.TaskID
	Data   []byte
}

// HandleMessage carries a delegated capability next to its payload. The
// object reference was retained at send time; adopting it into the
// receiver's table takes the reference over.
type HandleMessage struct {
	Sender sched.TaskID
	Data   []byte
	Obj    *cap.Object
	Rights cap.Rights
}

type queue struct {
	data    []Message
	handles []HandleMessage
}

// QueueInfo is the introspection view of one receive queue.
type QueueInfo struct {
	Task    uint64 `json:"task"`
	Data    int    `json:"data"`
	Handles int    `json:"handles"`
	Waiting bool   `json:"waiting"`
}

// Registry owns every receive queue.
type Registry struct {
	sched      *sched.Scheduler
	engine     *sched.Engine
	clock      *sched.Clock
	logger     *logging.Logger
	payloadCap uint64

	mu     sync.Mutex
	queues map[sched.TaskID]*queue

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewRegistry wires the IPC layer. payloadCap 0 picks DefaultPayloadCap.
func NewRegistry(s *sched.Scheduler, engine *sched.Engine, clock *sched.Clock, payloadCap uint64, logger *logging.Logger) *Registry {
	if payloadCap == 0 {
		payloadCap = DefaultPayloadCap
	}
	return &Registry{
		sched:      s,
		engine:     engine,
		clock:      clock,
		logger:     logger,
		payloadCap: payloadCap,
		queues:     make(map[sched.TaskID]*queue),
	}
}

// PayloadCap returns the per-message payload bound.
func (r *Registry) PayloadCap() uint64 { return r.payloadCap }

// checkDest verifies the destination can still receive.
func (r *Registry) checkDest(dest sched.TaskID) error {
	t, ok := r.sched.Get(dest)
	if !ok || t.State() == sched.TaskZombie {
		return fmt.Errorf("ipc dest %d: %w", dest, syserr.ErrNotFound)
	}
	return nil
}

func (r *Registry) queueFor(dest sched.TaskID) *queue {
	q, ok := r.queues[dest]
	if !ok {
		q = &queue{}
		r.queues[dest] = q
	}
	return q
}

// Send appends a message to dest's queue and wakes dest if it is blocked
// receiving. The payload is copied; the sender's buffer is free to reuse.
func (r *Registry) Send(sender *sched.Task, dest sched.TaskID, data []byte) error {
	if uint64(len(data)) > r.payloadCap {
		return fmt.Errorf("payload %d exceeds cap %d: %w", len(data), r.payloadCap, syserr.ErrInvalidArgument)
	}
	if err := r.checkDest(dest); err != nil {
		return err
	}

	msg := Message{Sender: sender.ID, Data: append([]byte(nil), data...)}
	r.mu.Lock()
	q := r.queueFor(dest)
	q.data = append(q.data, msg)
	r.mu.Unlock()

	r.sent.Add(1)
	r.engine.Wake(dest, sched.CauseIPC)
	return nil
}

// SendHandle sends a message with a delegated capability attached. obj must
// arrive already retained on the receiver's behalf (Table.Delegate does
// this); on any failure the retained reference is released here so the
// caller never has to unwind it.
func (r *Registry) SendHandle(sender *sched.Task, dest sched.TaskID, data []byte, obj *cap.Object, rights cap.Rights) error {
	if uint64(len(data)) > r.payloadCap {
		obj.Release()
		return fmt.Errorf("payload %d exceeds cap %d: %w", len(data), r.payloadCap, syserr.ErrInvalidArgument)
	}
	if err := r.checkDest(dest); err != nil {
		obj.Release()
		return err
	}

	msg := HandleMessage{
		Sender: sender.ID,
		Data:   append([]byte(nil), data...),
		Obj:    obj,
		Rights: rights,
	}
	r.mu.Lock()
	q := r.queueFor(dest)
	q.handles = append(q.handles, msg)
	r.mu.Unlock()

	r.sent.Add(1)
	r.logger.Debug("handle delegated",
		zap.Uint64("from", uint64(sender.ID)),
		zap.Uint64("to", uint64(dest)),
		zap.Stringer("rights", rights))
	r.engine.Wake(dest, sched.CauseIPC)
	return nil
}

// popData removes the oldest data message, optionally only from one sender.
// Sender 0 matches anyone.
func (r *Registry) popData(id, from sched.TaskID) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok {
		return Message{}, false
	}
	for i, m := range q.data {
		if from != 0 && m.Sender != from {
			continue
		}
		q.data = append(q.data[:i], q.data[i+1:]...)
		return m, true
	}
	return Message{}, false
}

func (r *Registry) popHandle(id sched.TaskID) (HandleMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok || len(q.handles) == 0 {
		return HandleMessage{}, false
	}
	m := q.handles[0]
	q.handles = q.handles[1:]
	return m, true
}

// Recv pops the oldest message, parking until one arrives. timeoutMs 0
// waits forever. A wake is only a hint: the loop re-checks the queue and
// goes back to sleep when another task raced the message away.
func (r *Registry) Recv(t *sched.Task, timeoutMs uint64) (Message, error) {
	return r.recvFiltered(t, 0, timeoutMs)
}

// RecvFrom is Recv restricted to one sender; other senders' messages stay
// queued in order.
func (r *Registry) RecvFrom(t *sched.Task, from sched.TaskID, timeoutMs uint64) (Message, error) {
	if from == 0 {
		return Message{}, syserr.ErrInvalidArgument
	}
	return r.recvFiltered(t, from, timeoutMs)
}

func (r *Registry) recvFiltered(t *sched.Task, from sched.TaskID, timeoutMs uint64) (Message, error) {
	deadline := r.clock.Deadline(timeoutMs)
	for {
		if msg, ok := r.popData(t.ID, from); ok {
			r.received.Add(1)
			return msg, nil
		}
		w, err := r.engine.Prepare(t, sched.CauseIPC, deadline)
		if err != nil {
			return Message{}, err
		}
		if msg, ok := r.popData(t.ID, from); ok {
			r.engine.Abort(w)
			r.received.Add(1)
			return msg, nil
		}
		if out := w.Block(); out != sched.Woken {
			return Message{}, out.Err()
		}
	}
}

// RecvHandle pops the oldest handle-bearing message. The caller owns the
// attached object reference and must adopt or release it.
func (r *Registry) RecvHandle(t *sched.Task, timeoutMs uint64) (HandleMessage, error) {
	deadline := r.clock.Deadline(timeoutMs)
	for {
		if msg, ok := r.popHandle(t.ID); ok {
			r.received.Add(1)
			return msg, nil
		}
		w, err := r.engine.Prepare(t, sched.CauseIPC, deadline)
		if err != nil {
			return HandleMessage{}, err
		}
		if msg, ok := r.popHandle(t.ID); ok {
			r.engine.Abort(w)
			r.received.Add(1)
			return msg, nil
		}
		if out := w.Block(); out != sched.Woken {
			return HandleMessage{}, out.Err()
		}
	}
}

// Cancel interrupts target's blocking receive, or futex wait, with a
// cancelled outcome. A target that is not waiting is left entirely alone;
// its next receive is unaffected. The outcome is recorded before Cancel
// returns, though the target may not run again until it is scheduled.
func (r *Registry) Cancel(target sched.TaskID) error {
	t, ok := r.sched.Get(target)
	if !ok {
		return fmt.Errorf("cancel %d: %w", target, syserr.ErrNotFound)
	}
	if t.State() == sched.TaskZombie {
		return fmt.Errorf("cancel %d: %w", target, syserr.ErrNotFound)
	}
	if r.engine.Cancel(target, sched.CauseIPC, sched.CauseFutex) {
		r.logger.Debug("wait cancelled", zap.Uint64("task", uint64(target)))
	}
	return nil
}

// CleanupTask drops a dead task's queues. Undelivered delegated objects
// lose the reference retained for the receiver that will never come.
func (r *Registry) CleanupTask(id sched.TaskID) {
	r.mu.Lock()
	q, ok := r.queues[id]
	delete(r.queues, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, m := range q.handles {
		m.Obj.Release()
	}
	if n := len(q.data) + len(q.handles); n > 0 {
		r.logger.Debug("undelivered messages dropped",
			zap.Uint64("task", uint64(id)),
			zap.Int("count", n))
	}
}

// Pending reports how many messages wait for id, both queues combined.
func (r *Registry) Pending(id sched.TaskID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok {
		return 0
	}
	return len(q.data) + len(q.handles)
}

// Sent and Received report lifetime message counters.
func (r *Registry) Sent() uint64     { return r.sent.Load() }
func (r *Registry) Received() uint64 { return r.received.Load() }

// Snapshot renders every non-empty queue, for procfs.
func (r *Registry) Snapshot() []QueueInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueueInfo, 0, len(r.queues))
	for id, q := range r.queues {
		cause, waiting := r.engine.WaitingOn(id)
		out = append(out, QueueInfo{
			Task:    uint64(id),
			Data:    len(q.data),
			Handles: len(q.handles),
			Waiting: waiting && cause == sched.CauseIPC,
		})
	}
	return out
}
