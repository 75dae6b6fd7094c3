package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"branchdb/pkg/telemetry"
)

// OpType is the operation kind for the ingest pipeline.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Op is an in-memory create/update/delete operation headed for the
// persistence pipeline. Payload may be backed by a pooled buffer; consumers
// must call Item.Done() when finished with it.
type Op struct {
	Type         OpType
	Conversation string
	ID           string
	// Payload holds the raw operation bytes (may be nil).
	Payload []byte
	// TS is an optional client/server timestamp in nanoseconds.
	TS int64
	// EnqSeq is the monotonic sequence assigned on accept; batches commit
	// in EnqSeq order.
	EnqSeq uint64
	// Extras carries small request metadata (role, identity, request id).
	Extras map[string]string
}

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("ingest queue full")

// DefaultQueueCapacity is the bound applied when config leaves the queue
// capacity unset.
const DefaultQueueCapacity = 64 * 1024

// DefaultQueue is the package default used by the HTTP handlers; replaced
// at startup via SetDefaultQueue.
var DefaultQueue = NewQueue(DefaultQueueCapacity)

// SetDefaultQueue replaces the package default queue.
func SetDefaultQueue(q *Queue) {
	if q != nil {
		DefaultQueue = q
	}
}

// Item wraps a queued Op and owns its pooled buffer. Done() must be called
// exactly once after processing.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done returns the op, item and payload buffer to their pools. Oversized
// buffers are dropped instead of pooled so a single large payload cannot
// pin memory.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		if it.Op != nil {
			it.Op.Payload = nil
			it.Op.Extras = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
		itemPool.Put(it)
	})
}

// Queue is a bounded in-memory queue between the API layer and the batch
// processor. Safe for concurrent producers; consumers range over Out().
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
}

var (
	opPool   = sync.Pool{New: func() any { return &Op{} }}
	itemPool = sync.Pool{New: func() any { return &Item{} }}
	enqSeq   uint64
)

// maxPooledBuffer caps the payload buffer size returned to the pool.
var maxPooledBuffer = 256 * 1024

// SetMaxPooledBuffer adjusts the pooled buffer retention ceiling.
func SetMaxPooledBuffer(n int64) {
	if n > 0 {
		maxPooledBuffer = int(n)
	}
}

// NewQueue creates a bounded queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns the receive side of the queue. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

// wrap copies op into pooled storage and stamps its enqueue sequence. The
// payload and extras are copied so callers may reuse their buffers
// immediately after enqueueing.
func wrap(op *Op) *Item {
	cp := opPool.Get().(*Op)
	*cp = *op
	cp.EnqSeq = atomic.AddUint64(&enqSeq, 1)
	if op.Extras != nil {
		ex := make(map[string]string, len(op.Extras))
		for k, v := range op.Extras {
			ex[k] = v
		}
		cp.Extras = ex
	}

	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		cp.Payload = bb.B[:len(op.Payload)]
	}

	it := itemPool.Get().(*Item)
	*it = Item{Op: cp, buf: bb}
	return it
}

// reject releases a wrapped item that never entered the channel and counts
// the drop.
func (q *Queue) reject(it *Item) {
	it.Done()
	atomic.AddUint64(&q.dropped, 1)
	telemetry.IncQueueDropped()
}

// TryEnqueue enqueues op without blocking. Returns ErrQueueFull when the
// queue is at capacity; the caller decides whether to shed or retry.
func (q *Queue) TryEnqueue(op *Op) error {
	it := wrap(op)
	select {
	case q.ch <- it:
		telemetry.SetQueueDepth(len(q.ch))
		return nil
	default:
		q.reject(it)
		return ErrQueueFull
	}
}

// TryEnqueueBytes is TryEnqueue for callers holding loose fields.
func (q *Queue) TryEnqueueBytes(typ OpType, conv, id string, payload []byte, ts int64) error {
	return q.TryEnqueue(&Op{Type: typ, Conversation: conv, ID: id, Payload: payload, TS: ts})
}

// Enqueue blocks until space is available or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, op *Op) error {
	it := wrap(op)
	select {
	case q.ch <- it:
		telemetry.SetQueueDepth(len(q.ch))
		return nil
	case <-ctx.Done():
		q.reject(it)
		return ctx.Err()
	}
}

// CloseAndDrain closes the queue and releases every remaining item. Call
// only after producers have stopped.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped counts operations rejected at enqueue (full queue or expired
// context).
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
