package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"branchdb/pkg/config"
	"branchdb/pkg/logger"
	"branchdb/pkg/models"
	"branchdb/pkg/store"
)

// Processor runs a pool of workers that drain the ingest queue, turn ops
// into BatchEntry sets via registered handlers, and commit them. Each
// worker claims a monotonic batch number when it starts collecting and
// commits strictly in that order, so a later batch can never land ahead
// of an earlier one even with concurrent workers.
type Processor struct {
	q        *Queue
	workers  int
	stop     chan struct{}
	wg       sync.WaitGroup
	running  int32
	paused   int32
	handlers map[OpType]ProcessorFunc

	// batch tunables, adjusted at runtime by the backpressure monitor
	maxBatch int64
	flushNs  int64

	batchSeq uint64
	gate     commitGate
}

// commitGate serialises batch application in claim order.
type commitGate struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
}

func (g *commitGate) wait(seq uint64) {
	g.mu.Lock()
	for seq != g.next {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *commitGate) release(seq uint64) {
	g.mu.Lock()
	if seq >= g.next {
		g.next = seq + 1
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// NewProcessor creates a Processor attached to the provided queue.
func NewProcessor(q *Queue, pc config.ProcessorConfig) *Processor {
	workers := pc.Workers
	if workers <= 0 {
		workers = 2
	}
	maxBatch := pc.MaxBatchMsgs
	if maxBatch <= 0 {
		maxBatch = 128
	}
	flush := pc.FlushInterval.Duration()
	if flush <= 0 {
		flush = 5 * time.Millisecond
	}
	p := &Processor{
		q:        q,
		workers:  workers,
		stop:     make(chan struct{}),
		handlers: make(map[OpType]ProcessorFunc),
		maxBatch: int64(maxBatch),
		flushNs:  int64(flush),
		gate:     commitGate{next: 1},
	}
	p.gate.cond = sync.NewCond(&p.gate.mu)
	return p
}

// RegisterHandler binds a ProcessorFunc to an op type. Must be called
// before Start.
func (p *Processor) RegisterHandler(t OpType, fn ProcessorFunc) {
	p.handlers[t] = fn
}

// SetBatchParams adjusts batching at runtime; zero values leave the
// corresponding parameter unchanged.
func (p *Processor) SetBatchParams(maxMsgs int, flush time.Duration) {
	if maxMsgs > 0 {
		atomic.StoreInt64(&p.maxBatch, int64(maxMsgs))
	}
	if flush > 0 {
		atomic.StoreInt64(&p.flushNs, int64(flush))
	}
}

// GetBatchParams returns the current batch size cap and flush interval.
func (p *Processor) GetBatchParams() (int, time.Duration) {
	return int(atomic.LoadInt64(&p.maxBatch)), time.Duration(atomic.LoadInt64(&p.flushNs))
}

// Pause stops workers from claiming new items until Resume.
func (p *Processor) Pause() { atomic.StoreInt32(&p.paused, 1) }

// Resume lifts a Pause.
func (p *Processor) Resume() { atomic.StoreInt32(&p.paused, 0) }

// Start launches the worker pool. Idempotent.
func (p *Processor) Start() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	logger.Info("ingest_processor_started", "workers", p.workers)
}

// Stop signals workers to exit and waits for them, bounded by ctx.
func (p *Processor) Stop(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("ingest_processor_stopped")
	case <-ctx.Done():
		logger.Warn("ingest_processor_stop_timeout")
	}
}

func (p *Processor) run() {
	for {
		if atomic.LoadInt32(&p.paused) == 1 {
			select {
			case <-p.stop:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		items, seq, ok := p.collect()
		if !ok {
			return
		}

		entries := p.dispatch(items)

		p.gate.wait(seq)
		if len(entries) > 0 {
			if err := applyBatchToDB(entries); err != nil {
				logger.Error("apply_batch_failed", "err", err)
			}
		}
		p.gate.release(seq)
	}
}

// collect blocks for the first item, claims a commit slot, then drains
// more items until the batch cap or flush deadline is hit.
func (p *Processor) collect() ([]*Item, uint64, bool) {
	var items []*Item
	select {
	case it, ok := <-p.q.Out():
		if !ok {
			return nil, 0, false
		}
		items = append(items, it)
	case <-p.stop:
		return nil, 0, false
	}

	seq := atomic.AddUint64(&p.batchSeq, 1)
	maxBatch, flush := p.GetBatchParams()

	deadline := time.NewTimer(flush)
	defer deadline.Stop()
	for len(items) < maxBatch {
		select {
		case it, ok := <-p.q.Out():
			if !ok {
				return items, seq, true
			}
			items = append(items, it)
		case <-deadline.C:
			return items, seq, true
		case <-p.stop:
			// already claimed a slot; let the caller commit what we have
			return items, seq, true
		}
	}
	return items, seq, true
}

// dispatch runs handlers over the batch, stamping entries with the
// enqueue sequence and releasing pooled items as it goes.
func (p *Processor) dispatch(items []*Item) []BatchEntry {
	meta := p.prefetchConvMeta(items)
	hctx := context.WithValue(context.Background(), convMetaKey, meta)

	var out []BatchEntry
	for _, it := range items {
		fn := p.handlers[it.Op.Type]
		if fn == nil {
			logger.Warn("no_ingest_handler", "type", it.Op.Type)
			it.Done()
			continue
		}
		entries, err := fn(hctx, it.Op)
		if err != nil {
			logger.Error("ingest_handler_error", "type", it.Op.Type, "error", err)
			it.Done()
			continue
		}
		for i := range entries {
			if entries[i].Enq == 0 {
				entries[i].Enq = it.Op.EnqSeq
			}
		}
		out = append(out, entries...)
		it.Done()
	}
	return out
}

// prefetchConvMeta loads conversation metadata once per batch so
// handlers don't each hit the store for the same conversation.
func (p *Processor) prefetchConvMeta(items []*Item) map[string]models.Conversation {
	ids := make(map[string]struct{})
	for _, it := range items {
		if it.Op.Conversation != "" {
			ids[it.Op.Conversation] = struct{}{}
			continue
		}
		var probe struct {
			Conversation string `json:"conversation"`
		}
		_ = json.Unmarshal(it.Op.Payload, &probe)
		if probe.Conversation != "" {
			ids[probe.Conversation] = struct{}{}
		}
	}
	meta := make(map[string]models.Conversation, len(ids))
	for id := range ids {
		if c, err := store.GetConversation(id); err == nil {
			meta[id] = c
		}
	}
	return meta
}

// ConvMetaFromContext returns the per-batch conversation metadata map
// attached by the processor, if any.
func ConvMetaFromContext(ctx context.Context) map[string]models.Conversation {
	if m, ok := ctx.Value(convMetaKey).(map[string]models.Conversation); ok {
		return m
	}
	return nil
}
