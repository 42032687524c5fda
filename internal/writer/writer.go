// Package writer implements the single background writer goroutine that
// serializes every mutation (ADD and DEL) onto the journal: a batch of
// pending operations accumulated since the last wake-up is flushed with one
// data-file write and one log-file write per run of consecutive ADDs, one
// log-file write per DEL, and at most one fsync of each touched segment —
// the batching discipline the teacher's storage engine
// applies to its own write-ahead log in internal/storage/wal.go, generalized
// here across an arbitrary number of pending callers instead of one
// transaction at a time.
package writer

import (
	"container/list"
	"fmt"
	"sync"

	"waddlekv/internal/codec"
	"waddlekv/internal/segment"
)

// SegmentSource is the narrow capability the writer needs from the
// coordinator: the current active segment, lookup of any segment by
// number (a DEL's log entry always targets the segment the original ADD
// landed in, which may not be the active one), and a way to roll over to
// a freshly allocated segment when the active one is full. Keeping this
// as an interface avoids a cyclic import between the writer and the
// package that owns the segment registry.
type SegmentSource interface {
	Active() *segment.Segment
	Get(num uint32) (*segment.Segment, bool)
	Rollover() (*segment.Segment, error)
}

// Result is what a pending operation resolves to once its batch has been
// flushed and (if requested) fsynced.
type Result struct {
	Item codec.OpItem
	Err  error
}

type opKind int

const (
	kindAdd opKind = iota
	kindDel
	kindBarrier
)

type pendingOp struct {
	kind  opKind
	key   codec.Key
	value []byte       // kindAdd only
	ref   codec.OpItem // kindDel only: the OpItem being cancelled

	done chan Result
}

type inflightEntry struct {
	value []byte
	refs  int
}

// Writer batches pending ADD/DEL operations and appends them to the
// journal from a single dedicated goroutine, so that concurrent callers
// never race on segment file offsets.
type Writer struct {
	src      SegmentSource
	maxBatch int64
	fileSize int64
	withCRC  bool

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *list.List // of *pendingOp
	closed bool

	inflightMu sync.Mutex
	inflight   map[codec.Key]*inflightEntry

	doneWG sync.WaitGroup
}

// New starts the background writer goroutine. fileSize bounds how large a
// segment's data file may grow before the writer rolls over to a new one;
// maxBatch bounds how many value bytes are accumulated into a single
// batch before it is flushed, even if more callers are still queued.
func New(src SegmentSource, maxBatch, fileSize int64, withCRC bool) *Writer {
	w := &Writer{
		src:      src,
		maxBatch: maxBatch,
		fileSize: fileSize,
		withCRC:  withCRC,
		queue:    list.New(),
		inflight: make(map[codec.Key]*inflightEntry),
	}
	w.cond = sync.NewCond(&w.mu)
	w.doneWG.Add(1)
	go w.run()
	return w
}

// Store enqueues an ADD of key/value. If sync, Store blocks until the
// batch containing this op has been appended and fsynced, and returns the
// resulting OpItem (with its segment/offset/length filled in). If not
// sync, Store returns immediately with a zero OpItem; the caller should
// read the eventual result from the returned channel via a goroutine if
// it needs to observe where the value landed.
func (w *Writer) Store(key codec.Key, value []byte, sync bool) (codec.OpItem, <-chan Result, error) {
	w.inflightMu.Lock()
	e, ok := w.inflight[key]
	if !ok {
		e = &inflightEntry{}
		w.inflight[key] = e
	}
	e.value = value
	e.refs++
	w.inflightMu.Unlock()

	op := &pendingOp{kind: kindAdd, key: key, value: value, done: make(chan Result, 1)}
	if err := w.enqueue(op); err != nil {
		return codec.OpItem{}, nil, err
	}

	if sync {
		res := <-op.done
		return res.Item, nil, res.Err
	}
	return codec.OpItem{}, op.done, nil
}

// Remove enqueues a DEL cancelling ref, the OpItem previously returned for
// key. The DEL's log entry is written to ref.Segment's log file (not
// necessarily the active segment) and decrements that segment's refcount.
func (w *Writer) Remove(key codec.Key, ref codec.OpItem, sync bool) (<-chan Result, error) {
	op := &pendingOp{kind: kindDel, key: key, ref: ref, done: make(chan Result, 1)}
	if err := w.enqueue(op); err != nil {
		return nil, err
	}
	if sync {
		res := <-op.done
		return nil, res.Err
	}
	return op.done, nil
}

// Sync blocks until every operation enqueued before this call has been
// flushed and fsynced.
func (w *Writer) Sync() error {
	op := &pendingOp{kind: kindBarrier, done: make(chan Result, 1)}
	if err := w.enqueue(op); err != nil {
		return err
	}
	res := <-op.done
	return res.Err
}

// InFlight returns the most recently stored bytes for key if an ADD for it
// has been queued or batched but not yet evicted from the in-flight
// buffer (it is evicted once its batch's fsync completes and no other
// queued op still references it).
func (w *Writer) InFlight(key codec.Key) ([]byte, bool) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	e, ok := w.inflight[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (w *Writer) enqueue(op *pendingOp) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("writer: closed")
	}
	w.queue.PushBack(op)
	w.cond.Signal()
	w.mu.Unlock()
	return nil
}

// Close stops accepting new operations, drains and flushes whatever is
// still queued, and waits for the background goroutine to exit.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()
	w.doneWG.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.doneWG.Done()
	for {
		batch, ok := w.drainBatch()
		if len(batch) > 0 {
			w.processBatch(batch)
		}
		if !ok {
			return
		}
	}
}

// drainBatch blocks until there is at least one queued op (or the writer
// is closing), then pops ops off the queue in FIFO order until either the
// queue is empty or the accumulated value bytes reach maxBatch. The
// second return value is false once the writer has been closed and the
// queue is empty — the signal to the run loop to exit after this batch.
func (w *Writer) drainBatch() ([]*pendingOp, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.queue.Len() == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.queue.Len() == 0 {
		return nil, false
	}

	var batch []*pendingOp
	var accumulated int64
	for w.queue.Len() > 0 && (accumulated < w.maxBatch || len(batch) == 0) {
		front := w.queue.Front()
		op := front.Value.(*pendingOp)
		w.queue.Remove(front)
		batch = append(batch, op)
		if op.kind == kindAdd {
			accumulated += int64(len(op.value))
		}
		if accumulated >= w.maxBatch {
			break
		}
	}
	return batch, !(w.closed && w.queue.Len() == 0)
}

// completed pairs a pending op with its outcome, held back from its
// caller until the batch's segments have been fsynced.
type completed struct {
	op     *pendingOp
	result Result
}

// processBatch appends every op in batch to the journal, grouping
// consecutive ADDs into a single data-file write and a single log-file
// write against the active segment, rolling over to a new segment when
// the active one would exceed fileSize, and handling each DEL against the
// segment its cancelled ADD originally landed in. Every touched segment
// is fsynced once at the end of the batch, and only then does any op's
// channel fire — a DEL or barrier must not report done before the write
// it depends on is durable.
func (w *Writer) processBatch(batch []*pendingOp) {
	active := w.src.Active()
	touched := make(map[uint32]*segment.Segment)
	var pending []*pendingOp // current run of not-yet-flushed adds, all targeting `active`
	var pendingBytes int64 // sum of recSize for ops in pending, not yet reflected in active.Length()
	var done []completed

	flush := func() {
		if len(pending) == 0 {
			return
		}
		values := make([][]byte, len(pending))
		for i, op := range pending {
			values[i] = op.value
		}
		offsets, storedLens, err := active.AppendBatch(values)
		if err != nil {
			for _, op := range pending {
				done = append(done, completed{op: op, result: Result{Err: err}})
			}
			pending = nil
			return
		}
		items := make([]codec.OpItem, len(pending))
		results := make([]Result, len(pending))
		for i, op := range pending {
			item := codec.OpItem{
				Op:      codec.OpAdd,
				Key:     op.key,
				Segment: active.Num,
				Offset:  offsets[i],
				Length:  storedLens[i],
			}
			items[i] = item
			results[i] = Result{Item: item}
		}
		if err := active.AppendLogBatch(items); err != nil {
			for _, op := range pending {
				done = append(done, completed{op: op, result: Result{Err: err}})
			}
			pending = nil
			return
		}
		touched[active.Num] = active
		for i, op := range pending {
			done = append(done, completed{op: op, result: results[i]})
		}
		pending = nil
		pendingBytes = 0
	}

	for _, op := range batch {
		switch op.kind {
		case kindAdd:
			// len(op.value) is the pre-compression length; when Compress is
			// enabled the actual stored record is never larger than this
			// estimate, so the rollover threshold stays conservative.
			recSize := int64(codec.ValueRecordSize(len(op.value), w.withCRC))
			// Roll over once the active segment has already reached or
			// passed fileSize, including adds queued earlier in this
			// batch but not yet flushed (pendingBytes). The op that
			// pushes the segment past fileSize still lands in it, so a
			// finalized segment's length is always >= fileSize, matching
			// finalizeRecovery's non-terminal invariant.
			if active.Length()+pendingBytes >= w.fileSize {
				flush()
				next, err := w.src.Rollover()
				if err != nil {
					done = append(done, completed{op: op, result: Result{Err: err}})
					continue
				}
				active = next
			}
			pending = append(pending, op)
			pendingBytes += recSize

		case kindDel:
			flush()
			done = append(done, w.processDel(op, touched))

		case kindBarrier:
			flush()
			done = append(done, completed{op: op, result: Result{}})
		}
	}
	flush()

	var syncErr error
	for _, seg := range touched {
		if err := seg.Sync(); err != nil {
			syncErr = err
		}
	}
	if syncErr != nil {
		for i := range done {
			if done[i].result.Err == nil {
				done[i].result.Err = syncErr
			}
		}
	}

	for _, c := range done {
		if c.op.kind == kindAdd {
			w.finishAdd(c.op)
		}
		c.op.done <- c.result
	}
}

func (w *Writer) processDel(op *pendingOp, touched map[uint32]*segment.Segment) completed {
	ref := op.ref
	seg, ok := w.src.Get(ref.Segment)
	if !ok {
		return completed{op: op, result: Result{Err: fmt.Errorf("writer: segment %d not found for delete", ref.Segment)}}
	}
	del := codec.OpItem{Op: codec.OpDel, Key: op.key, Segment: ref.Segment, Offset: ref.Offset, Length: ref.Length}
	if err := seg.AppendLog(del); err != nil {
		return completed{op: op, result: Result{Err: err}}
	}
	seg.Decrement()
	touched[ref.Segment] = seg
	return completed{op: op, result: Result{Item: del}}
}

// finishAdd is called once an ADD's batch has been appended (and possibly
// fsynced): it decrements the op's in-flight reference and, once no
// queued op still references that key, drops it from the in-flight
// buffer. Note the caller still needs b.op.done delivered, which happens
// in processBatch after this runs.
func (w *Writer) finishAdd(op *pendingOp) {
	w.inflightMu.Lock()
	if e, ok := w.inflight[op.key]; ok {
		e.refs--
		if e.refs <= 0 {
			delete(w.inflight, op.key)
		}
	}
	w.inflightMu.Unlock()
}
