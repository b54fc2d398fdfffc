package engine

import (
	"fmt"

	"github.com/emberdb/emberdb/internal/document"
	"github.com/emberdb/emberdb/internal/fieldvalue"
	"github.com/emberdb/emberdb/internal/record"
	"github.com/emberdb/emberdb/internal/rules"
)

type opKind uint8

const (
	opSet opKind = iota
	opUpdate
	opDelete
)

type batchOp struct {
	kind opKind
	path string
	doc  document.Value
}

// WriteBatch stages writes that commit atomically: after a crash either
// every operation in the batch is visible or none is. Operations apply in
// the order they were staged, so a later operation on the same path sees the
// effect of an earlier one. A batch commits once; reusing it fails with
// ErrBatchCommitted.
type WriteBatch struct {
	engine    *Engine
	ops       []batchOp
	committed bool
}

// NewBatch creates an empty write batch.
func (e *Engine) NewBatch() *WriteBatch {
	return &WriteBatch{engine: e}
}

// Set stages a full document write at path.
func (b *WriteBatch) Set(path string, doc document.Value) *WriteBatch {
	b.ops = append(b.ops, batchOp{kind: opSet, path: path, doc: doc})
	return b
}

// Update stages a merge of doc into the document at path.
func (b *WriteBatch) Update(path string, doc document.Value) *WriteBatch {
	b.ops = append(b.ops, batchOp{kind: opUpdate, path: path, doc: doc})
	return b
}

// Delete stages a deletion of the document at path.
func (b *WriteBatch) Delete(path string) *WriteBatch {
	b.ops = append(b.ops, batchOp{kind: opDelete, path: path})
	return b
}

// Len returns the number of staged operations.
func (b *WriteBatch) Len() int {
	return len(b.ops)
}

// Commit validates, authorizes, and durably applies the batch. Validation
// and rules checks run for every operation before anything is written, so a
// rejected batch leaves no trace. The batch's operations receive a
// contiguous block of sequence numbers and reach the write-ahead log as a
// single commit group.
func (b *WriteBatch) Commit() error {
	if b.committed {
		return ErrBatchCommitted
	}
	b.committed = true
	if len(b.ops) == 0 {
		return nil
	}

	for _, op := range b.ops {
		if err := validatePath(op.path); err != nil {
			return err
		}
		if err := b.engine.authorize(op.path, rules.OpWrite); err != nil {
			return err
		}
	}

	e := b.engine
	e.mu.Lock()
	needFlush, err := b.commitLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if needFlush {
		return e.Flush()
	}
	return nil
}

// commitLocked runs the storage side of Commit with e.mu held.
func (b *WriteBatch) commitLocked() (needFlush bool, err error) {
	e := b.engine
	if e.closed {
		return false, ErrClosed
	}

	now := e.now()

	// Resolve transforms against current state plus the batch's own earlier
	// operations, so in-batch read-your-writes holds.
	overlay := make(map[string]*document.Value, len(b.ops))
	records := make([]record.Entry, 0, len(b.ops))
	seq := e.seq

	for _, op := range b.ops {
		seq++

		if op.kind == opDelete {
			overlay[op.path] = nil
			records = append(records, record.Entry{
				Kind: record.Delete, Seq: seq, Key: []byte(op.path),
			})
			continue
		}

		existing, existsNow := overlay[op.path]
		var prev document.Value
		switch {
		case existsNow && existing != nil:
			prev = *existing
		case !existsNow:
			stored, found, lookupErr := e.getForWrite(op.path)
			if lookupErr != nil {
				return false, lookupErr
			}
			if found {
				prev = stored
			}
		}

		resolved, resolveErr := fieldvalue.Resolve(prev, op.doc, now, op.kind == opUpdate)
		if resolveErr != nil {
			return false, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, op.path, resolveErr)
		}

		encoded, encErr := document.Encode(resolved)
		if encErr != nil {
			return false, fmt.Errorf("engine: encode %s: %w", op.path, encErr)
		}

		overlay[op.path] = &resolved
		records = append(records, record.Entry{
			Kind: record.Put, Seq: seq, Key: []byte(op.path), Value: encoded,
		})
	}

	if err := e.wal.Commit(records); err != nil {
		return false, err
	}
	e.seq = seq

	for _, rec := range records {
		if rec.IsTombstone() {
			e.active.Delete(string(rec.Key), rec.Seq)
		} else {
			e.active.Put(string(rec.Key), rec.Seq, rec.Value)
		}
	}

	return e.active.Size() >= e.cfg.MaxMemtableSize, nil
}
