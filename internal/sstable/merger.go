package sstable

import (
	"bytes"
	"container/heap"

	"github.com/emberdb/emberdb/internal/record"
)

// Merger combines multiple SSTables into one, keeping only the
// highest-sequence entry per key. With dropTombstones set, tombstones are
// omitted from the output entirely; that is only safe when every file that
// could hold an older entry for the key is among the sources.
type Merger struct {
	sources        []*Iterator
	output         *Writer
	dropTombstones bool
}

// NewMerger creates a merger writing into output.
func NewMerger(output *Writer, dropTombstones bool) *Merger {
	return &Merger{output: output, dropTombstones: dropTombstones}
}

// Add registers a source table.
func (m *Merger) Add(r *Reader) {
	m.sources = append(m.sources, r.Iter())
}

type mergeItem struct {
	entry record.Entry
	iter  *Iterator
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	cmp := bytes.Compare(h[i].entry.Key, h[j].entry.Key)
	if cmp != 0 {
		return cmp < 0
	}
	// Same key: highest sequence number first.
	return h[i].entry.Seq > h[j].entry.Seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merge performs the k-way merge and finalizes the output file.
func (m *Merger) Merge() error {
	mh := &mergeHeap{}
	heap.Init(mh)

	push := func(it *Iterator) error {
		if it.Next() {
			heap.Push(mh, &mergeItem{entry: it.Entry(), iter: it})
			return nil
		}
		return it.Error()
	}

	for _, it := range m.sources {
		if err := push(it); err != nil {
			return err
		}
	}

	var lastKey []byte
	haveLast := false

	for mh.Len() > 0 {
		item := heap.Pop(mh).(*mergeItem)

		// Heap order guarantees the first occurrence of a key carries the
		// highest sequence number; later occurrences are shadowed.
		if !haveLast || !bytes.Equal(item.entry.Key, lastKey) {
			keep := !(m.dropTombstones && item.entry.IsTombstone())
			if keep {
				if err := m.output.Append(item.entry); err != nil {
					return err
				}
			}
			lastKey = append(lastKey[:0], item.entry.Key...)
			haveLast = true
		}

		if err := push(item.iter); err != nil {
			return err
		}
	}

	return m.output.Finish()
}
