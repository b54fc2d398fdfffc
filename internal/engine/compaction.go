package engine

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/emberdb/emberdb/internal/sstable"
)

// CompactionStats summarizes one compaction run.
type CompactionStats struct {
	FilesBefore       int    `json:"files_before"`
	FilesAfter        int    `json:"files_after"`
	EntriesBefore     uint64 `json:"entries_before"`
	EntriesAfter      uint64 `json:"entries_after"`
	TombstonesRemoved uint64 `json:"tombstones_removed"`
	SizeBefore        int64  `json:"size_before"`
	SizeAfter         int64  `json:"size_after"`
}

// Compact flushes the memtable, then merges every SSTable into one. Because
// the merge covers the full file set, tombstones and the history they shadow
// are dropped for good. Reads and writes proceed throughout; the new file
// set is published atomically once the merged table is durable.
func (e *Engine) Compact() (*CompactionStats, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	if err := e.flush(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	inputs := make([]*sstable.Reader, len(e.tables))
	copy(inputs, e.tables)
	id := e.nextID
	e.nextID++
	e.mu.Unlock()

	stats := &CompactionStats{FilesBefore: len(inputs)}
	for _, t := range inputs {
		stats.EntriesBefore += t.EntryCount()
		stats.TombstonesRemoved += t.TombstoneCount()
		stats.SizeBefore += t.Size()
	}
	if len(inputs) == 0 {
		return stats, nil
	}

	// New flushes cannot run while flushMu is held, so inputs is the
	// complete on-disk file set and dropping tombstones is safe.
	w, err := sstable.NewWriter(e.tablePath(id), sstable.Options{
		BlockEntries: e.cfg.BlockEntries,
		Compression:  e.cfg.Compression,
	})
	if err != nil {
		return nil, err
	}
	m := sstable.NewMerger(w, true)
	for _, t := range inputs {
		m.Add(t)
	}
	if err := m.Merge(); err != nil {
		w.Abort()
		if errors.Is(err, sstable.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		return nil, err
	}

	var newTables []*sstable.Reader
	merged, err := sstable.OpenReader(e.tablePath(id))
	if err != nil {
		os.Remove(e.tablePath(id))
		return nil, err
	}
	if merged.EntryCount() == 0 {
		// Everything was tombstones shadowing each other; keep no file.
		merged.Close()
		if err := os.Remove(e.tablePath(id)); err != nil {
			return nil, fmt.Errorf("engine: remove empty table: %w", err)
		}
	} else {
		newTables = []*sstable.Reader{merged}
		stats.FilesAfter = 1
		stats.EntriesAfter = merged.EntryCount()
		stats.SizeAfter = merged.Size()
	}

	e.mu.Lock()
	e.tables = newTables
	e.mu.Unlock()

	for _, t := range inputs {
		path := t.Path()
		if err := t.Close(); err != nil {
			log.Printf("engine: close compacted table %s: %v", path, err)
		}
		if err := os.Remove(path); err != nil {
			log.Printf("engine: remove compacted table %s: %v", path, err)
		}
	}
	return stats, nil
}
