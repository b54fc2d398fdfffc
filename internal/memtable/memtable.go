// Package memtable implements the in-memory write buffer: an ordered table
// keyed by document path holding the most recent entry per path, including
// tombstones for deletions.
package memtable

// Entry is the latest known state of one document path. Value holds the
// encoded document for puts and is nil for tombstones.
type Entry struct {
	Path      string
	Seq       uint64
	Tombstone bool
	Value     []byte
}

// Memtable is an ordered in-memory table. It is not synchronized; the engine
// serializes writers, and frozen memtables are read-only.
type Memtable struct {
	sl *skipList
}

// New creates an empty memtable.
func New() *Memtable {
	return &Memtable{sl: newSkipList()}
}

// Put records a document write.
func (m *Memtable) Put(path string, seq uint64, value []byte) {
	m.sl.set(path, Entry{Path: path, Seq: seq, Value: value})
}

// Delete records a tombstone. Deletion is a first-class entry, not an
// absence: it must shadow older on-disk values.
func (m *Memtable) Delete(path string, seq uint64) {
	m.sl.set(path, Entry{Path: path, Seq: seq, Tombstone: true})
}

// Get returns the latest entry for a path, if the path is present in this
// memtable at all. A returned tombstone means "known deleted".
func (m *Memtable) Get(path string) (Entry, bool) {
	return m.sl.get(path)
}

// Entries returns a path-sorted snapshot of all entries, tombstones
// included.
func (m *Memtable) Entries() []Entry {
	return m.sl.entries()
}

// Len returns the number of distinct paths.
func (m *Memtable) Len() int {
	return m.sl.size
}

// Size returns the approximate memory footprint in bytes, used to trigger
// flushes.
func (m *Memtable) Size() int {
	return m.sl.bytes
}
