// Package engine ties the storage layers together: the memtable and
// write-ahead log absorb writes, immutable SSTables hold flushed state, and
// every operation passes path validation and the security rules before it
// touches storage.
package engine

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberdb/emberdb/internal/config"
	"github.com/emberdb/emberdb/internal/document"
	"github.com/emberdb/emberdb/internal/memtable"
	"github.com/emberdb/emberdb/internal/record"
	"github.com/emberdb/emberdb/internal/rules"
	"github.com/emberdb/emberdb/internal/sstable"
	"github.com/emberdb/emberdb/internal/wal"
)

const (
	walDirName = "wal"
	sstDirName = "sst"
	rulesFile  = "rules.txt"
	sstExt     = ".sst"

	// Rules are written against the Firestore document namespace, so engine
	// paths are evaluated under this prefix.
	rulesPathPrefix = "databases/(default)/documents/"

	maxPathLen      = 4096
	maxPathSegments = 100
)

// Engine is one open database instance rooted at a directory.
type Engine struct {
	dir string
	cfg *config.Config

	// mu guards the mutable view: active and frozen memtables, the table
	// list, the sequence counter, and the closed flag. Writers take it
	// exclusively; reads share it.
	mu     sync.RWMutex
	wal    *wal.WAL
	active *memtable.Memtable
	frozen *memtable.Memtable // non-nil only while a flush is writing it out
	tables []*sstable.Reader  // newest first
	seq    uint64
	nextID uint64
	closed bool

	// flushMu serializes flushes and compactions against each other.
	flushMu sync.Mutex

	ruleset atomic.Pointer[rules.Ruleset]
	now     func() time.Time
}

// Open opens or creates a database at dir and recovers its state: persisted
// rules are reloaded, SSTables reopened, and committed write-ahead log
// entries replayed into a fresh memtable.
func Open(dir string, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	} else {
		cfg.FillDefaults()
	}

	if err := os.MkdirAll(filepath.Join(dir, sstDirName), 0o755); err != nil {
		return nil, fmt.Errorf("engine: create dir: %w", err)
	}

	e := &Engine{
		dir:    dir,
		cfg:    cfg,
		active: memtable.New(),
		nextID: 1,
		now:    time.Now,
	}

	if err := e.loadRulesFile(); err != nil {
		return nil, err
	}
	if err := e.openTables(); err != nil {
		return nil, err
	}

	w, err := wal.Open(filepath.Join(dir, walDirName), cfg.SyncWrites)
	if err != nil {
		e.closeTables()
		return nil, err
	}
	e.wal = w

	walSeq, err := w.Replay(func(rec record.Entry) {
		if rec.IsTombstone() {
			e.active.Delete(string(rec.Key), rec.Seq)
		} else {
			e.active.Put(string(rec.Key), rec.Seq, rec.Value)
		}
	})
	if err != nil {
		w.Close()
		e.closeTables()
		if errors.Is(err, wal.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		return nil, err
	}

	e.seq = walSeq
	for _, t := range e.tables {
		if t.MaxSeq() > e.seq {
			e.seq = t.MaxSeq()
		}
	}
	return e, nil
}

// loadRulesFile restores the rule set persisted by a previous LoadRules.
func (e *Engine) loadRulesFile() error {
	data, err := os.ReadFile(filepath.Join(e.dir, rulesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: read rules: %w", err)
	}
	rs, err := rules.Parse(string(data))
	if err != nil {
		return fmt.Errorf("%w: persisted rules: %v", ErrCorruptData, err)
	}
	e.ruleset.Store(rs)
	return nil
}

// openTables opens every SSTable in the table directory, newest first.
func (e *Engine) openTables() error {
	dir := filepath.Join(e.dir, sstDirName)
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("engine: read table dir: %w", err)
	}

	var ids []uint64
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, sstExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, sstExt), 10, 64)
		if err != nil {
			log.Printf("engine: ignoring unrecognized file %s", name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	readers := make([]*sstable.Reader, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			r, err := sstable.OpenReader(e.tablePath(id))
			if err != nil {
				return err
			}
			readers[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range readers {
			if r != nil {
				r.Close()
			}
		}
		if errors.Is(err, sstable.ErrCorrupt) {
			return fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		return err
	}

	e.tables = readers
	if len(ids) > 0 {
		e.nextID = ids[0] + 1
	}
	return nil
}

func (e *Engine) tablePath(id uint64) string {
	return filepath.Join(e.dir, sstDirName, fmt.Sprintf("%06d%s", id, sstExt))
}

func (e *Engine) closeTables() {
	for _, t := range e.tables {
		t.Close()
	}
	e.tables = nil
}

// validatePath enforces the path contract: 1 to 100 non-empty segments of
// letters, digits, underscores, and hyphens, at most 4096 bytes total, with
// no leading, trailing, or doubled slashes.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("%w: path exceeds %d bytes", ErrInvalidArgument, maxPathLen)
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: path must not start or end with a slash", ErrInvalidArgument)
	}
	segs := strings.Split(path, "/")
	if len(segs) > maxPathSegments {
		return fmt.Errorf("%w: path exceeds %d segments", ErrInvalidArgument, maxPathSegments)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: empty path segment", ErrInvalidArgument)
		}
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c == '_' || c == '-' ||
				(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
				continue
			}
			return fmt.Errorf("%w: invalid character %q in path segment %q", ErrInvalidArgument, c, s)
		}
	}
	return nil
}

// authorize evaluates the installed rule set for one operation. With no rule
// set ever loaded everything is allowed.
func (e *Engine) authorize(path string, op rules.Op) error {
	rs := e.ruleset.Load()
	if rs == nil {
		return nil
	}
	if !rs.Authorize(rulesPathPrefix+path, op) {
		return fmt.Errorf("%w: %s %s", ErrRulesViolation, op, path)
	}
	return nil
}

// LoadRules parses rule text, persists it, and installs it atomically. All
// subsequent operations, including in-flight readers' next calls, see the new
// rule set.
func (e *Engine) LoadRules(text string) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	rs, err := rules.Parse(text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	// Persist first so a crash cannot leave the engine enforcing rules that
	// vanish on restart.
	path := filepath.Join(e.dir, rulesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("engine: write rules: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("engine: install rules: %w", err)
	}

	e.ruleset.Store(rs)
	return nil
}

// Get returns the document stored at path. The second result reports whether
// the document exists; a tombstone anywhere in the lookup chain means it does
// not, and older files are not consulted.
func (e *Engine) Get(path string) (document.Value, bool, error) {
	if err := validatePath(path); err != nil {
		return document.Value{}, false, err
	}
	if err := e.authorize(path, rules.OpRead); err != nil {
		return document.Value{}, false, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return document.Value{}, false, ErrClosed
	}

	if entry, ok := e.active.Get(path); ok {
		return decodeEntry(entry.Value, entry.Tombstone)
	}
	if e.frozen != nil {
		if entry, ok := e.frozen.Get(path); ok {
			return decodeEntry(entry.Value, entry.Tombstone)
		}
	}
	for _, t := range e.tables {
		entry, found, err := t.Lookup([]byte(path))
		if err != nil {
			if errors.Is(err, sstable.ErrCorrupt) {
				return document.Value{}, false, fmt.Errorf("%w: %v", ErrCorruptData, err)
			}
			return document.Value{}, false, err
		}
		if found {
			return decodeEntry(entry.Value, entry.IsTombstone())
		}
	}
	return document.Value{}, false, nil
}

func decodeEntry(value []byte, tombstone bool) (document.Value, bool, error) {
	if tombstone {
		return document.Value{}, false, nil
	}
	doc, err := document.Decode(value)
	if err != nil {
		return document.Value{}, false, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return doc, true, nil
}

// getForWrite is the rules-free lookup used while resolving field transforms
// inside an already-authorized write. Caller holds mu.
func (e *Engine) getForWrite(path string) (document.Value, bool, error) {
	if entry, ok := e.active.Get(path); ok {
		return decodeEntry(entry.Value, entry.Tombstone)
	}
	if e.frozen != nil {
		if entry, ok := e.frozen.Get(path); ok {
			return decodeEntry(entry.Value, entry.Tombstone)
		}
	}
	for _, t := range e.tables {
		entry, found, err := t.Lookup([]byte(path))
		if err != nil {
			return document.Value{}, false, err
		}
		if found {
			return decodeEntry(entry.Value, entry.IsTombstone())
		}
	}
	return document.Value{}, false, nil
}

// Put stores a document at path, replacing any existing one. Field
// transforms in doc are resolved against the previous document.
func (e *Engine) Put(path string, doc document.Value) error {
	b := e.NewBatch()
	b.Set(path, doc)
	return b.Commit()
}

// Update merges doc into the existing document at path, creating it if
// absent. Nested maps merge recursively; other values replace.
func (e *Engine) Update(path string, doc document.Value) error {
	b := e.NewBatch()
	b.Update(path, doc)
	return b.Commit()
}

// Delete removes the document at path. Deleting an absent document is not an
// error.
func (e *Engine) Delete(path string) error {
	b := e.NewBatch()
	b.Delete(path)
	return b.Commit()
}

// Flush writes the active memtable to a new SSTable and prunes the
// write-ahead log segments it covered. Reads are served throughout: the
// memtable being written stays visible as the frozen table until the SSTable
// is published.
func (e *Engine) Flush() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flush()
}

// flush is Flush without the flushMu handshake, for callers already holding
// it. Caller must not hold mu.
func (e *Engine) flush() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.active.Len() == 0 {
		e.mu.Unlock()
		return nil
	}
	if err := e.wal.Rotate(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.frozen = e.active
	e.active = memtable.New()
	id := e.nextID
	e.nextID++
	frozen := e.frozen
	e.mu.Unlock()

	reader, err := e.writeTable(id, frozen)
	if err != nil {
		// Put the entries back in front of the active table so nothing is
		// lost; their WAL segment is still on disk.
		e.mu.Lock()
		for _, entry := range e.active.Entries() {
			if entry.Tombstone {
				frozen.Delete(entry.Path, entry.Seq)
			} else {
				frozen.Put(entry.Path, entry.Seq, entry.Value)
			}
		}
		e.active = frozen
		e.frozen = nil
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.tables = append([]*sstable.Reader{reader}, e.tables...)
	e.frozen = nil
	e.mu.Unlock()

	return e.wal.PruneObsolete()
}

// recordFromMemtable converts a memtable entry to its on-disk record form.
func recordFromMemtable(entry memtable.Entry) record.Entry {
	kind := record.Put
	if entry.Tombstone {
		kind = record.Delete
	}
	return record.Entry{Kind: kind, Seq: entry.Seq, Key: []byte(entry.Path), Value: entry.Value}
}

func (e *Engine) writeTable(id uint64, mt *memtable.Memtable) (*sstable.Reader, error) {
	path := e.tablePath(id)
	w, err := sstable.NewWriter(path, sstable.Options{
		BlockEntries: e.cfg.BlockEntries,
		Compression:  e.cfg.Compression,
	})
	if err != nil {
		return nil, err
	}
	for _, entry := range mt.Entries() {
		rec := recordFromMemtable(entry)
		if err := w.Append(rec); err != nil {
			w.Abort()
			return nil, err
		}
	}
	if err := w.Finish(); err != nil {
		w.Abort()
		return nil, err
	}
	return sstable.OpenReader(path)
}

// Close flushes outstanding writes and releases every file handle. Close is
// idempotent; operations after it fail with ErrClosed.
func (e *Engine) Close() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil
	}

	flushErr := e.flush()

	e.mu.Lock()
	e.closed = true
	walErr := e.wal.Close()
	e.closeTables()
	e.mu.Unlock()

	return errors.Join(flushErr, walErr)
}
