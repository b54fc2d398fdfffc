// Package wal implements the write-ahead log: append-only checksummed
// segments that make every committed batch durable before it becomes visible
// in the memtable.
//
// Segment layout: a 5-byte header (magic "EWAL" + format version) followed
// by frames of [4 bytes payload length][8 bytes xxh3 checksum][payload],
// each payload being one encoded record. A batch is its operation records
// followed by a Commit record; replay applies only commit-terminated groups,
// so a crash mid-batch leaves nothing visible.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emberdb/emberdb/internal/record"
	"github.com/zeebo/xxh3"
)

const (
	formatVersion = 1

	headerSize = 5
	frameMeta  = 4 + 8

	segmentExt = ".wal"
)

var segmentMagic = [4]byte{'E', 'W', 'A', 'L'}

// ErrCorrupt reports a segment that fails header, checksum, or format
// validation somewhere other than a truncatable tail.
var ErrCorrupt = errors.New("wal: corrupt segment")

// WAL manages the write-ahead log directory for one engine instance.
type WAL struct {
	mu sync.Mutex

	dir        string
	file       *os.File
	activeID   uint64
	offset     int64 // end of the last durable frame in the active segment
	failed     error // set when a failed append could not be rolled back
	syncWrites bool
}

// Open prepares the log directory, continuing the highest-numbered existing
// segment or starting segment 1. With syncWrites set every commit is
// fsynced before it is acknowledged.
func Open(dir string, syncWrites bool) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	ids, err := segmentIDs(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{dir: dir, syncWrites: syncWrites}
	if len(ids) == 0 {
		if err := w.openSegment(1, true); err != nil {
			return nil, err
		}
		return w, nil
	}
	if err := w.openSegment(ids[len(ids)-1], false); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentIDs(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	var ids []uint64
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (w *WAL) segmentPath(id uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%06d%s", id, segmentExt))
}

func (w *WAL) openSegment(id uint64, create bool) error {
	path := w.segmentPath(id)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("wal: stat segment: %w", err)
	}
	if info.Size() == 0 {
		header := append(segmentMagic[:], formatVersion)
		if _, err := file.Write(header); err != nil {
			file.Close()
			return fmt.Errorf("wal: write header: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("wal: sync header: %w", err)
		}
		w.offset = headerSize
	} else {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return fmt.Errorf("wal: seek segment: %w", err)
		}
		w.offset = info.Size()
	}

	w.file = file
	w.activeID = id
	return nil
}

// Commit durably appends a batch: one frame per operation record followed by
// a Commit record carrying the batch's last sequence number, then a single
// fsync. Either the whole group survives a crash or none of it does. A
// failed append is rolled back by truncating the segment to its pre-batch
// length; if the rollback itself fails the log refuses all further commits,
// so no later batch can land after torn bytes and be lost at replay.
func (w *WAL) Commit(entries []record.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}

	var buf []byte
	for _, e := range entries {
		buf = appendFrame(buf, record.Encode(e))
	}
	commit := record.Entry{Kind: record.Commit, Seq: entries[len(entries)-1].Seq}
	buf = appendFrame(buf, record.Encode(commit))

	if _, err := w.file.Write(buf); err != nil {
		w.rewind()
		return fmt.Errorf("wal: append batch: %w", err)
	}
	if w.syncWrites {
		if err := w.file.Sync(); err != nil {
			// The frames are written but not durable; the caller sees an
			// error, so they must not survive as a committed batch.
			w.rewind()
			return fmt.Errorf("wal: sync batch: %w", err)
		}
	}
	w.offset += int64(len(buf))
	return nil
}

// rewind truncates the active segment back to the end of the last durable
// frame, discarding the remains of a failed append. Caller holds mu.
func (w *WAL) rewind() {
	if err := w.file.Truncate(w.offset); err != nil {
		w.failed = fmt.Errorf("wal: log unusable, rollback of failed append failed: %w", err)
		return
	}
	if _, err := w.file.Seek(w.offset, io.SeekStart); err != nil {
		w.failed = fmt.Errorf("wal: log unusable, rollback of failed append failed: %w", err)
	}
}

func appendFrame(buf, payload []byte) []byte {
	var meta [frameMeta]byte
	binary.BigEndian.PutUint32(meta[:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(meta[4:], xxh3.Hash(payload))
	buf = append(buf, meta[:]...)
	return append(buf, payload...)
}

// Replay feeds every committed entry from all segments, in write order, to
// apply and returns the highest sequence number seen. A torn tail in the
// newest segment (partial frame, checksum mismatch, or operations with no
// commit marker) is truncated away with a logged warning; the same damage in
// an older segment is ErrCorrupt.
func (w *WAL) Replay(apply func(record.Entry)) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := segmentIDs(w.dir)
	if err != nil {
		return 0, err
	}

	var maxSeq uint64
	for i, id := range ids {
		last := i == len(ids)-1
		seq, err := w.replaySegment(id, last, apply)
		if err != nil {
			return 0, err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq, nil
}

func (w *WAL) replaySegment(id uint64, truncatable bool, apply func(record.Entry)) (uint64, error) {
	path := w.segmentPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("wal: read segment: %w", err)
	}

	if len(data) < headerSize || [4]byte(data[:4]) != segmentMagic {
		return 0, fmt.Errorf("%w: %s: bad header", ErrCorrupt, filepath.Base(path))
	}
	if data[4] != formatVersion {
		return 0, fmt.Errorf("%w: %s: unsupported format version %d",
			ErrCorrupt, filepath.Base(path), data[4])
	}

	var (
		maxSeq    uint64
		pending   []record.Entry
		offset    = headerSize
		committed = headerSize // end of the last commit-terminated group
	)

	for offset < len(data) {
		entry, next, err := readFrame(data, offset)
		if err != nil {
			if !truncatable {
				return 0, fmt.Errorf("%w: %s at offset %d: %v",
					ErrCorrupt, filepath.Base(path), offset, err)
			}
			log.Printf("wal: truncating %s at offset %d: %v", filepath.Base(path), offset, err)
			return maxSeq, w.truncate(id, int64(committed))
		}

		if entry.Kind == record.Commit {
			for _, e := range pending {
				apply(e)
				if e.Seq > maxSeq {
					maxSeq = e.Seq
				}
			}
			pending = pending[:0]
			committed = next
		} else {
			pending = append(pending, entry)
		}
		offset = next
	}

	if len(pending) > 0 {
		// Operations with no commit marker: the batch never committed.
		if !truncatable {
			return 0, fmt.Errorf("%w: %s: unterminated batch", ErrCorrupt, filepath.Base(path))
		}
		log.Printf("wal: discarding %d uncommitted records from %s", len(pending), filepath.Base(path))
		return maxSeq, w.truncate(id, int64(committed))
	}
	return maxSeq, nil
}

func readFrame(data []byte, offset int) (record.Entry, int, error) {
	if offset+frameMeta > len(data) {
		return record.Entry{}, 0, io.ErrUnexpectedEOF
	}
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	sum := binary.BigEndian.Uint64(data[offset+4 : offset+frameMeta])

	start := offset + frameMeta
	if start+payloadLen > len(data) {
		return record.Entry{}, 0, io.ErrUnexpectedEOF
	}
	payload := data[start : start+payloadLen]
	if xxh3.Hash(payload) != sum {
		return record.Entry{}, 0, errors.New("checksum mismatch")
	}

	entry, n, err := record.Decode(payload)
	if err != nil || n != payloadLen {
		return record.Entry{}, 0, errors.New("malformed record")
	}
	return entry, start + payloadLen, nil
}

func (w *WAL) truncate(id uint64, size int64) error {
	path := w.segmentPath(id)
	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("wal: truncate %s: %w", filepath.Base(path), err)
	}
	if id == w.activeID {
		if _, err := w.file.Seek(size, io.SeekStart); err != nil {
			return fmt.Errorf("wal: seek after truncate: %w", err)
		}
		w.offset = size
	}
	return nil
}

// Rotate starts a fresh segment; subsequent commits land there. The previous
// segments stay on disk until PruneObsolete, covering the window where the
// flushed SSTable is not yet durable.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync before rotate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}
	return w.openSegment(w.activeID+1, true)
}

// PruneObsolete deletes every segment older than the active one. Called
// after a flush has durably captured their contents in an SSTable.
func (w *WAL) PruneObsolete() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := segmentIDs(w.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id >= w.activeID {
			continue
		}
		if err := os.Remove(w.segmentPath(id)); err != nil {
			return fmt.Errorf("wal: remove obsolete segment: %w", err)
		}
	}
	return nil
}

// Close syncs and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("wal: sync on close: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	return err
}
