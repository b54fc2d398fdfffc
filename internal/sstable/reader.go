package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/emberdb/emberdb/internal/compression"
	"github.com/emberdb/emberdb/internal/record"
	"github.com/zeebo/xxh3"
)

// Reader provides point lookup and iteration over one SSTable. Safe for
// concurrent use: all file access goes through ReadAt.
type Reader struct {
	file  *os.File
	path  string
	index []indexEntry
	codec compression.Type

	size       int64
	entries    uint64
	tombstones uint64
	maxSeq     uint64
}

// OpenReader validates the file's header and footer and loads the sparse
// index into memory.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	r := &Reader{file: file, path: path}
	if err := r.load(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("sstable: stat: %w", err)
	}
	r.size = info.Size()
	if r.size < headerSize+footerSize {
		return fmt.Errorf("%w: %s: file too small", ErrCorrupt, r.path)
	}

	header := make([]byte, headerSize)
	if _, err := r.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("sstable: read header: %w", err)
	}
	if [4]byte(header[:4]) != fileMagic {
		return fmt.Errorf("%w: %s: bad magic", ErrCorrupt, r.path)
	}
	if header[4] != formatVersion {
		return fmt.Errorf("%w: %s: unsupported format version %d", ErrCorrupt, r.path, header[4])
	}
	r.codec = compression.Type(header[5])
	if !r.codec.IsValid() {
		return fmt.Errorf("%w: %s: unknown compression type %d", ErrCorrupt, r.path, header[5])
	}

	footer := make([]byte, footerSize)
	if _, err := r.file.ReadAt(footer, r.size-footerSize); err != nil {
		return fmt.Errorf("sstable: read footer: %w", err)
	}
	if [4]byte(footer[44:48]) != fileMagic {
		return fmt.Errorf("%w: %s: bad footer magic", ErrCorrupt, r.path)
	}

	indexOffset := binary.BigEndian.Uint64(footer[0:])
	indexSize := binary.BigEndian.Uint64(footer[8:])
	blockCount := int(binary.BigEndian.Uint32(footer[16:]))
	r.entries = binary.BigEndian.Uint64(footer[20:])
	r.tombstones = binary.BigEndian.Uint64(footer[28:])
	r.maxSeq = binary.BigEndian.Uint64(footer[36:])

	if indexOffset < headerSize || indexOffset+indexSize != uint64(r.size-footerSize) {
		return fmt.Errorf("%w: %s: index out of bounds", ErrCorrupt, r.path)
	}

	indexBuf := make([]byte, indexSize)
	if _, err := r.file.ReadAt(indexBuf, int64(indexOffset)); err != nil {
		return fmt.Errorf("sstable: read index: %w", err)
	}
	index, err := decodeIndex(indexBuf, blockCount)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, r.path, err)
	}
	r.index = index
	return nil
}

// Lookup returns the entry stored for key, if any. A tombstone is a found
// entry: callers must treat it as "known deleted" and stop searching older
// files.
func (r *Reader) Lookup(key []byte) (record.Entry, bool, error) {
	if len(r.index) == 0 {
		return record.Entry{}, false, nil
	}

	// Last block whose first key is <= key.
	pos := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	}) - 1
	if pos < 0 {
		return record.Entry{}, false, nil
	}

	entries, err := r.readBlock(pos)
	if err != nil {
		return record.Entry{}, false, err
	}
	for _, e := range entries {
		switch bytes.Compare(e.Key, key) {
		case 0:
			return e, true, nil
		case 1:
			return record.Entry{}, false, nil
		}
	}
	return record.Entry{}, false, nil
}

// readBlock loads, verifies, and decodes one data block.
func (r *Reader) readBlock(i int) ([]record.Entry, error) {
	ie := r.index[i]
	buf := make([]byte, ie.length)
	if _, err := r.file.ReadAt(buf, int64(ie.offset)); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}
	if xxh3.Hash(buf) != ie.checksum {
		return nil, fmt.Errorf("%w: %s: block %d checksum mismatch", ErrCorrupt, r.path, i)
	}

	raw, err := compression.Decompress(r.codec, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: block %d: %v", ErrCorrupt, r.path, i, err)
	}

	var entries []record.Entry
	for off := 0; off < len(raw); {
		e, n, err := record.Decode(raw[off:])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: block %d malformed", ErrCorrupt, r.path, i)
		}
		entries = append(entries, e)
		off += n
	}
	return entries, nil
}

// EntryCount returns the total number of entries in the file.
func (r *Reader) EntryCount() uint64 { return r.entries }

// TombstoneCount returns the number of tombstone entries in the file.
func (r *Reader) TombstoneCount() uint64 { return r.tombstones }

// MaxSeq returns the highest sequence number stored in the file.
func (r *Reader) MaxSeq() uint64 { return r.maxSeq }

// Size returns the file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Iterator walks every entry in key order.
type Iterator struct {
	reader *Reader
	block  int
	pos    int
	buf    []record.Entry
	err    error
}

// Iter returns a fresh iterator positioned before the first entry.
func (r *Reader) Iter() *Iterator {
	return &Iterator{reader: r}
}

// Next advances to the next entry, reporting false at the end or on error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.pos >= len(it.buf) {
		if it.block >= len(it.reader.index) {
			return false
		}
		buf, err := it.reader.readBlock(it.block)
		if err != nil {
			it.err = err
			return false
		}
		it.block++
		it.buf = buf
		it.pos = 0
	}
	it.pos++
	return true
}

// Entry returns the current entry. Valid only after a true Next.
func (it *Iterator) Entry() record.Entry {
	return it.buf[it.pos-1]
}

// Error returns the first error hit during iteration.
func (it *Iterator) Error() error {
	return it.err
}
