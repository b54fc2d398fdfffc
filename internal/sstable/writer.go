package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/emberdb/emberdb/internal/compression"
	"github.com/emberdb/emberdb/internal/record"
	"github.com/zeebo/xxh3"
)

// Options controls the shape of a new SSTable.
type Options struct {
	// BlockEntries is the number of records per data block. Zero means
	// DefaultBlockEntries.
	BlockEntries int
	// Compression selects the block codec.
	Compression compression.Type
}

// Writer builds one immutable SSTable. Entries must be appended in strictly
// ascending key order; Finish seals the file durably.
type Writer struct {
	file *os.File
	path string
	opts Options

	offset  uint64
	index   []indexEntry
	block   []record.Entry
	lastKey []byte

	entries    uint64
	tombstones uint64
	maxSeq     uint64
}

// NewWriter creates the file and writes its header.
func NewWriter(path string, opts Options) (*Writer, error) {
	if opts.BlockEntries <= 0 {
		opts.BlockEntries = DefaultBlockEntries
	}
	if !opts.Compression.IsValid() {
		return nil, fmt.Errorf("sstable: invalid compression type %d", opts.Compression)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}

	header := make([]byte, headerSize)
	copy(header, fileMagic[:])
	header[4] = formatVersion
	header[5] = byte(opts.Compression)
	if _, err := file.Write(header); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sstable: write header: %w", err)
	}

	return &Writer{
		file:   file,
		path:   path,
		opts:   opts,
		offset: headerSize,
	}, nil
}

// Append adds one entry. Keys must arrive in strictly ascending order.
func (w *Writer) Append(e record.Entry) error {
	if w.lastKey != nil && bytes.Compare(e.Key, w.lastKey) <= 0 {
		return fmt.Errorf("sstable: keys out of order: %q after %q", e.Key, w.lastKey)
	}
	w.lastKey = append(w.lastKey[:0], e.Key...)

	w.block = append(w.block, e)
	w.entries++
	if e.IsTombstone() {
		w.tombstones++
	}
	if e.Seq > w.maxSeq {
		w.maxSeq = e.Seq
	}

	if len(w.block) >= w.opts.BlockEntries {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}

	var raw []byte
	for _, e := range w.block {
		raw = append(raw, record.Encode(e)...)
	}
	compressed, err := compression.Compress(w.opts.Compression, raw)
	if err != nil {
		return fmt.Errorf("sstable: compress block: %w", err)
	}

	if _, err := w.file.Write(compressed); err != nil {
		return fmt.Errorf("sstable: write block: %w", err)
	}

	firstKey := make([]byte, len(w.block[0].Key))
	copy(firstKey, w.block[0].Key)
	w.index = append(w.index, indexEntry{
		firstKey: firstKey,
		offset:   w.offset,
		length:   uint32(len(compressed)),
		checksum: xxh3.Hash(compressed),
	})
	w.offset += uint64(len(compressed))
	w.block = w.block[:0]
	return nil
}

// EntryCount returns the number of entries appended so far.
func (w *Writer) EntryCount() uint64 { return w.entries }

// TombstoneCount returns the number of tombstones appended so far.
func (w *Writer) TombstoneCount() uint64 { return w.tombstones }

// Finish writes the remaining block, the index, and the footer, then syncs
// and closes the file.
func (w *Writer) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	indexOffset := w.offset
	var indexBuf []byte
	for _, e := range w.index {
		indexBuf = appendIndexEntry(indexBuf, e)
	}
	if _, err := w.file.Write(indexBuf); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}

	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint64(footer[0:], indexOffset)
	binary.BigEndian.PutUint64(footer[8:], uint64(len(indexBuf)))
	binary.BigEndian.PutUint32(footer[16:], uint32(len(w.index)))
	binary.BigEndian.PutUint64(footer[20:], w.entries)
	binary.BigEndian.PutUint64(footer[28:], w.tombstones)
	binary.BigEndian.PutUint64(footer[36:], w.maxSeq)
	copy(footer[44:], fileMagic[:])
	if _, err := w.file.Write(footer); err != nil {
		return fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sstable: sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("sstable: close: %w", err)
	}
	return nil
}

// Abort discards a partially written file.
func (w *Writer) Abort() error {
	w.file.Close()
	return os.Remove(w.path)
}
