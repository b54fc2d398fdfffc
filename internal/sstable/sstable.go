// Package sstable implements immutable, sorted, block-based on-disk segment
// files with a sparse index for point lookup and an iterator for merging.
//
// File layout:
//
//	header:  magic "ESST" + format version + compression type
//	blocks:  up to BlockEntries records each, individually compressed
//	index:   one entry per block: first key, offset, length, xxh3 checksum
//	footer:  index location, entry/tombstone counts, max sequence number,
//	         trailing magic
//
// Newer files shadow older ones; the file id in the name is monotonically
// increasing so age ordering needs no metadata lookup.
package sstable

import (
	"encoding/binary"
	"errors"
)

const (
	formatVersion = 1

	headerSize = 6

	// footer: indexOffset u64, indexSize u64, blockCount u32,
	// entryCount u64, tombstoneCount u64, maxSeq u64, magic.
	footerSize = 8 + 8 + 4 + 8 + 8 + 8 + 4

	// DefaultBlockEntries is the number of records per data block, and
	// therefore the sparse-index granularity.
	DefaultBlockEntries = 16
)

var fileMagic = [4]byte{'E', 'S', 'S', 'T'}

// ErrCorrupt reports a file that fails magic, version, checksum, or
// structural validation.
var ErrCorrupt = errors.New("sstable: corrupt file")

// indexEntry locates one data block.
type indexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint32
	checksum uint64
}

func appendIndexEntry(buf []byte, e indexEntry) []byte {
	var meta [4]byte
	binary.BigEndian.PutUint32(meta[:], uint32(len(e.firstKey)))
	buf = append(buf, meta[:]...)
	buf = append(buf, e.firstKey...)

	var fixed [20]byte
	binary.BigEndian.PutUint64(fixed[:8], e.offset)
	binary.BigEndian.PutUint32(fixed[8:12], e.length)
	binary.BigEndian.PutUint64(fixed[12:], e.checksum)
	return append(buf, fixed[:]...)
}

func decodeIndex(buf []byte, count int) ([]indexEntry, error) {
	index := make([]indexEntry, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return nil, errors.New("index truncated")
		}
		keyLen := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if off+keyLen+20 > len(buf) {
			return nil, errors.New("index truncated")
		}
		key := make([]byte, keyLen)
		copy(key, buf[off:off+keyLen])
		off += keyLen

		index = append(index, indexEntry{
			firstKey: key,
			offset:   binary.BigEndian.Uint64(buf[off:]),
			length:   binary.BigEndian.Uint32(buf[off+8:]),
			checksum: binary.BigEndian.Uint64(buf[off+12:]),
		})
		off += 20
	}
	if off != len(buf) {
		return nil, errors.New("index has trailing bytes")
	}
	return index, nil
}
