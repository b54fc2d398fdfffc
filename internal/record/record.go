// Package record defines the on-disk record format shared by the write-ahead
// log and the SSTables: one fixed-width prefix followed by the key and value
// bytes.
package record

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind identifies the record variant.
type Kind byte

const (
	// Put stores a document version.
	Put Kind = iota
	// Delete is a tombstone: a first-class deletion marker that shadows
	// older versions of the key.
	Delete
	// Commit terminates a batch in the write-ahead log. It carries the
	// batch's last sequence number and no key or value.
	Commit
)

// PrefixSize is the fixed-width portion of an encoded record:
// kind + sequence + key length + value length.
const PrefixSize = 1 + 8 + 4 + 4

// Entry is one decoded record.
type Entry struct {
	Kind  Kind
	Seq   uint64
	Key   []byte
	Value []byte
}

// IsTombstone reports whether the entry is a deletion marker.
func (e Entry) IsTombstone() bool {
	return e.Kind == Delete
}

// EncodedLen returns the byte length of the encoded record.
func (e Entry) EncodedLen() int {
	return PrefixSize + len(e.Key) + len(e.Value)
}

// Encode serializes the entry:
//
//	[1 kind][8 seq][4 key len][4 value len][key][value]
//
// with big-endian integers.
func Encode(e Entry) []byte {
	buf := make([]byte, e.EncodedLen())
	buf[0] = byte(e.Kind)
	binary.BigEndian.PutUint64(buf[1:], e.Seq)
	binary.BigEndian.PutUint32(buf[9:], uint32(len(e.Key)))
	binary.BigEndian.PutUint32(buf[13:], uint32(len(e.Value)))
	copy(buf[PrefixSize:], e.Key)
	copy(buf[PrefixSize+len(e.Key):], e.Value)
	return buf
}

// Decode parses one record from the front of data, returning the entry and
// the number of bytes consumed. A truncated record is io.ErrUnexpectedEOF.
func Decode(data []byte) (Entry, int, error) {
	if len(data) < PrefixSize {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	kind := Kind(data[0])
	if kind > Commit {
		return Entry{}, 0, fmt.Errorf("record: unknown kind %d", data[0])
	}
	seq := binary.BigEndian.Uint64(data[1:])
	keyLen := int(binary.BigEndian.Uint32(data[9:]))
	valLen := int(binary.BigEndian.Uint32(data[13:]))

	total := PrefixSize + keyLen + valLen
	if len(data) < total {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}

	e := Entry{Kind: kind, Seq: seq}
	if keyLen > 0 {
		e.Key = make([]byte, keyLen)
		copy(e.Key, data[PrefixSize:PrefixSize+keyLen])
	}
	if valLen > 0 {
		e.Value = make([]byte, valLen)
		copy(e.Value, data[PrefixSize+keyLen:total])
	}
	return e, total, nil
}
