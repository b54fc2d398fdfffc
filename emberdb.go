// Package emberdb is an embedded, offline-first document database with a
// Firestore-style data model.
//
// Documents are schemaless JSON-like trees addressed by slash-separated
// paths. Storage is an LSM tree: writes land in an in-memory memtable backed
// by a write-ahead log and are periodically flushed to immutable SSTable
// files. Batches commit atomically, field transforms (server timestamps,
// increments, array union/remove, field deletes) resolve at write time, and
// declarative security rules gate every operation.
//
// Example usage:
//
//	db, err := emberdb.Open("/path/to/database", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.PutJSON("users/alice", []byte(`{"name": "Alice", "age": 30}`))
//	if err != nil {
//		log.Printf("Put failed: %v", err)
//	}
//
//	data, found, err := db.GetJSON("users/alice")
//	if found {
//		fmt.Printf("Document: %s\n", data)
//	}
//
//	err = db.Delete("users/alice")
//	if err != nil {
//		log.Printf("Delete failed: %v", err)
//	}
package emberdb

import (
	"github.com/emberdb/emberdb/internal/config"
	"github.com/emberdb/emberdb/internal/document"
	"github.com/emberdb/emberdb/internal/engine"
	"github.com/emberdb/emberdb/internal/fieldvalue"
)

// Config is an alias for config.Config, re-exported for user convenience.
type Config = config.Config

// DefaultConfig returns a Config struct populated with default values.
// Re-exported for user convenience.
var DefaultConfig = config.DefaultConfig

// Value is a document tree node, re-exported from the document package along
// with its constructors.
type Value = document.Value

// Document value constructors.
var (
	Null   = document.Null
	Bool   = document.Bool
	Int    = document.Int
	Double = document.Double
	String = document.String
	Array  = document.Array
	Map    = document.Map
)

// Field transforms, resolved against the stored document at write time.
var (
	ServerTimestamp = fieldvalue.ServerTimestamp
	Increment       = fieldvalue.Increment
	ArrayUnion      = fieldvalue.ArrayUnion
	ArrayRemove     = fieldvalue.ArrayRemove
	DeleteField     = fieldvalue.Delete
)

// CompactionStats summarizes one compaction run.
type CompactionStats = engine.CompactionStats

// Errors returned by database operations.
var (
	ErrInvalidArgument = engine.ErrInvalidArgument
	ErrRulesViolation  = engine.ErrRulesViolation
	ErrCorruptData     = engine.ErrCorruptData
	ErrClosed          = engine.ErrClosed
	ErrBatchCommitted  = engine.ErrBatchCommitted
)

// DB represents a thread-safe EmberDB instance. All methods may be called
// concurrently; writes serialize internally.
type DB struct {
	engine *engine.Engine
}

// Open opens or creates a database at the specified path.
//
// The directory will be created if it doesn't exist. If the database exists,
// its SSTables are reopened, the write-ahead log is replayed, and previously
// loaded security rules are restored.
//
// Returns a DB instance or an error if the database can't be opened.
func Open(path string, cfg *Config) (*DB, error) {
	e, err := engine.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{engine: e}, nil
}

// LoadRules parses the given security rules text and installs it atomically.
// The rules persist across restarts. Until the first successful LoadRules
// every operation is allowed.
func (db *DB) LoadRules(text string) error {
	return db.engine.LoadRules(text)
}

// Put stores a document at path, replacing any existing document there.
// Field transforms in doc are resolved against the previous document.
func (db *DB) Put(path string, doc Value) error {
	return db.engine.Put(path, doc)
}

// PutJSON parses data as a JSON object and stores it at path.
func (db *DB) PutJSON(path string, data []byte) error {
	doc, err := document.FromJSON(data)
	if err != nil {
		return err
	}
	return db.engine.Put(path, doc)
}

// Update merges doc into the existing document at path, creating it if
// absent. Nested maps merge recursively; other values replace.
func (db *DB) Update(path string, doc Value) error {
	return db.engine.Update(path, doc)
}

// Get retrieves the document stored at path.
// Returns the document and true if found, or the zero Value and false if no
// document exists there.
func (db *DB) Get(path string) (Value, bool, error) {
	return db.engine.Get(path)
}

// GetJSON retrieves the document at path rendered as JSON with map keys in
// sorted order.
func (db *DB) GetJSON(path string) ([]byte, bool, error) {
	doc, found, err := db.engine.Get(path)
	if err != nil || !found {
		return nil, found, err
	}
	data, err := doc.JSON()
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Delete removes the document at path. Deleting an absent document is not
// an error.
func (db *DB) Delete(path string) error {
	return db.engine.Delete(path)
}

// NewBatch returns an empty write batch. Operations staged on it commit
// atomically when Commit is called.
func (db *DB) NewBatch() *engine.WriteBatch {
	return db.engine.NewBatch()
}

// Flush writes the in-memory table to disk and prunes the covered
// write-ahead log segments. Flushing happens automatically when the
// memtable crosses its size threshold; explicit calls are for tests and
// controlled shutdowns.
func (db *DB) Flush() error {
	return db.engine.Flush()
}

// Compact merges every on-disk table into one, discarding deleted documents
// and shadowed versions for good. Returns statistics about the run.
func (db *DB) Compact() (*CompactionStats, error) {
	return db.engine.Compact()
}

// Close gracefully shuts down the database, ensuring all data is persisted.
// This method flushes any remaining memtable data to disk and closes all
// open files. Close is idempotent; after it returns, other methods fail
// with ErrClosed.
//
// It's recommended to call Close when you're done with the database,
// typically using defer:
//
//	db, err := emberdb.Open("/path/to/database", nil)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
// Returns an error if any cleanup operation fails.
func (db *DB) Close() error {
	return db.engine.Close()
}
