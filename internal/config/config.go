// Package config provides configuration structures and defaults for EmberDB.
package config

import (
	"github.com/emberdb/emberdb/internal/compression"
)

const (
	defaultMaxMemtableSize = 4 * 1024 * 1024
	defaultBlockEntries    = 16
	defaultCompression     = compression.Snappy
)

// Config holds all tunable parameters for EmberDB's performance and durability.
type Config struct {
	// MaxMemtableSize is the in-memory byte threshold that triggers a flush.
	MaxMemtableSize int
	// BlockEntries is the number of records per SSTable data block.
	BlockEntries int
	// Compression selects the SSTable block codec.
	Compression compression.Type
	// SyncWrites forces an fsync of the write-ahead log on every commit.
	// Disabling it trades crash durability of the latest commits for speed.
	SyncWrites bool
}

// DefaultConfig returns a Config struct populated with default values.
func DefaultConfig() *Config {
	return &Config{
		MaxMemtableSize: defaultMaxMemtableSize,
		BlockEntries:    defaultBlockEntries,
		Compression:     defaultCompression,
		SyncWrites:      true,
	}
}

// FillDefaults sets any zero-value fields in the Config to their default
// values. Compression zero is the valid "none" codec and is left alone;
// SyncWrites false is likewise a deliberate choice.
func (c *Config) FillDefaults() {
	def := DefaultConfig()
	if c.MaxMemtableSize == 0 {
		c.MaxMemtableSize = def.MaxMemtableSize
	}
	if c.BlockEntries == 0 {
		c.BlockEntries = def.BlockEntries
	}
}
