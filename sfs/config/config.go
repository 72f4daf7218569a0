// Package config loads mount-time (and mkfs-time) options for an SFS
// volume from an ini file, the way the teacher's server/conf.Cfg loads
// mysqld.cnf, scoped to the handful of knobs this filesystem needs.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// Config holds everything Mount/mkfs need beyond the device itself.
type Config struct {
	Raw *ini.File

	// DevicePath is the backing file Mount opens as the block device.
	DevicePath string

	// NBlocks is the volume size in blocks. Mount passes it to
	// device.Open and only warns when it differs from the superblock's
	// count; the volume size Mount uses comes from the superblock.
	NBlocks uint32

	// VolName is stamped into the superblock at mkfs time.
	VolName string

	// JournalBlocks is the journal's size in blocks, at mkfs time.
	JournalBlocks uint32

	// CacheCapacity bounds how many non-journal buffers the cache holds
	// at once (buffer.Cache's capacity).
	CacheCapacity int

	// CheckpointInterval is how often the background checkpoint thread
	// wakes to reap transactions and trim the journal.
	CheckpointInterval time.Duration
}

// Default returns the configuration used when no ini file is supplied.
func Default() *Config {
	return &Config{
		Raw:                ini.Empty(),
		VolName:            "sfs",
		JournalBlocks:      64,
		CacheCapacity:      256,
		CheckpointInterval: 5 * time.Second,
	}
}

// Load reads mount options from an ini file under the "sfs" section,
// falling back to Default's values for anything the file omits.
func Load(path string) (*Config, error) {
	raw, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Raw = raw

	sec := raw.Section("sfs")
	cfg.DevicePath = sec.Key("device_path").MustString(cfg.DevicePath)
	cfg.NBlocks = uint32(sec.Key("nblocks").MustUint(uint(cfg.NBlocks)))
	cfg.VolName = sec.Key("vol_name").MustString(cfg.VolName)
	cfg.JournalBlocks = uint32(sec.Key("journal_blocks").MustUint(uint(cfg.JournalBlocks)))
	cfg.CacheCapacity = sec.Key("cache_capacity").MustInt(cfg.CacheCapacity)
	cfg.CheckpointInterval = sec.Key("checkpoint_interval").MustDuration(cfg.CheckpointInterval)

	return cfg, nil
}
