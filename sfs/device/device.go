// Package device implements the block device adapter (C1): fixed-size
// block read/write against a backing file, with bounded retry on
// transient I/O errors. This is the only part of SFS that talks to the
// host filesystem directly.
package device

import (
	"fmt"
	"os"
	"sync"

	"github.com/zhukovaskychina/sfs-core/sfs/ondisk"
)

// maxRetries bounds how many attempts a block read or write makes before
// a transient I/O error is surfaced to the caller.
const maxRetries = 3

// Device is a fixed block-size backing store.
type Device struct {
	mu      sync.Mutex
	f       *os.File
	nblocks uint32
}

// Open opens (or creates) a file-backed block device of the given block
// count. If the file is smaller than nblocks*BlockSize it is extended
// with zeros.
func Open(path string, nblocks uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(nblocks) * ondisk.BlockSize
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &Device{f: f, nblocks: nblocks}, nil
}

// NBlocks returns the device's total block count.
func (d *Device) NBlocks() uint32 { return d.nblocks }

// ReadBlock reads block n into a freshly allocated BlockSize buffer,
// retrying a bounded number of times on transient I/O errors.
func (d *Device) ReadBlock(n uint32) ([]byte, error) {
	buf := make([]byte, ondisk.BlockSize)
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		d.mu.Lock()
		_, err := d.f.ReadAt(buf, int64(n)*ondisk.BlockSize)
		d.mu.Unlock()
		if err == nil {
			return buf, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("device: read block %d: %w", n, lastErr)
}

// WriteBlock writes exactly BlockSize bytes of buf to block n, retrying a
// bounded number of times on transient I/O errors.
func (d *Device) WriteBlock(n uint32, buf []byte) error {
	if len(buf) != ondisk.BlockSize {
		return fmt.Errorf("device: short write buffer (%d bytes)", len(buf))
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		d.mu.Lock()
		_, err := d.f.WriteAt(buf, int64(n)*ondisk.BlockSize)
		d.mu.Unlock()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("device: write block %d: %w", n, lastErr)
}

// Sync flushes the underlying file to stable storage.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Close closes the backing file.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
