// Package device is the I/O façade's leaf: a raw block device (or, under
// simulate_run, a regular file standing in for one) opened read/write,
// plus the two read-only sparse files (LOOP-FILE, FREE-FILE/ZERO-FILE)
// the outer driver points us at. Everything above the raw
// read-at/write-at/ioctl level — StorageMap's mmap window, the
// Relocator, the job directory — is built on top of this in sibling
// packages; none of them import this package back, so Device stays a
// leaf a consumer can satisfy with a fake in tests.
package device

import (
	"fmt"
	"os"
)

// Device wraps an open block device (or a plain file in simulate mode)
// with the raw operations the rest of the engine needs: length probing,
// positioned read/write, fsync, and a file descriptor for mmap.
// simulate_run is layered on top: it suppresses device writes but not
// extent analysis, so a run can be rehearsed safely.
type Device struct {
	path     string
	f        *os.File
	simulate bool
}

// Open opens path read/write (or read-only, in simulate mode, so a run
// against a real device can be rehearsed without write permission).
func Open(path string, simulate bool) (*Device, error) {
	flags := os.O_RDWR
	if simulate {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	return &Device{path: path, f: f, simulate: simulate}, nil
}

// Path returns the path the device was opened from.
func (d *Device) Path() string { return d.path }

// IsOpen reports whether the underlying file descriptor is still valid.
func (d *Device) IsOpen() bool { return d.f != nil }

// Fd returns the raw file descriptor, for mmap.
func (d *Device) Fd() uintptr {
	if d.f == nil {
		return ^uintptr(0)
	}
	return d.f.Fd()
}

// Close closes the underlying file descriptor.
func (d *Device) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// ReadAt reads len(p) bytes starting at off, always — even under
// simulate_run, since simulate only suppresses writes.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt writes p at off, unless simulate_run is set, in which case the
// write is dropped silently and reported as fully successful: callers
// that depend on the write actually landing (e.g. a subsequent ReadAt
// verifying it) must not run under simulate_run.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if d.simulate {
		return len(p), nil
	}
	return d.f.WriteAt(p, off)
}

// Sync flushes the device's write cache. A no-op under simulate_run.
func (d *Device) Sync() error {
	if d.simulate {
		return nil
	}
	return d.f.Sync()
}

// Simulate reports whether this Device was opened in simulate_run mode.
func (d *Device) Simulate() bool { return d.simulate }
