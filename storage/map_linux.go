package storage

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jsams/fstransform/block"
)

// BlockDevice is the subset of device.Device that StorageMap needs to
// map PRIMARY extents: a file descriptor to mmap and a block size to
// convert extent block numbers into byte offsets. Defined here, at the
// point of use, so storage never imports device and a test can satisfy
// it with a plain *os.File-backed fake.
type BlockDevice interface {
	Fd() uintptr
}

// extentMapping records where one PRIMARY or SECONDARY extent landed
// inside the window, kept in a side table rather than embedded in the
// extent itself, so block.Extent stays a plain value type everywhere else.
type extentMapping struct {
	windowOffset int64
	length       int64
}

// Map is the StorageWindow: primary_len+secondary_len contiguous
// bytes, the PRIMARY portion backed by device block ranges, the
// SECONDARY portion backed by a scratch file, both MAP_FIXED into one
// reservation.
type Map struct {
	base       uintptr
	length     int64
	ramBuffer  []byte
	secondary  *os.File
	primaryMap []extentMapping
	secOffset  int64
	secLen     int64
	pinned     bool
}

func mmapAt(addr uintptr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	ret, _, errno := syscall.Syscall6(syscall.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func munmapAt(addr uintptr, length uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Build materializes the StorageWindow in six steps, rolling back
// everything acquired so far if any step fails. primary lists the
// PRIMARY extents in device block units; blockSize converts them to
// byte offsets against dev.
func Build(dev BlockDevice, primary *block.ExtentMap[uint64], blockSize int64, secondaryPath string, primaryLen, secondaryLen, memBufferSize int64) (*Map, error) {
	total := primaryLen + secondaryLen
	if total <= 0 {
		return nil, fmt.Errorf("storage: empty staging window requested")
	}

	// Step 1: reserve the whole window with no access rights.
	base, err := mmapAt(0, uintptr(total), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve window: %w", err)
	}
	m := &Map{base: base, length: total}

	rollback := func(err error) (*Map, error) {
		m.Close()
		return nil, err
	}

	// Step 2: RAM buffer, fully committed (pre-touched).
	ramAddr, err := mmapAt(0, uintptr(memBufferSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON, -1, 0)
	if err != nil {
		return rollback(fmt.Errorf("storage: allocate ram buffer: %w", err))
	}
	m.ramBuffer = unsafe.Slice((*byte)(unsafe.Pointer(ramAddr)), memBufferSize)
	for i := range m.ramBuffer {
		m.ramBuffer[i] = 0
	}

	// Step 3: create and size the SECONDARY scratch file.
	if secondaryLen > 0 {
		f, err := os.OpenFile(secondaryPath, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return rollback(fmt.Errorf("storage: create secondary %s: %w", secondaryPath, err))
		}
		m.secondary = f
		if err := growSecondary(f, secondaryLen); err != nil {
			return rollback(fmt.Errorf("storage: size secondary %s: %w", secondaryPath, err))
		}
	}

	// Step 4: map every PRIMARY extent over the device at its exact
	// reserved address.
	var offset int64
	for _, e := range primary.Entries() {
		length := int64(e.Length) * blockSize
		addr, err := mmapAt(base+uintptr(offset), uintptr(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, int(dev.Fd()), int64(e.Physical)*blockSize)
		if err != nil {
			return rollback(fmt.Errorf("storage: map primary extent at %d: %w", offset, err))
		}
		if addr != base+uintptr(offset) {
			return rollback(fmt.Errorf("storage: internal error: MAP_FIXED returned a different address"))
		}
		m.primaryMap = append(m.primaryMap, extentMapping{windowOffset: offset, length: length})
		offset += length
	}
	if offset != primaryLen {
		return rollback(fmt.Errorf("storage: internal error: primary extents sum to %d, expected %d", offset, primaryLen))
	}

	// Step 5: map the single SECONDARY extent over the scratch file.
	if secondaryLen > 0 {
		addr, err := mmapAt(base+uintptr(offset), uintptr(secondaryLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, int(m.secondary.Fd()), 0)
		if err != nil {
			return rollback(fmt.Errorf("storage: map secondary: %w", err))
		}
		if addr != base+uintptr(offset) {
			return rollback(fmt.Errorf("storage: internal error: MAP_FIXED returned a different address for secondary"))
		}
		m.secOffset = offset
		m.secLen = secondaryLen
		offset += secondaryLen
	}
	if offset != total {
		return rollback(fmt.Errorf("storage: internal error: storage offsets sum to %d, window is %d", offset, total))
	}

	// Step 6: best-effort pin staging pages in RAM.
	if err := unix.Mlock(m.window()); err != nil {
		m.pinned = false
	} else {
		m.pinned = true
	}

	return m, nil
}

func growSecondary(f *os.File, length int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, length); err == nil {
		return nil
	}
	// fall back to a zero-fill write loop in 64 KiB chunks
	const chunk = 64 << 10
	buf := make([]byte, chunk)
	var written int64
	for written < length {
		n := int64(chunk)
		if length-written < n {
			n = length - written
		}
		if _, err := f.WriteAt(buf[:n], written); err != nil {
			return err
		}
		written += n
	}
	return nil
}

func (m *Map) window() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m.base)), m.length)
}

// Len returns the window's total length in bytes.
func (m *Map) Len() int64 { return m.length }

// ReadAt copies length bytes out of the window starting at offset.
func (m *Map) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(p)) > m.length {
		return 0, fmt.Errorf("storage: ReadAt out of range: offset=%d len=%d window=%d", offset, len(p), m.length)
	}
	copy(p, m.window()[offset:offset+int64(len(p))])
	return len(p), nil
}

// WriteAt copies p into the window starting at offset.
func (m *Map) WriteAt(p []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(p)) > m.length {
		return 0, fmt.Errorf("storage: WriteAt out of range: offset=%d len=%d window=%d", offset, len(p), m.length)
	}
	copy(m.window()[offset:offset+int64(len(p))], p)
	return len(p), nil
}

// RAMBuffer returns the pre-touched scratch buffer used for DEV2DEV
// fill/drain passes.
func (m *Map) RAMBuffer() []byte { return m.ramBuffer }

// Flush synchronises the entire window and issues a whole-system cache
// flush.
func (m *Map) Flush() error {
	if err := unix.Msync(m.window(), unix.MS_SYNC); err != nil {
		return fmt.Errorf("storage: msync: %w", err)
	}
	unix.Sync()
	return nil
}

// Close tears down the window: unmap, unmap the RAM buffer, close the
// SECONDARY file. Runs on every exit path; a failed munmap during
// teardown is reported but does not mask an earlier error already
// returned to the caller.
func (m *Map) Close() error {
	var firstErr error
	if m.pinned {
		_ = unix.Munlock(m.window())
	}
	if m.base != 0 && m.length > 0 {
		if err := munmapAt(m.base, uintptr(m.length)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: munmap window: %w", err)
		}
		m.base, m.length = 0, 0
	}
	if m.ramBuffer != nil {
		addr := uintptr(unsafe.Pointer(&m.ramBuffer[0]))
		if err := munmapAt(addr, uintptr(len(m.ramBuffer))); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: munmap ram buffer: %w", err)
		}
		m.ramBuffer = nil
	}
	if m.secondary != nil {
		if err := m.secondary.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: close secondary: %w", err)
		}
		m.secondary = nil
	}
	return firstErr
}

// SecondaryPath returns the path of the scratch file, for job_clear's
// minimal/all policies to unlink after a clean shutdown.
func (m *Map) SecondaryPath() string {
	if m.secondary == nil {
		return ""
	}
	return m.secondary.Name()
}
