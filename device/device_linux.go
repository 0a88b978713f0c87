package device

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jsams/fstransform/block"
)

// Length returns the device's length in bytes: BLKGETSIZE64 for a block
// device, falling back to stat's file size for a regular file (the
// simulate_run / test case of standing in a plain file for a device).
func (d *Device) Length() (int64, error) {
	var size uint64
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, d.f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno == 0 {
		return int64(size), nil
	}
	fi, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("device: length of %s: %w", d.path, err)
	}
	return fi.Size(), nil
}

// SectorSizes returns the logical and physical sector sizes in bytes.
func (d *Device) SectorSizes() (logical, physical int64, err error) {
	fd := int(d.f.Fd())
	l, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return 0, 0, fmt.Errorf("device: logical sector size of %s: %w", d.path, err)
	}
	p, err := unix.IoctlGetInt(fd, unix.BLKPBSZGET)
	if err != nil {
		return 0, 0, fmt.Errorf("device: physical sector size of %s: %w", d.path, err)
	}
	return int64(l), int64(p), nil
}

// fiemapExtentSize and fiemapHeaderSize mirror struct fiemap /
// struct fiemap_extent from linux/fiemap.h: a fixed 32-byte header
// followed by fm_mapped_extents records of 56 bytes each.
const (
	fiemapHeaderSize = 32
	fiemapExtentSize = 56

	fiemapExtentLast = 0x00000001

	// fsIocFiemap is FS_IOC_FIEMAP, ioctl(3, 'f', 11, sizeof(struct fiemap)),
	// computed the same way the kernel header does: _IOWR('f', 11, struct fiemap).
	fsIocFiemap = 0xC020660B
)

// readExtentsBatch issues one FS_IOC_FIEMAP call starting at logical
// offset start, requesting up to want extents, and returns the raw
// extent records plus whether the kernel reported this as the last
// batch for the file.
func readExtentsBatch(f *os.File, start uint64, want uint32) (records []byte, mapped uint32, last bool, err error) {
	buf := make([]byte, fiemapHeaderSize+int(want)*fiemapExtentSize)
	binary.LittleEndian.PutUint64(buf[0:8], start)
	binary.LittleEndian.PutUint64(buf[8:16], ^uint64(0)) // fm_length: to EOF
	binary.LittleEndian.PutUint32(buf[16:20], 0)         // fm_flags
	binary.LittleEndian.PutUint32(buf[28:32], want)      // fm_extent_count

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), fsIocFiemap, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return nil, 0, false, os.NewSyscallError("ioctl: FS_IOC_FIEMAP", errno)
	}
	mapped = binary.LittleEndian.Uint32(buf[20:24])
	records = buf[fiemapHeaderSize : fiemapHeaderSize+int(mapped)*fiemapExtentSize]
	if mapped > 0 {
		lastFlags := binary.LittleEndian.Uint32(records[(mapped-1)*fiemapExtentSize+40 : (mapped-1)*fiemapExtentSize+44])
		last = lastFlags&fiemapExtentLast != 0
	}
	return records, mapped, last, nil
}

// ReadExtents enumerates path's physical extents via the generic
// FS_IOC_FIEMAP ioctl — filesystem-agnostic, so this works regardless
// of what filesystem path's extents belong to — and appends each as an
// Extent in bytes (Physical/Logical/Length as reported by the kernel;
// UserData set to the caller-supplied tag on every extent). The FIEMAP
// wire layout is decoded by hand with encoding/binary since it has no
// existing Go binding.
func ReadExtents[T block.Number](path string, out *block.ExtentVector[T], userData uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("device: open %s for fiemap: %w", path, err)
	}
	defer f.Close()

	const batch = 256
	var cursor uint64
	for {
		records, mapped, last, err := readExtentsBatch(f, cursor, batch)
		if err != nil {
			return fmt.Errorf("device: fiemap %s: %w", path, err)
		}
		for i := uint32(0); i < mapped; i++ {
			rec := records[i*fiemapExtentSize:]
			logical := binary.LittleEndian.Uint64(rec[0:8])
			physical := binary.LittleEndian.Uint64(rec[8:16])
			length := binary.LittleEndian.Uint64(rec[16:24])
			out.Append(block.Extent[T]{
				Physical: T(physical),
				Logical:  T(logical),
				Length:   T(length),
				UserData: userData,
			})
			cursor = logical + length
		}
		if mapped == 0 || last {
			return nil
		}
	}
}
