// Package relocate implements the Relocator: the four transfer
// primitives (DEV2STORAGE, STORAGE2DEV, DEV2DEV, and zero-fill) plus
// the top-level drain loop that moves every block into its final
// position using the staging window only to break dependency cycles.
package relocate

import (
	"fmt"

	"github.com/jsams/fstransform/block"
)

// Direction names the transfer primitives.
type Direction int

const (
	Dev2Storage Direction = iota
	Storage2Dev
	Dev2Dev
)

func (d Direction) String() string {
	switch d {
	case Dev2Storage:
		return "DEV2STORAGE"
	case Storage2Dev:
		return "STORAGE2DEV"
	case Dev2Dev:
		return "DEV2DEV"
	default:
		return "UNKNOWN"
	}
}

// Target names the destinations ZeroBytes recognises.
type Target int

const (
	TargetStorage Target = iota
	TargetDevice
)

// DeviceIO is the device-side read/write primitive the Relocator needs.
// Satisfied structurally by *device.Device; declared here, at point of
// use, so relocate never imports device.
type DeviceIO interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
}

// StorageWindow is the staging-window read/write primitive the
// Relocator needs. Satisfied structurally by *storage.Map.
type StorageWindow interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	RAMBuffer() []byte
	Flush() error
	Len() int64
}

// Observer is the optional UI collaborator, notified before every
// read/write and before every flush. Satisfied structurally by
// uiface.UI; nil is a valid Observer (all calls become no-ops).
type Observer interface {
	ShowIORead(source string, offset, length int64)
	ShowIOWrite(target string, offset, length int64)
	ShowIOFlush()
}

// ErrOverflow is returned when a transfer's from/to range overflows
// the relevant window length.
type ErrOverflow struct {
	Direction     Direction
	From, To, Len int64
}

func (e *ErrOverflow) Error() string {
	return fmt.Sprintf("relocate: %s: overflow at from=%d to=%d len=%d", e.Direction, e.From, e.To, e.Len)
}

// Relocator drives device I/O through a StorageWindow and a bounded
// RAM buffer under a single-threaded, synchronous scheduling model:
// every call blocks until the kernel completes it, and direction order
// within the Run loop is preserved as drained.
type Relocator struct {
	Device    DeviceIO
	Storage   StorageWindow
	BlockSize int64
	UI        Observer
	Simulate  bool

	// Checkpoint, if set, is called after every state-changing step of
	// Run with the current dev_map, so a caller can persist resume
	// state. A failing Checkpoint aborts the run: a resume file that
	// might not match the device's actual state is worse than no
	// resume file.
	Checkpoint func(devMap *block.ExtentMap[uint64]) error

	zeroBuf []byte // lazily allocated 1 MiB zero buffer
}

const zeroBufSize = 1 << 20

func (r *Relocator) notifyRead(source string, offset, length int64) {
	if r.UI != nil {
		r.UI.ShowIORead(source, offset, length)
	}
}

func (r *Relocator) notifyWrite(target string, offset, length int64) {
	if r.UI != nil {
		r.UI.ShowIOWrite(target, offset, length)
	}
}

func (r *Relocator) notifyFlush() {
	if r.UI != nil {
		r.UI.ShowIOFlush()
	}
}

// Dev2Storage reads length bytes from the device at physical and
// deposits them into the staging window at storageOffset.
func (r *Relocator) Dev2Storage(physical, length, storageOffset int64) error {
	if storageOffset+length > r.Storage.Len() {
		return &ErrOverflow{Dev2Storage, physical, storageOffset, length}
	}
	buf := make([]byte, length)
	r.notifyRead("DEVICE", physical, length)
	if _, err := r.Device.ReadAt(buf, physical); err != nil {
		return fmt.Errorf("relocate: DEV2STORAGE read at %d: %w", physical, err)
	}
	r.notifyWrite("STORAGE", storageOffset, length)
	if _, err := r.Storage.WriteAt(buf, storageOffset); err != nil {
		return fmt.Errorf("relocate: DEV2STORAGE write at %d: %w", storageOffset, err)
	}
	return nil
}

// Storage2Dev reads length bytes from the staging window at
// storageOffset and writes them to the device at logical.
func (r *Relocator) Storage2Dev(storageOffset, length, logical int64) error {
	if storageOffset+length > r.Storage.Len() {
		return &ErrOverflow{Storage2Dev, storageOffset, logical, length}
	}
	buf := make([]byte, length)
	r.notifyRead("STORAGE", storageOffset, length)
	if _, err := r.Storage.ReadAt(buf, storageOffset); err != nil {
		return fmt.Errorf("relocate: STORAGE2DEV read at %d: %w", storageOffset, err)
	}
	r.notifyWrite("DEVICE", logical, length)
	if r.Simulate {
		return nil
	}
	if _, err := r.Device.WriteAt(buf, logical); err != nil {
		return fmt.Errorf("relocate: STORAGE2DEV write at %d: %w", logical, err)
	}
	return nil
}

// Dev2Dev moves entries (already sorted by physical) directly device
// to device through the bounded RAM buffer: a fill pass packs
// sequential extents in physical order until the next one would
// exceed the buffer, a drain pass re-sorts the packed batch by logical
// destination and writes it, then the buffer is flushed; an extent
// larger than the buffer is split into buffer-sized chunks, each read,
// written, and flushed before the next.
func (r *Relocator) Dev2Dev(entries []block.Extent[uint64]) error {
	buf := r.Storage.RAMBuffer()
	bufLen := int64(len(buf))

	type packed struct {
		physical, logical, length int64
		bufOffset                 int64
	}

	var batch []packed
	var used int64
	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		// drain pass: write in logical order for sequential write throughput
		drain := append([]packed(nil), batch...)
		for i := range drain {
			for j := i + 1; j < len(drain); j++ {
				if drain[j].logical < drain[i].logical {
					drain[i], drain[j] = drain[j], drain[i]
				}
			}
		}
		for _, p := range drain {
			r.notifyWrite("DEVICE", p.logical, p.length)
			if !r.Simulate {
				if _, err := r.Device.WriteAt(buf[p.bufOffset:p.bufOffset+p.length], p.logical); err != nil {
					return fmt.Errorf("relocate: DEV2DEV write at %d: %w", p.logical, err)
				}
			}
		}
		r.notifyFlush()
		if err := r.Device.Sync(); err != nil {
			return fmt.Errorf("relocate: DEV2DEV flush: %w", err)
		}
		batch = batch[:0]
		used = 0
		return nil
	}

	for _, e := range entries {
		physical := int64(e.Physical) * r.BlockSize
		logical := int64(e.Logical) * r.BlockSize
		remaining := int64(e.Length) * r.BlockSize

		for remaining > 0 {
			chunk := remaining
			if chunk > bufLen {
				chunk = bufLen
			}
			if used+chunk > bufLen {
				if err := flushBatch(); err != nil {
					return err
				}
			}
			r.notifyRead("DEVICE", physical, chunk)
			if _, err := r.Device.ReadAt(buf[used:used+chunk], physical); err != nil {
				return fmt.Errorf("relocate: DEV2DEV read at %d: %w", physical, err)
			}
			batch = append(batch, packed{physical: physical, logical: logical, length: chunk, bufOffset: used})
			used += chunk
			physical += chunk
			logical += chunk
			remaining -= chunk
			if chunk == bufLen {
				// extent alone fills the buffer: drain immediately before
				// reading the next chunk of this same extent.
				if err := flushBatch(); err != nil {
					return err
				}
			}
		}
	}
	return flushBatch()
}

// ZeroBytes writes zeros into the staging window or the device,
// depending on target. Device zeroing reuses a lazily allocated 1 MiB
// buffer cached for the Relocator's lifetime instead of allocating a
// fresh buffer per call.
func (r *Relocator) ZeroBytes(target Target, offset, length int64) error {
	switch target {
	case TargetStorage:
		if offset+length > r.Storage.Len() {
			return &ErrOverflow{Dev2Storage, 0, offset, length}
		}
		zeros := make([]byte, length)
		_, err := r.Storage.WriteAt(zeros, offset)
		return err
	case TargetDevice:
		if r.zeroBuf == nil {
			r.zeroBuf = make([]byte, zeroBufSize)
		}
		remaining := length
		at := offset
		for remaining > 0 {
			n := remaining
			if n > int64(len(r.zeroBuf)) {
				n = int64(len(r.zeroBuf))
			}
			r.notifyWrite("DEVICE", at, n)
			if !r.Simulate {
				if _, err := r.Device.WriteAt(r.zeroBuf[:n], at); err != nil {
					return fmt.Errorf("relocate: zero device at %d: %w", at, err)
				}
			}
			at += n
			remaining -= n
		}
		return nil
	default:
		return fmt.Errorf("relocate: unknown zero target %d", target)
	}
}

// FlushBytes forces durability of the staging window.
func (r *Relocator) FlushBytes() error {
	r.notifyFlush()
	return r.Storage.Flush()
}
