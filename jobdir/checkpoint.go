package jobdir

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jsams/fstransform/block"
)

// Resume-state format: a fixed 16-byte header followed by one 32-byte
// record per remaining dev_map entry, hand-packed with
// binary.LittleEndian rather than gob or a schema library, since the
// record shape never changes and a fixed layout makes forward
// compatibility checking trivial (the version field below).
const (
	checkpointMagic   uint32 = 0x46535452 // "FSTR"
	checkpointVersion uint16 = 1
	checkpointHeaderLen      = 16
	checkpointRecordLen      = 32
)

// WriteCheckpoint atomically replaces path with the current dev_map
// contents: write-temp-then-rename, so a crash mid-write never leaves a
// half-written resume file behind.
func WriteCheckpoint(path string, blockSizeLog2 uint, devMap *block.ExtentMap[uint64]) error {
	entries := devMap.Entries()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("jobdir: create checkpoint temp %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)

	header := make([]byte, checkpointHeaderLen)
	binary.LittleEndian.PutUint32(header[0:4], checkpointMagic)
	binary.LittleEndian.PutUint16(header[4:6], checkpointVersion)
	binary.LittleEndian.PutUint16(header[6:8], uint16(blockSizeLog2))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(entries)))
	// header[12:16] reserved, left zero
	if _, err := w.Write(header); err != nil {
		return closeAndFail(f, tmp, err)
	}

	rec := make([]byte, checkpointRecordLen)
	for _, e := range entries {
		binary.LittleEndian.PutUint64(rec[0:8], e.Physical)
		binary.LittleEndian.PutUint64(rec[8:16], e.Logical)
		binary.LittleEndian.PutUint64(rec[16:24], e.Length)
		binary.LittleEndian.PutUint64(rec[24:32], e.UserData)
		if _, err := w.Write(rec); err != nil {
			return closeAndFail(f, tmp, err)
		}
	}

	if err := w.Flush(); err != nil {
		return closeAndFail(f, tmp, err)
	}
	if err := f.Sync(); err != nil {
		return closeAndFail(f, tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("jobdir: close checkpoint temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("jobdir: rename checkpoint %s -> %s: %w", tmp, path, err)
	}
	return nil
}

func closeAndFail(f *os.File, tmp string, cause error) error {
	_ = f.Close()
	_ = os.Remove(tmp)
	return fmt.Errorf("jobdir: write checkpoint: %w", cause)
}

// LoadCheckpoint reconstructs dev_map from a checkpoint written by
// WriteCheckpoint. Returns (nil, 0, nil) if path does not exist — no
// resume state means a fresh run, not an error.
func LoadCheckpoint(path string) (devMap *block.ExtentMap[uint64], blockSizeLog2 uint, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("jobdir: open checkpoint %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, checkpointHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, fmt.Errorf("jobdir: read checkpoint header %s: %w", path, err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != checkpointMagic {
		return nil, 0, fmt.Errorf("jobdir: checkpoint %s: bad magic %#x", path, magic)
	}
	if version := binary.LittleEndian.Uint16(header[4:6]); version != checkpointVersion {
		return nil, 0, fmt.Errorf("jobdir: checkpoint %s: unsupported version %d", path, version)
	}
	blockSizeLog2 = uint(binary.LittleEndian.Uint16(header[6:8]))
	count := binary.LittleEndian.Uint32(header[8:12])

	devMap = block.NewExtentMap[uint64]()
	rec := make([]byte, checkpointRecordLen)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, 0, fmt.Errorf("jobdir: read checkpoint record %d in %s: %w", i, path, err)
		}
		physical := binary.LittleEndian.Uint64(rec[0:8])
		logical := binary.LittleEndian.Uint64(rec[8:16])
		length := binary.LittleEndian.Uint64(rec[16:24])
		userData := binary.LittleEndian.Uint64(rec[24:32])
		devMap.Insert(physical, logical, length, userData)
	}
	return devMap, blockSizeLog2, nil
}

// RemoveCheckpoint deletes a checkpoint file if present, called once a
// run completes (or is cleared per job_clear policy).
func RemoveCheckpoint(dir string) error {
	path := filepath.Join(dir, "resume.state")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("jobdir: remove checkpoint %s: %w", path, err)
	}
	return nil
}
