package relocate

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/jsams/fstransform/block"
)

// fakeDevice is an in-memory stand-in for device.Device sized to cover
// every test's device-length, satisfying DeviceIO.
type fakeDevice struct {
	data []byte
}

func newFakeDevice(n int) *fakeDevice { return &fakeDevice{data: make([]byte, n)} }

func (d *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	copy(p, d.data[off:off+int64(len(p))])
	return len(p), nil
}

func (d *fakeDevice) WriteAt(p []byte, off int64) (int, error) {
	copy(d.data[off:off+int64(len(p))], p)
	return len(p), nil
}

func (d *fakeDevice) Sync() error { return nil }

// fakeStorage is an in-memory stand-in for storage.Map, satisfying
// StorageWindow.
type fakeStorage struct {
	window []byte
	ram    []byte
}

func newFakeStorage(windowLen, ramLen int) *fakeStorage {
	return &fakeStorage{window: make([]byte, windowLen), ram: make([]byte, ramLen)}
}

func (s *fakeStorage) ReadAt(p []byte, off int64) (int, error) {
	copy(p, s.window[off:off+int64(len(p))])
	return len(p), nil
}

func (s *fakeStorage) WriteAt(p []byte, off int64) (int, error) {
	copy(s.window[off:off+int64(len(p))], p)
	return len(p), nil
}

func (s *fakeStorage) RAMBuffer() []byte { return s.ram }
func (s *fakeStorage) Flush() error      { return nil }
func (s *fakeStorage) Len() int64        { return int64(len(s.window)) }

const blockSize = 8

func fillPattern(dev *fakeDevice, block uint64, value byte) {
	off := int64(block) * blockSize
	for i := int64(0); i < blockSize; i++ {
		dev.data[off+i] = value
	}
}

func readPattern(dev *fakeDevice, block uint64) byte {
	return dev.data[int64(block)*blockSize]
}

func TestRunSimpleSwapNoCycleBreak(t *testing.T) {
	// Device length 4 blocks; blocks 0 and 1 swap with blocks 2 and 3 —
	// every destination is immediately free (nothing else lives there),
	// so this never needs the staging window.
	dev := newFakeDevice(4 * blockSize)
	fillPattern(dev, 0, 0xAA)
	fillPattern(dev, 1, 0xBB)

	devMap := block.NewExtentMap[uint64]()
	devMap.Insert(0, 2, 2, block.TagLoopFile)

	free := block.NewExtentMap[uint64]()
	free.Insert(2, 2, 2, block.TagNone)

	storage := newFakeStorage(1024, 1024)
	r := &Relocator{Device: dev, Storage: storage, BlockSize: blockSize}

	if err := r.Run(devMap, free); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := readPattern(dev, 2); got != 0xAA {
		t.Fatalf("block 2: got %#x, want 0xAA", got)
	}
	if got := readPattern(dev, 3); got != 0xBB {
		t.Fatalf("block 3: got %#x, want 0xBB", got)
	}
}

func TestRunDependencyCycleUsesStaging(t *testing.T) {
	// Blocks 0<-1, 1<-2, 2<-0: a pure rotation with no free space at
	// all. The first entry can never move directly, so it must be
	// staged to break the cycle.
	dev := newFakeDevice(3 * blockSize)
	fillPattern(dev, 0, 1)
	fillPattern(dev, 1, 2)
	fillPattern(dev, 2, 3)

	devMap := block.NewExtentMap[uint64]()
	devMap.Insert(0, 2, 1, block.TagDevice)
	devMap.Insert(1, 0, 1, block.TagDevice)
	devMap.Insert(2, 1, 1, block.TagDevice)

	free := block.NewExtentMap[uint64]() // no free space to seed
	storage := newFakeStorage(1024, 1024)
	r := &Relocator{Device: dev, Storage: storage, BlockSize: blockSize}

	if err := r.Run(devMap, free); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// block 0 -> logical 2, block 1 -> logical 0, block 2 -> logical 1
	got := []byte{readPattern(dev, 0), readPattern(dev, 1), readPattern(dev, 2)}
	want := []byte{2, 3, 1}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("unexpected final device contents: %v", diff)
	}
}
