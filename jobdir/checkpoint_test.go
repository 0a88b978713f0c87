package jobdir

import (
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/jsams/fstransform/block"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.state")

	devMap := block.NewExtentMap[uint64]()
	devMap.Insert(0, 10, 5, block.TagLoopFile)
	devMap.Insert(20, 30, 3, block.TagDevice)

	if err := WriteCheckpoint(path, 12, devMap); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}

	got, blockSizeLog2, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if blockSizeLog2 != 12 {
		t.Fatalf("expected blockSizeLog2 12, got %d", blockSizeLog2)
	}
	if diff := deep.Equal(got.Entries(), devMap.Entries()); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestLoadCheckpointMissingIsNotError(t *testing.T) {
	devMap, blockSizeLog2, err := LoadCheckpoint(filepath.Join(t.TempDir(), "resume.state"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if devMap != nil || blockSizeLog2 != 0 {
		t.Fatalf("expected nil devMap and 0 blockSizeLog2 for a missing checkpoint")
	}
}
