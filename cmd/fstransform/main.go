// Command fstransform is the thin CLI wiring the configuration bundle
// to the engine. The outer driver's real responsibilities — invoking
// mkfs on the new layout, probing the source filesystem for
// LOOP-FILE/FREE-FILE extents through fs-specific tooling — are out of
// scope here; this command exercises the core directly against
// extents read through the generic FIEMAP path in device.ReadExtents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jsams/fstransform/fconfig"
)

var flags struct {
	device       string
	loopFile     string
	freeFile     string
	rootDir      string
	jobID        int
	forceRun     bool
	simulateRun  bool
	storageTotal int64
	storagePrime int64
	storageExact bool
	memBuffer    int64
	jobClear     string
	umountCmd    string
	metrics      bool
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fstransform",
		Short: "Rewrite a block device in place from one filesystem layout to another",
		RunE:  runE,
	}
	f := cmd.Flags()
	f.StringVar(&flags.device, "device", "", "path of the device to transform (required)")
	f.StringVar(&flags.loopFile, "loop-file", "", "path of LOOP-FILE, describing the target layout (required)")
	f.StringVar(&flags.freeFile, "free-file", "", "path of FREE-FILE/ZERO-FILE, describing source free space (required)")
	f.StringVar(&flags.rootDir, "root-dir", "", "job root directory (default $HOME)")
	f.IntVar(&flags.jobID, "job-id", 0, "forced job id (0 = assign automatically)")
	f.BoolVar(&flags.forceRun, "force", false, "downgrade fatal configuration checks to warnings")
	f.BoolVar(&flags.simulateRun, "simulate", false, "run the analysis without writing to the device")
	f.Int64Var(&flags.storageTotal, "storage-size", 0, "requested staging area size in bytes (0 = auto)")
	f.Int64Var(&flags.storagePrime, "storage-size-primary", 0, "requested PRIMARY-STORAGE share in bytes (0 = auto)")
	f.BoolVar(&flags.storageExact, "storage-size-exact", false, "fail rather than adjust storage sizing (required to resume a job)")
	f.Int64Var(&flags.memBuffer, "mem-buffer-size", 0, "RAM buffer size for DEV2DEV copies in bytes (0 = match storage size)")
	f.StringVar(&flags.jobClear, "job-clear", string(fconfig.ClearAuto), "job directory cleanup policy: auto|all|minimal|none")
	f.StringVar(&flags.umountCmd, "umount-cmd", "", "command to unmount the device after a successful run")
	f.BoolVar(&flags.metrics, "metrics", false, "export fstransform_io_bytes_total/fstransform_flush_total via a Prometheus UI collaborator")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fstransform:", err)
		os.Exit(1)
	}
}
