package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jsams/fstransform/analyze"
	"github.com/jsams/fstransform/block"
	"github.com/jsams/fstransform/device"
	"github.com/jsams/fstransform/fconfig"
	"github.com/jsams/fstransform/jobdir"
	"github.com/jsams/fstransform/relocate"
	"github.com/jsams/fstransform/storage"
	"github.com/jsams/fstransform/uiface"
)

const pageSize = 4096

func runE(_ *cobra.Command, _ []string) error {
	cfg := fconfig.Config{
		RootDir:            flags.rootDir,
		JobID:              flags.jobID,
		ForceRun:           flags.forceRun,
		SimulateRun:        flags.simulateRun,
		StorageSizeTotal:   flags.storageTotal,
		StorageSizePrimary: flags.storagePrime,
		StorageSizeExact:   flags.storageExact,
		JobClear:           fconfig.ClearPolicy(flags.jobClear),
		UmountCmd:          parseUmountCmd(flags.umountCmd),
	}

	dev, err := device.Open(flags.device, cfg.SimulateRun)
	if err != nil {
		return err
	}
	defer dev.Close()

	devLength, err := dev.Length()
	if err != nil {
		return fmt.Errorf("fstransform: device length: %w", err)
	}
	loopInfo, err := os.Stat(flags.loopFile)
	if err != nil {
		return fmt.Errorf("fstransform: stat loop file: %w", err)
	}

	findings := fconfig.Validate(cfg, fconfig.Inputs{
		DevPath:            flags.device,
		LoopFilePath:       flags.loopFile,
		DevLength:          devLength,
		LoopFileLen:        loopInfo.Size(),
		LoopFileSameDevice: sameDevice(flags.device, flags.loopFile),
		RunningPrivileged:  isPrivileged(),
	})
	for _, f := range findings {
		fmt.Fprintf(os.Stderr, "fstransform: [%s] %s: %v\n", f.Severity, f.Check, f.Err)
		if f.Severity == fconfig.SeverityFatal {
			return fmt.Errorf("fstransform: fatal configuration error: %s: %w", f.Check, f.Err)
		}
	}

	jd, err := jobdir.New(cfg.RootDir, cfg.JobID)
	if err != nil {
		return err
	}
	defer jd.Close()
	log := jd.Logger.WithField("run_id", jd.RunID).WithField("device", flags.device)

	resumeMap, resumeBlockLog2, err := jobdir.LoadCheckpoint(jd.CheckpointPath())
	if err != nil {
		return fmt.Errorf("fstransform: load checkpoint: %w", err)
	}

	var result *analyze.Result[uint64]
	var blockSize int64
	if resumeMap != nil {
		if !cfg.StorageSizeExact {
			return fmt.Errorf("fstransform: job %s has a pending checkpoint; resuming requires --storage-size-exact with the same storage sizing as the original run", jd.Dir)
		}
		blockSize = int64(1) << resumeBlockLog2
		freeVec := block.NewExtentVector[uint64](0)
		if err := device.ReadExtents[uint64](flags.freeFile, freeVec, block.TagNone); err != nil {
			return fmt.Errorf("fstransform: read FREE-FILE extents: %w", err)
		}
		freeVec.SortByLogical()
		devFreeMap := block.NewExtentMap[uint64]()
		for _, e := range freeVec.Entries() {
			devFreeMap.Insert(e.Physical, e.Physical, e.Length, e.UserData)
		}
		result = &analyze.Result[uint64]{
			DevMap:             resumeMap,
			DevFreeMap:         devFreeMap,
			WorkCount:          uint64(resumeMap.Len()),
			BlockSizeLog2:      resumeBlockLog2,
			DeviceLengthBlocks: uint64(devLength) >> resumeBlockLog2,
		}
		log.WithField("resumed_entries", resumeMap.Len()).Info("resuming from checkpoint")
	} else {
		loopVec := block.NewExtentVector[uint64](0)
		if err := device.ReadExtents[uint64](flags.loopFile, loopVec, block.TagLoopFile); err != nil {
			return fmt.Errorf("fstransform: read LOOP-FILE extents: %w", err)
		}
		freeVec := block.NewExtentVector[uint64](0)
		if err := device.ReadExtents[uint64](flags.freeFile, freeVec, block.TagNone); err != nil {
			return fmt.Errorf("fstransform: read FREE-FILE extents: %w", err)
		}
		loopVec.SortByLogical()
		freeVec.SortByLogical()

		result, err = analyze.Analyze(analyze.Input[uint64]{
			LoopFile:     loopVec,
			FreeSpace:    freeVec,
			DeviceLength: uint64(devLength),
			PageSize:     pageSize,
		})
		if err != nil {
			log.WithError(err).Error("analysis failed")
			return fmt.Errorf("fstransform: analysis: %w", err)
		}
		blockSize = int64(1) << result.BlockSizeLog2
		log.WithField("work_count", result.WorkCount).Info("analysis complete")
	}

	plan, err := storage.PlanStorage(storage.Options{
		StorageSize:   cfg.StorageSizeTotal,
		PrimarySize:   cfg.StorageSizePrimary,
		Exact:         cfg.StorageSizeExact,
		MemBufferSize: flags.memBuffer,
		PageSize:      pageSize,
		BlockSize:     blockSize,
		FreeRAM:       freeRAMHint(),
	}, int64(result.WorkCount)*blockSize, result.DevFreeMap)
	if err != nil {
		return fmt.Errorf("fstransform: storage planning: %w", err)
	}
	log.WithField("total_len", plan.TotalLen).WithField("primary_len", plan.PrimaryLen).Info("storage planned")

	storageMap, err := storage.Build(dev, result.DevFreeMap, blockSize, jd.StoragePath(), plan.PrimaryLen, plan.SecondaryLen, plan.MemBufferSize)
	if err != nil {
		return fmt.Errorf("fstransform: create storage: %w", err)
	}
	defer storageMap.Close()

	var ui uiface.UI = uiface.Noop{}
	if flags.metrics {
		prom, err := uiface.NewPrometheus(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("fstransform: register metrics: %w", err)
		}
		ui = prom
	}

	checkpointPath := jd.CheckpointPath()
	relocator := &relocate.Relocator{
		Device:    dev,
		Storage:   storageMap,
		BlockSize: blockSize,
		Simulate:  cfg.SimulateRun,
		UI:        ui,
	}
	if !cfg.SimulateRun {
		blockSizeLog2 := result.BlockSizeLog2
		relocator.Checkpoint = func(devMap *block.ExtentMap[uint64]) error {
			return jobdir.WriteCheckpoint(checkpointPath, blockSizeLog2, devMap)
		}
	}

	freeSeed := block.NewExtentMap[uint64]()
	for _, e := range result.DevFreeMap.Entries() {
		freeSeed.Insert(e.Physical, e.Physical, e.Length, block.TagNone)
	}

	if relocator.Checkpoint != nil {
		// best-effort initial checkpoint so a crash before the first step
		// still leaves a resumable marker; errors here are not fatal.
		if err := relocator.Checkpoint(result.DevMap); err != nil {
			log.WithError(err).Warn("initial checkpoint write failed")
		}
	}

	runErr := relocator.Run(result.DevMap, freeSeed)
	if runErr != nil {
		log.WithError(runErr).Error("relocation failed")
	} else {
		log.Info("relocation complete")
		_ = jobdir.RemoveCheckpoint(jd.Dir)
	}

	if clearErr := jd.Clear(jobdir.ClearPolicy(cfg.JobClear), runErr != nil, storageMap.SecondaryPath()); clearErr != nil {
		log.WithError(clearErr).Warn("job_clear failed")
	}

	if runErr == nil && cfg.UmountCmd != nil {
		if err := runUmount(cfg.UmountCmd); err != nil {
			log.WithError(err).Warn("umount_cmd failed")
		}
	}

	return runErr
}

func parseUmountCmd(spec string) *fconfig.UmountCmd {
	if spec == "" {
		return nil
	}
	parts := strings.Fields(spec)
	return &fconfig.UmountCmd{Path: parts[0], Args: parts[1:]}
}

func runUmount(cmd *fconfig.UmountCmd) error {
	return exec.Command(cmd.Path, cmd.Args...).Run()
}

func sameDevice(devPath, loopFilePath string) bool {
	devInfo, err1 := os.Stat(devPath)
	loopInfo, err2 := os.Stat(loopFilePath)
	if err1 != nil || err2 != nil {
		return false
	}
	return sameFilesystem(devInfo, loopInfo)
}

func isPrivileged() bool {
	if runtime.GOOS != "linux" {
		return true
	}
	u, err := user.Current()
	if err != nil {
		return false
	}
	uid, err := strconv.Atoi(u.Uid)
	return err == nil && uid == 0
}

func freeRAMHint() int64 {
	return 0 // unknown; storage.PlanStorage falls back to its own default
}
