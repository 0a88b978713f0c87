package main

import (
	"os"
	"syscall"
)

// sameFilesystem reports whether loopInfo's file resides on the block
// special device devInfo names: loopInfo.Dev (the device the file's
// filesystem is mounted from) must equal devInfo.Rdev (the device node
// devInfo itself represents).
func sameFilesystem(devInfo, loopInfo os.FileInfo) bool {
	devStat, ok := devInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	loopStat, ok := loopInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return devStat.Rdev == loopStat.Dev
}
