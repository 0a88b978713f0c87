// Package fconfig is the configuration bundle the outer driver
// populates and hands to the engine, plus validation that downgrades
// individual checks to warnings rather than offering one blanket
// "skip checks" flag.
package fconfig

import (
	"fmt"

	"github.com/elliotwutingfeng/asciiset"
)

// ClearPolicy mirrors jobdir.ClearPolicy; duplicated as a string type
// here (rather than importing jobdir) so fconfig stays a leaf package
// the CLI can depend on without pulling in the whole engine.
type ClearPolicy string

const (
	ClearAuto    ClearPolicy = "auto"
	ClearAll     ClearPolicy = "all"
	ClearMinimal ClearPolicy = "minimal"
	ClearNone    ClearPolicy = "none"
)

// UmountCmd is the optional command run to unmount the device at the
// end of a run.
type UmountCmd struct {
	Path string
	Args []string
}

// Config is the engine's configuration bundle.
type Config struct {
	RootDir     string
	JobID       int
	ForceRun    bool
	SimulateRun bool

	StorageSizeTotal   int64
	StorageSizePrimary int64
	StorageSizeExact   bool

	JobClear  ClearPolicy
	UmountCmd *UmountCmd
}

// Severity classifies a Finding as fatal or a warning.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "FATAL"
	}
	return "WARN"
}

// Finding is one configuration check's result.
type Finding struct {
	Check    string
	Severity Severity
	Err      error
}

// Inputs bundles the facts Validate checks the Config against; gathered
// by the outer driver's external collaborators, not by fconfig itself.
type Inputs struct {
	DevPath, LoopFilePath   string
	DevLength, LoopFileLen  int64
	LoopFileSameDevice      bool
	RunningPrivileged       bool
}

// Validate runs the engine's configuration checks. Each check that
// would normally be fatal is downgraded to a warning when cfg.ForceRun
// is set, one check at a time rather than through a single global
// bypass: force_run never downgrades a capacity error, which stays
// fatal unconditionally.
func Validate(cfg Config, in Inputs) []Finding {
	var findings []Finding
	fail := func(check string, err error) {
		sev := SeverityFatal
		if cfg.ForceRun {
			sev = SeverityWarning
		}
		findings = append(findings, Finding{Check: check, Severity: sev, Err: err})
	}

	if in.DevPath == "" {
		fail("device_path", fmt.Errorf("fconfig: no device path given"))
	}
	if in.LoopFilePath == "" {
		fail("loop_file_path", fmt.Errorf("fconfig: no LOOP-FILE path given"))
	}
	if in.LoopFileLen > in.DevLength {
		fail("loop_file_fits", fmt.Errorf("fconfig: LOOP-FILE length %d exceeds device length %d", in.LoopFileLen, in.DevLength))
	}
	if !in.LoopFileSameDevice {
		fail("loop_file_same_device", fmt.Errorf("fconfig: LOOP-FILE is not on the target device"))
	}
	if !in.RunningPrivileged {
		fail("privileges", fmt.Errorf("fconfig: not running with sufficient privileges to open a block device"))
	}

	if err := validateStorageSize(cfg); err != nil {
		// Capacity-class: always fatal, never downgraded by force_run.
		findings = append(findings, Finding{Check: "storage_size", Severity: SeverityFatal, Err: err})
	}
	if err := validateUmountCmd(cfg.UmountCmd); err != nil {
		findings = append(findings, Finding{Check: "umount_cmd", Severity: SeverityFatal, Err: err})
	}
	if err := validateJobID(cfg.JobID); err != nil {
		findings = append(findings, Finding{Check: "job_id", Severity: SeverityFatal, Err: err})
	}

	return findings
}

func validateStorageSize(cfg Config) error {
	if cfg.StorageSizeTotal < 0 || cfg.StorageSizePrimary < 0 {
		return fmt.Errorf("fconfig: storage sizes must not be negative")
	}
	if cfg.StorageSizePrimary > cfg.StorageSizeTotal && cfg.StorageSizeTotal != 0 {
		return fmt.Errorf("fconfig: primary storage size %d exceeds total %d", cfg.StorageSizePrimary, cfg.StorageSizeTotal)
	}
	return nil
}

// safeTokenChars are the characters allowed in umount_cmd arguments and
// a forced job id: letters, digits, and a short list of path-safe
// punctuation. Anything outside this set is rejected outright rather
// than escaped, so a malicious or malformed argument never reaches
// exec.Command.
const safeTokenChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789/_.-:=,"

var safeTokenSet, safeTokenSetOK = asciiset.MakeASCIISet(safeTokenChars)

func validateToken(tok string) error {
	if !safeTokenSetOK {
		return fmt.Errorf("fconfig: internal error: could not build safe token character set")
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c > 127 || !safeTokenSet.Contains(c) {
			return fmt.Errorf("fconfig: token %q contains a disallowed character %q", tok, string(c))
		}
	}
	return nil
}

func validateUmountCmd(cmd *UmountCmd) error {
	if cmd == nil {
		return nil
	}
	if err := validateToken(cmd.Path); err != nil {
		return fmt.Errorf("umount_cmd path: %w", err)
	}
	for _, a := range cmd.Args {
		if err := validateToken(a); err != nil {
			return fmt.Errorf("umount_cmd arg: %w", err)
		}
	}
	return nil
}

func validateJobID(id int) error {
	if id < 0 {
		return fmt.Errorf("fconfig: job_id must not be negative, got %d", id)
	}
	return nil
}
