package fconfig

import "testing"

func TestValidateDowngradesUnderForceRun(t *testing.T) {
	cfg := Config{ForceRun: true}
	findings := Validate(cfg, Inputs{})
	sawFatal := false
	for _, f := range findings {
		if f.Check != "storage_size" && f.Check != "umount_cmd" && f.Check != "job_id" && f.Severity == SeverityFatal {
			sawFatal = true
		}
	}
	if sawFatal {
		t.Fatalf("expected force_run to downgrade configuration findings to warnings, got %+v", findings)
	}
}

func TestValidateCapacityStaysFatalUnderForceRun(t *testing.T) {
	cfg := Config{ForceRun: true, StorageSizeTotal: 10, StorageSizePrimary: 20}
	findings := Validate(cfg, Inputs{DevPath: "/dev/sdx", LoopFilePath: "/mnt/loop", LoopFileSameDevice: true, RunningPrivileged: true})
	var got *Finding
	for i := range findings {
		if findings[i].Check == "storage_size" {
			got = &findings[i]
		}
	}
	if got == nil {
		t.Fatalf("expected a storage_size finding, got %+v", findings)
	}
	if got.Severity != SeverityFatal {
		t.Fatalf("expected storage_size to stay fatal under force_run, got %v", got.Severity)
	}
}

func TestValidateUmountCmdRejectsUnsafeChars(t *testing.T) {
	cfg := Config{
		UmountCmd: &UmountCmd{Path: "/bin/umount", Args: []string{"; rm -rf /"}},
	}
	findings := Validate(cfg, Inputs{DevPath: "/dev/sdx", LoopFilePath: "/mnt/loop", LoopFileSameDevice: true, RunningPrivileged: true})
	found := false
	for _, f := range findings {
		if f.Check == "umount_cmd" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected umount_cmd finding for an unsafe argument, got %+v", findings)
	}
}
