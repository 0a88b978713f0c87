package jobdir

import (
	"fmt"
	"os"
)

// ClearPolicy is the job_clear option controlling what a run leaves
// behind in its job directory once it finishes.
type ClearPolicy string

const (
	ClearAuto    ClearPolicy = "auto"
	ClearAll     ClearPolicy = "all"
	ClearMinimal ClearPolicy = "minimal"
	ClearNone    ClearPolicy = "none"
)

// Clear applies policy to j's directory once a run ends. ranInError
// only matters for ClearAuto, which behaves as ClearMinimal on a clean
// run and ClearNone (leave everything for postmortem) when the run
// ended in error.
func (j *JobDir) Clear(policy ClearPolicy, ranInError bool, secondaryPath string) error {
	resolved := policy
	if resolved == ClearAuto {
		if ranInError {
			resolved = ClearNone
		} else {
			resolved = ClearMinimal
		}
	}

	switch resolved {
	case ClearNone:
		return nil
	case ClearMinimal:
		var firstErr error
		if secondaryPath != "" {
			if err := os.Remove(secondaryPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = fmt.Errorf("jobdir: clear minimal: remove %s: %w", secondaryPath, err)
			}
		}
		if err := RemoveCheckpoint(j.Dir); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	case ClearAll:
		if err := j.Close(); err != nil {
			return fmt.Errorf("jobdir: clear all: close: %w", err)
		}
		if err := os.RemoveAll(j.Dir); err != nil {
			return fmt.Errorf("jobdir: clear all: remove %s: %w", j.Dir, err)
		}
		return nil
	default:
		return fmt.Errorf("jobdir: unknown clear policy %q", policy)
	}
}
