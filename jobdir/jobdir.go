// Package jobdir implements JobDir: the per-run directory holding the
// log, resume markers, and SECONDARY-STORAGE file, plus the job id
// assignment and log-sink registration it owns.
package jobdir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/djherbis/times"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// flushingWriter wraps a file and flushes after every Write, the
// closest bufio.Writer gets to "line-buffered" without reimplementing
// line detection — logrus always emits one line per Write call anyway.
type flushingWriter struct {
	f  *os.File
	bw *bufio.Writer
	mu sync.Mutex
}

func newFlushingWriter(f *os.File) *flushingWriter {
	return &flushingWriter{f: f, bw: bufio.NewWriter(f)}
}

func (w *flushingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.bw.Write(p)
	if err == nil {
		err = w.bw.Flush()
	}
	return n, err
}

func (w *flushingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.bw.Flush()
	return w.f.Close()
}

// JobDir is one run's job directory: $ROOT/.fstransform/job.N.
type JobDir struct {
	Root   string
	ID     int
	Dir    string
	RunID  uuid.UUID
	Logger *logrus.Logger

	logWriter *flushingWriter
}

// jobRoot resolves $ROOT: the explicit root argument if non-empty,
// otherwise $HOME/.fstransform.
func jobRoot(root string) (string, error) {
	if root != "" {
		return filepath.Join(root, ".fstransform"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("jobdir: no root_dir given and $HOME is unavailable: %w", err)
	}
	return filepath.Join(home, ".fstransform"), nil
}

// New creates (or reuses, if forcedID != 0) a job directory under
// root's job root, registers its log file as the process log sink, and
// returns the JobDir. If forcedID is 0, ids job.1, job.2, … are tried in
// order until mkdir succeeds; a stale leftover directory from a crashed
// run that predates this process's own start is reclaimed automatically
// (see tryClaim).
func New(root string, forcedID int) (*JobDir, error) {
	base, err := jobRoot(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("jobdir: create job root %s: %w", base, err)
	}

	var id int
	var dir string
	if forcedID != 0 {
		id = forcedID
		dir = filepath.Join(base, jobName(id))
		if err := os.Mkdir(dir, 0o755); err != nil && !os.IsExist(err) {
			return nil, fmt.Errorf("jobdir: create forced job dir %s: %w", dir, err)
		}
	} else {
		id, dir, err = claimNextJobID(base)
		if err != nil {
			return nil, err
		}
	}

	logPath := filepath.Join(dir, "fstransform.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jobdir: open log %s: %w", logPath, err)
	}
	writer := newFlushingWriter(f)

	logger := logrus.New()
	logger.SetOutput(writer)
	logger.SetReportCaller(true)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	j := &JobDir{
		Root:      base,
		ID:        id,
		Dir:       dir,
		RunID:     uuid.New(),
		Logger:    logger,
		logWriter: writer,
	}
	j.Logger.WithField("run_id", j.RunID).Info("job directory opened")
	return j, nil
}

func jobName(id int) string { return fmt.Sprintf("job.%d", id) }

// claimNextJobID tries job.1, job.2, … until mkdir succeeds, reclaiming
// a stale directory (one whose birth time predates this process) in
// place of skipping past it.
func claimNextJobID(base string) (int, string, error) {
	for id := 1; ; id++ {
		dir := filepath.Join(base, jobName(id))
		if err := os.Mkdir(dir, 0o755); err == nil {
			return id, dir, nil
		} else if !os.IsExist(err) {
			return 0, "", fmt.Errorf("jobdir: create job dir %s: %w", dir, err)
		}
		if isStale(dir) {
			if err := os.RemoveAll(dir); err == nil {
				if err := os.Mkdir(dir, 0o755); err == nil {
					return id, dir, nil
				}
			}
		}
	}
}

// isStale reports whether dir's birth time predates this process's own
// start, which is this binary's best proxy for "a run older than me
// that never cleaned up after itself".
func isStale(dir string) bool {
	t, err := times.Stat(dir)
	if err != nil || !t.HasBirthTime() {
		return false
	}
	return t.BirthTime().Before(processStart)
}

var processStart = time.Now()

// Close unregisters the log sink and closes the log file.
func (j *JobDir) Close() error {
	if j.Logger != nil {
		j.Logger.WithField("run_id", j.RunID).Info("job directory closing")
	}
	if j.logWriter != nil {
		return j.logWriter.Close()
	}
	return nil
}

func (j *JobDir) StoragePath() string    { return filepath.Join(j.Dir, "storage.bin") }
func (j *JobDir) CheckpointPath() string { return filepath.Join(j.Dir, "resume.state") }
func (j *JobDir) LogPath() string        { return filepath.Join(j.Dir, "fstransform.log") }
