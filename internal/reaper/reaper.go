// Package reaper finds and terminates sibling gateway processes: other
// instances of this same executable left behind by crashed supervisors.
// It exists for the explicit cleanup command only; election never kills.
package reaper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"
)

// gracePeriod is how long a sibling gets to exit on SIGTERM before SIGKILL.
const gracePeriod = 2 * time.Second

// candidate is one enumerated process, reduced to what the filter needs.
type candidate struct {
	pid  int32
	name string
}

// shouldReap decides whether a candidate is a sibling to terminate. The
// current process and its parent are never siblings: killing the parent
// would orphan us mid-cleanup.
func shouldReap(c candidate, selfName string, selfPID, parentPID int32) bool {
	if c.name == "" || c.name != selfName {
		return false
	}
	return c.pid != selfPID && c.pid != parentPID
}

// KillSiblings terminates every other running instance of this executable.
// It returns the number of siblings identified, not the number confirmed
// dead: a sibling exiting on its own mid-reap is success, not an error.
func KillSiblings(ctx context.Context, log pslog.Logger) (int, error) {
	if log == nil {
		log = pslog.NoopLogger()
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	selfName := filepath.Base(exe)
	selfPID := int32(os.Getpid())
	parentPID := int32(os.Getppid())

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}

	var siblings []*process.Process
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Raced with process exit, or not ours to inspect.
			continue
		}
		if shouldReap(candidate{pid: p.Pid, name: name}, selfName, selfPID, parentPID) {
			siblings = append(siblings, p)
		}
	}

	if len(siblings) == 0 {
		return 0, nil
	}

	for _, p := range siblings {
		log.Info("terminating sibling", "pid", p.Pid)
		if err := p.TerminateWithContext(ctx); err != nil {
			log.Warn("terminate failed", "pid", p.Pid, "error", err)
		}
	}

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !anyRunning(ctx, siblings) {
			return len(siblings), nil
		}
		select {
		case <-ctx.Done():
			return len(siblings), ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	for _, p := range siblings {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			continue
		}
		log.Warn("sibling ignored SIGTERM, killing", "pid", p.Pid)
		_ = p.KillWithContext(ctx)
	}
	return len(siblings), nil
}

func anyRunning(ctx context.Context, procs []*process.Process) bool {
	for _, p := range procs {
		running, err := p.IsRunningWithContext(ctx)
		if err == nil && running {
			return true
		}
	}
	return false
}
