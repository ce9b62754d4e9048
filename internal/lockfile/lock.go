// Package lockfile implements cross-process leader election over a single
// lock file. Exactly one process at a time holds the lock and becomes the
// Primary; everyone else observes the holder's record and falls back to
// proxying. Mutation is restricted to atomic create-exclusive and delete, so
// no advisory locking is needed around the file itself.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrContention is returned when acquisition fails twice in a row. Bounding
// the retry count keeps startup latency diagnosable instead of looping.
var ErrContention = errors.New("lock contention: acquisition failed after stale-lock retry")

// Lock is a held leader-election lock. The holder must call Release on clean
// shutdown; a crashed holder is reaped by the next challenger via the
// liveness probe.
type Lock struct {
	path string

	mu   sync.Mutex
	held bool
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Record returns the record this holder wrote at acquisition time.
func (l *Lock) Record() (Record, error) {
	return ReadRecord(l.path)
}

// Release deletes the lock record and gives up leadership.
// Safe to call multiple times; subsequent calls are no-ops.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Acquire attempts to become Primary by creating the lock record at path with
// create-exclusive semantics. Outcomes:
//
//   - (lock, nil, nil): this process is now Primary.
//   - (nil, record, nil): a live holder exists; the caller must become
//     Secondary and proxy to record.Port. The alive holder is never killed.
//   - (nil, nil, err): acquisition failed. ErrContention after the single
//     stale-lock retry, or an I/O error.
//
// A record whose holder is dead, corrupt, or left over from a previous
// partial run of this same process is deleted and acquisition retried exactly
// once more.
func Acquire(path string, candidatePort int) (*Lock, *Record, error) {
	for attempt := 0; attempt < 2; attempt++ {
		created, err := tryCreate(path, candidatePort)
		if err != nil {
			return nil, nil, err
		}
		if created {
			return &Lock{path: path, held: true}, nil, nil
		}

		rec, err := ReadRecord(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Holder released between our create attempt and read.
				continue
			}
			// Unreadable or corrupt record: treat as orphaned.
			if rmErr := removeLock(path); rmErr != nil {
				return nil, nil, rmErr
			}
			continue
		}

		if rec.PID == os.Getpid() {
			// Ours from a previous partial run in this same process.
			if rmErr := removeLock(path); rmErr != nil {
				return nil, nil, rmErr
			}
			continue
		}

		if ProcessAlive(rec.PID) {
			return nil, &rec, nil
		}

		// Recorded holder is dead: reap the stale record and retry once.
		if rmErr := removeLock(path); rmErr != nil {
			return nil, nil, rmErr
		}
	}

	return nil, nil, fmt.Errorf("%w (path %s)", ErrContention, path)
}

// tryCreate performs the atomic create-exclusive write of a fresh record.
// Returns (false, nil) when the file already exists.
//
// The record is written to a private temp file first and then linked into
// place. Creating the lock path directly and writing into it afterwards would
// let a concurrent challenger read an empty or partial record, judge it
// corrupt, and delete a lock we legitimately won. os.Link fails with EEXIST
// when someone else linked first, which preserves create-exclusive semantics.
func tryCreate(path string, candidatePort int) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("create lock file directory: %w", err)
	}

	rec := Record{
		PID:       os.Getpid(),
		Port:      candidatePort,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal lock record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return false, fmt.Errorf("create lock temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("write lock record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close lock temp file: %w", err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	return true, nil
}

func removeLock(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock file: %w", err)
	}
	return nil
}
