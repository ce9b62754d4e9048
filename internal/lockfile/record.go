package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Record is the lock state persisted at the well-known lock path. Its
// existence on disk is the only source of truth for who is Primary.
type Record struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// ReadRecord reads a lock record from path.
// Supports both JSON format (new) and plain integer format (old) for
// backward compatibility with lock files written by earlier releases.
func ReadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from the app cache directory
	if err != nil {
		// Return error without wrapping to preserve os.IsNotExist check
		return Record{}, err
	}

	// Try JSON format first
	var rec Record
	if err := json.Unmarshal(data, &rec); err == nil && rec.PID > 0 {
		return rec, nil
	}

	// Fall back to plain integer format for backward compatibility
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("invalid lock record format: %q", pidStr)
	}

	return Record{PID: pid}, nil
}

// ProbeExisting reads the current lock record without attempting acquisition.
// Returns (nil, nil) when no record exists.
func ProbeExisting(path string) (*Record, error) {
	rec, err := ReadRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
