// Package paths resolves the well-known filesystem locations shared by all
// gateway processes on one machine. Every process that wants to coordinate
// must derive the lock file path the same way, so the logic lives here and
// nowhere else.
package paths

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// AppDirName is the per-application directory created under the user cache dir.
const AppDirName = "cdp-gateway"

// DefaultLockFileName is the filename of the leader-election lock record.
const DefaultLockFileName = "gateway.lock"

// DefaultPortRangeMin is the lowest loopback port the Primary tries to bind.
const DefaultPortRangeMin = 9000

// DefaultPortRangeMax is the highest loopback port the Primary tries to bind.
const DefaultPortRangeMax = 9999

// CacheDir returns the per-application cache directory, creating it if
// needed. All cross-process state (the lock record) lives under it.
func CacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	dir := filepath.Join(base, AppDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	return dir, nil
}

// LockFilePath returns the well-known path of the leader-election lock record.
func LockFilePath() (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultLockFileName), nil
}

// FindAvailablePort finds an available loopback TCP port in [minPort, maxPort].
// It tries ports in ascending order and returns the first that can be bound.
func FindAvailablePort(minPort, maxPort int) (int, error) {
	if minPort > maxPort {
		return 0, fmt.Errorf("invalid port range: min (%d) > max (%d)", minPort, maxPort)
	}
	if minPort < 1 || maxPort > 65535 {
		return 0, fmt.Errorf("port range must be between 1 and 65535")
	}

	for port := minPort; port <= maxPort; port++ {
		if isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available port in range %d-%d", minPort, maxPort)
}

// isPortAvailable checks if a loopback TCP port is available for listening.
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
