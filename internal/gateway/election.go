// Package gateway glues leader election to serving: the elected Primary owns
// the CDP connection and exposes it on a loopback endpoint; everyone else
// learns the Primary's port and proxies to it.
package gateway

import (
	"fmt"

	"pkt.systems/pslog"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/lockfile"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/paths"
)

// Role is the outcome of leader election for this process.
type Role struct {
	// Primary is true when this process holds the lock and must own the CDP
	// connection.
	Primary bool

	// Lock is the held election lock. Set only when Primary.
	Lock *lockfile.Lock

	// Holder is the alive Primary's record. Set only when Secondary.
	Holder *lockfile.Record

	// Port is this process's chosen listen port when Primary, or the
	// holder's recorded port when Secondary.
	Port int
}

// Elect runs leader election against lockPath. CandidatePort 0 means
// auto-pick: the first free port in the gateway range is chosen before
// acquisition, so the recorded port is always concrete.
//
// An alive holder is never killed; the caller must fall back to proxy mode.
func Elect(lockPath string, candidatePort int, log pslog.Logger) (*Role, error) {
	if candidatePort == 0 {
		port, err := paths.FindAvailablePort(paths.DefaultPortRangeMin, paths.DefaultPortRangeMax)
		if err != nil {
			return nil, fmt.Errorf("pick listen port: %w", err)
		}
		candidatePort = port
	}

	lock, existing, err := lockfile.Acquire(lockPath, candidatePort)
	if err != nil {
		return nil, err
	}

	if lock != nil {
		log.Info("elected primary", "port", candidatePort, "lock", lockPath)
		return &Role{Primary: true, Lock: lock, Port: candidatePort}, nil
	}

	log.Info("existing primary is alive, becoming secondary",
		"holderPid", existing.PID,
		"holderPort", existing.Port)
	return &Role{Primary: false, Holder: existing, Port: existing.Port}, nil
}
