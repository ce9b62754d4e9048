package cdp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTransportClosed is the rejection error for every command still pending
// when the persistent connection drops. Callers must resend on the new
// generation; the gateway never replays commands across a reconnect.
var ErrTransportClosed = errors.New("cdp: transport closed")

// ProtocolError is a command reply that carried an error payload. It is
// surfaced to the issuing caller only and never retried automatically.
type ProtocolError struct {
	Method  string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp: %s failed: %s", e.Method, e.Message)
}

// TargetNotFoundError means discovery answered but no target of the expected
// type exists. The discovered targets are carried for diagnostics.
type TargetNotFoundError struct {
	Type    string
	Targets []TargetInfo
}

func (e *TargetNotFoundError) Error() string {
	if len(e.Targets) == 0 {
		return fmt.Sprintf("cdp: no %q target found: endpoint reported no targets", e.Type)
	}
	descs := make([]string, 0, len(e.Targets))
	for _, t := range e.Targets {
		descs = append(descs, fmt.Sprintf("%s %q (%s)", t.Type, t.Title, t.URL))
	}
	return fmt.Sprintf("cdp: no %q target found among: %s", e.Type, strings.Join(descs, ", "))
}

// DiscoveryTimeoutError means the discovery endpoint never became reachable
// within the allotted window.
type DiscoveryTimeoutError struct {
	Port    int
	LastErr error
}

func (e *DiscoveryTimeoutError) Error() string {
	return fmt.Sprintf("cdp: discovery endpoint on port %d not reachable: %v", e.Port, e.LastErr)
}

func (e *DiscoveryTimeoutError) Unwrap() error {
	return e.LastErr
}

// ReconnectError aggregates a failed reconnect window, referencing the last
// underlying failure.
type ReconnectError struct {
	Port    int
	Elapsed string
	LastErr error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("cdp: reconnect to port %d failed after %s: %v", e.Port, e.Elapsed, e.LastErr)
}

func (e *ReconnectError) Unwrap() error {
	return e.LastErr
}
