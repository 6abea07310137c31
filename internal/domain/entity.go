// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the fixed enumeration a service script may report.
type Status string

const (
	StatusOK      Status = "OK"
	StatusUpdate  Status = "UPDATE"
	StatusWarning Status = "WARNING"
	StatusFailure Status = "FAILURE"
	StatusError   Status = "ERROR"
	StatusUnknown Status = "UNKNOWN"
)

// ParseStatus matches a raw token case-sensitively against the enumeration.
// Unrecognized tokens map to StatusUnknown; ok reports whether the token matched.
func ParseStatus(token string) (status Status, ok bool) {
	switch Status(token) {
	case StatusOK, StatusUpdate, StatusWarning, StatusFailure, StatusError, StatusUnknown:
		return Status(token), true
	}
	return StatusUnknown, false
}

// DefaultTimeoutSeconds applies when a manifest omits the timeout field.
const DefaultTimeoutSeconds = 20

// ServiceManifest is the validated metadata extracted from a script header.
// Values are only constructed by the manifest validator; a manifest that
// exists is a manifest whose fields are within bounds.
type ServiceManifest struct {
	Name           string
	Description    string
	Version        string
	Schedule       string
	TimeoutSeconds int
}

// ID derives the stable service identifier from the manifest name.
func (m ServiceManifest) ID() string {
	return ServiceID(m.Name)
}

// ServiceID derives a service id from a raw name: lowercase, spaces
// replaced with underscores. The id is the join key across registry, log
// path, and delivery events and is never regenerated mid-lifecycle.
func ServiceID(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

// ServiceRecord is one installed monitoring script: its manifest plus the
// absolute paths of the installed script and its log file.
type ServiceRecord struct {
	ID         string
	Manifest   ServiceManifest
	ScriptPath string
	LogPath    string
	Enabled    bool
}

// TailState tracks how far into a service's log file the tailer has read.
// Identity detects truncation/rotation/recreation; on mismatch the offset
// is reset to 0 and the file is re-read from the start.
type TailState struct {
	Offset   int64
	Identity FileIdentity
}

// FileIdentity distinguishes a log file across rotation and recreation.
type FileIdentity struct {
	Device uint64
	Inode  uint64
}

// StatusEvent is one parsed status line, keyed by service id. Timestamp is
// the script's reported time, not the daemon's wall clock.
type StatusEvent struct {
	ServiceID string
	Timestamp string
	Status    Status
	Message   string
}

// ConnState is the reporter connection lifecycle state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnBackoff      ConnState = "backoff"
)

// DaemonState is a snapshot of the running daemon, persisted so the CLI
// status command can inspect a daemon it does not share a process with.
type DaemonState struct {
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	ConnState  ConnState `json:"conn_state"`
	QueueDepth int       `json:"queue_depth"`
	Dropped    uint64    `json:"dropped"`
	Services   int       `json:"services"`
	AppVersion string    `json:"app_version,omitempty"`
}

// Registry and store errors.
var (
	ErrNotFound         = errors.New("service not found")
	ErrDuplicateService = errors.New("service already installed")
)

// ManifestParseError indicates a script contains no recognizable manifest
// block at all. It is fatal to the add operation, not to the daemon.
type ManifestParseError struct {
	Reason string
}

func (e *ManifestParseError) Error() string {
	return "manifest parse: " + e.Reason
}

// ValidationError reports one violated manifest field. Validation returns
// every violation, combined, so callers can report all of them at once.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError indicates the backend rejected the agent credential during the
// handshake. Unlike transient network failures it is not retried: the
// daemon exits non-zero.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication rejected: " + e.Reason
}
