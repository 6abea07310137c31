package domain

import "context"

// ServiceStore persists installed service records.
// Implementation: SQLCipher-encrypted SQLite database.
type ServiceStore interface {
	// PutService inserts or replaces a record keyed by its id.
	PutService(rec ServiceRecord) error

	// GetService returns the record for id, or ErrNotFound.
	GetService(id string) (*ServiceRecord, error)

	// DeleteService removes the record for id, or ErrNotFound.
	DeleteService(id string) error

	// ListServices returns all records in ascending id order.
	ListServices() ([]ServiceRecord, error)
}

// TailStateStore checkpoints per-service tail offsets so a restarted
// daemon resumes without re-emitting already delivered lines.
type TailStateStore interface {
	// GetTailState returns the saved state for a service, or nil if none.
	GetTailState(serviceID string) (*TailState, error)

	// PutTailState saves the state for a service.
	PutTailState(serviceID string, state TailState) error

	// DeleteTailState drops the state when a service is removed.
	DeleteTailState(serviceID string) error
}

// CredentialStore holds the opaque agent key issued during registration.
type CredentialStore interface {
	// AgentKey returns the stored credential, or empty string if the
	// agent has not been registered.
	AgentKey() (string, error)

	// SetAgentKey persists a new credential.
	SetAgentKey(key string) error

	// ClearAgentKey removes the credential.
	ClearAgentKey() error
}

// Scheduler is the external process scheduler that runs installed scripts.
// Implementation: systemd timer units driven via systemctl.
type Scheduler interface {
	// ValidateExpression reports whether expr is syntactically valid in
	// the scheduler's expression grammar. The core never interprets the
	// expression itself.
	ValidateExpression(expr string) bool

	// Install renders and places the scheduler units for a service.
	Install(ctx context.Context, rec ServiceRecord) error

	// Remove deletes the scheduler units for a service.
	Remove(ctx context.Context, id string) error

	// Enable activates the service's timer.
	Enable(ctx context.Context, id string) error

	// Disable deactivates the service's timer.
	Disable(ctx context.Context, id string) error

	// RunNow triggers a one-shot run of the service.
	RunNow(ctx context.Context, id string) error

	// IsEnabled reports whether the service's timer is active.
	IsEnabled(ctx context.Context, id string) bool
}

// Installer places accepted scripts into the managed scripts directory
// with correct ownership and permissions.
type Installer interface {
	// Install copies the script content to the managed location for id
	// and returns the installed absolute path.
	Install(id string, content []byte) (string, error)

	// Remove deletes the installed script for id.
	Remove(id string) error
}

// ProcessManager handles OS process liveness checks.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}
