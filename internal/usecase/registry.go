// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/servicestatus/agent/internal/domain"
	"github.com/servicestatus/agent/internal/manifest"
)

// LogPather maps a service id to its log file location.
type LogPather interface {
	ServiceLogPath(id string) string
}

// Registry orchestrates the service catalog: parsing and validating
// scripts, installing them, wiring the external scheduler, and keeping
// the persistent record in sync.
type Registry struct {
	store     domain.ServiceStore
	tailStore domain.TailStateStore
	installer domain.Installer
	scheduler domain.Scheduler
	paths     LogPather
	logger    *zap.Logger
}

// NewRegistry creates a service registry.
func NewRegistry(
	store domain.ServiceStore,
	tailStore domain.TailStateStore,
	installer domain.Installer,
	scheduler domain.Scheduler,
	paths LogPather,
	logger *zap.Logger,
) *Registry {
	return &Registry{
		store:     store,
		tailStore: tailStore,
		installer: installer,
		scheduler: scheduler,
		paths:     paths,
		logger:    logger,
	}
}

// AddOptions controls Add behavior.
type AddOptions struct {
	// Update allows replacing an already installed service with the
	// same id instead of failing with ErrDuplicateService.
	Update bool

	// StartNow enables the timer and triggers an immediate run after
	// installation.
	StartNow bool
}

// Add validates a script, installs it, and registers it with the
// scheduler. Parse and validation failures abort the operation before
// anything touches the filesystem.
func (r *Registry) Add(ctx context.Context, scriptPath string, opts AddOptions) (*domain.ServiceRecord, error) {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	raw, err := manifest.Parse(string(content))
	if err != nil {
		return nil, err
	}

	m, err := manifest.Validate(raw, r.scheduler.ValidateExpression)
	if err != nil {
		return nil, err
	}

	id := m.ID()
	existing, err := r.store.GetService(id)
	if err != nil && err != domain.ErrNotFound {
		return nil, err
	}
	if existing != nil && !opts.Update {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateService, id)
	}

	installedPath, err := r.installer.Install(id, content)
	if err != nil {
		return nil, fmt.Errorf("install script: %w", err)
	}

	rec := domain.ServiceRecord{
		ID:         id,
		Manifest:   m,
		ScriptPath: installedPath,
		LogPath:    r.paths.ServiceLogPath(id),
	}

	if err := r.scheduler.Install(ctx, rec); err != nil {
		return nil, fmt.Errorf("install scheduler units: %w", err)
	}

	if opts.StartNow {
		if err := r.scheduler.Enable(ctx, id); err != nil {
			return nil, fmt.Errorf("enable service: %w", err)
		}
		rec.Enabled = true
		if err := r.scheduler.RunNow(ctx, id); err != nil {
			r.logger.Warn("immediate run failed", zap.String("service", id), zap.Error(err))
		}
	} else if existing != nil {
		rec.Enabled = existing.Enabled
	}

	if err := r.store.PutService(rec); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}

	r.logger.Info("service added",
		zap.String("service", id),
		zap.String("version", m.Version),
		zap.Bool("update", existing != nil))
	return &rec, nil
}

// Remove completely removes a service: scheduler units, installed
// script, persistent record, and tail checkpoint. The daemon notices the
// removal on its next registry scan and stops the service's tailer.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if _, err := r.store.GetService(id); err != nil {
		return err
	}

	if err := r.scheduler.Disable(ctx, id); err != nil {
		// The timer may already be inactive.
		r.logger.Debug("disable during removal failed", zap.String("service", id), zap.Error(err))
	}
	if err := r.scheduler.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove scheduler units: %w", err)
	}
	if err := r.installer.Remove(id); err != nil {
		return fmt.Errorf("remove script: %w", err)
	}
	if err := r.store.DeleteService(id); err != nil {
		return err
	}
	if err := r.tailStore.DeleteTailState(id); err != nil {
		r.logger.Warn("failed to drop tail state", zap.String("service", id), zap.Error(err))
	}

	r.logger.Info("service removed", zap.String("service", id))
	return nil
}

// Enable activates a service's timer and records the new state.
func (r *Registry) Enable(ctx context.Context, id string) error {
	return r.setEnabled(ctx, id, true)
}

// Disable deactivates a service's timer and records the new state.
func (r *Registry) Disable(ctx context.Context, id string) error {
	return r.setEnabled(ctx, id, false)
}

func (r *Registry) setEnabled(ctx context.Context, id string, enabled bool) error {
	rec, err := r.store.GetService(id)
	if err != nil {
		return err
	}

	if enabled {
		err = r.scheduler.Enable(ctx, id)
	} else {
		err = r.scheduler.Disable(ctx, id)
	}
	if err != nil {
		return err
	}

	rec.Enabled = enabled
	return r.store.PutService(*rec)
}

// RunNow triggers an immediate one-shot run of a registered service.
func (r *Registry) RunNow(ctx context.Context, id string) error {
	if _, err := r.store.GetService(id); err != nil {
		return err
	}
	return r.scheduler.RunNow(ctx, id)
}

// List returns all registered services in stable id order.
func (r *Registry) List() ([]domain.ServiceRecord, error) {
	return r.store.ListServices()
}

// Get returns the record for id, or domain.ErrNotFound.
func (r *Registry) Get(id string) (*domain.ServiceRecord, error) {
	return r.store.GetService(id)
}
