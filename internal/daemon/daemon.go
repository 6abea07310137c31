// Package daemon implements the reporting pipeline: log tailers feeding
// the delivery queue feeding the backend reporter connection.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/servicestatus/agent/internal/domain"
	"github.com/servicestatus/agent/internal/infra"
	"github.com/servicestatus/agent/internal/statusline"
)

// Store is the persistence surface the daemon needs.
type Store interface {
	domain.ServiceStore
	domain.TailStateStore
}

// Config holds daemon timing and sizing parameters.
type Config struct {
	LogDir        string
	AgentLogName  string
	QueueCapacity int
	PollInterval  time.Duration
	ScanInterval  time.Duration
	DrainGrace    time.Duration
	AppVersion    string
}

// Daemon wires one tailer per registered service to the status line
// parser, the delivery queue, and the reporter connection. It owns the
// event loop and the shutdown sequence.
type Daemon struct {
	cfg       Config
	store     Store
	queue     *Queue
	reporter  *Reporter
	stateFile *infra.StateFile
	logger    *zap.Logger

	started time.Time

	mu      sync.Mutex
	tailers map[string]*runningTailer
}

type runningTailer struct {
	tailer *Tailer
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a daemon. The reporter is constructed by the caller so
// tests can point it at a local backend.
func New(cfg Config, store Store, queue *Queue, reporter *Reporter, stateFile *infra.StateFile, logger *zap.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		reporter:  reporter,
		stateFile: stateFile,
		logger:    logger,
		started:   time.Now(),
		tailers:   make(map[string]*runningTailer),
	}
}

// Run starts the pipeline and blocks until the context is canceled or a
// fatal condition (authentication rejection) occurs. On graceful
// shutdown the tailer intake stops first, then the queue gets a bounded
// best-effort flush through the current connection.
func (d *Daemon) Run(ctx context.Context, agentKey string) error {
	tailCtx, stopTailers := context.WithCancel(context.Background())
	defer stopTailers()

	reporterCtx, stopReporter := context.WithCancel(context.Background())
	defer stopReporter()

	// Reporter runs independently; a returned error is fatal.
	reporterErr := make(chan error, 1)
	go func() {
		reporterErr <- d.reporter.Run(reporterCtx, agentKey)
	}()

	if err := d.syncTailers(tailCtx, false); err != nil {
		d.logger.Error("initial service load failed", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("file watcher unavailable, falling back to polling", zap.Error(err))
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(d.cfg.LogDir); err != nil {
			d.logger.Warn("cannot watch log directory", zap.String("dir", d.cfg.LogDir), zap.Error(err))
		}
	}
	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	scanTicker := time.NewTicker(d.cfg.ScanInterval)
	defer scanTicker.Stop()

	stateTicker := time.NewTicker(5 * time.Second)
	defer stateTicker.Stop()
	d.writeState()
	defer d.clearState()

	d.logger.Info("daemon started", zap.Int("services", d.tailerCount()))

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(stopTailers, stopReporter, reporterErr)

		case err := <-reporterErr:
			// Only a fatal reporter condition ends Run early.
			stopTailers()
			return err

		case ev := <-watchEvents:
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.kickTailer(ev.Name)
			}

		case err := <-watchErrors:
			d.logger.Warn("file watcher error", zap.Error(err))

		case <-scanTicker.C:
			if err := d.syncTailers(tailCtx, true); err != nil {
				d.logger.Warn("service scan failed", zap.Error(err))
			}

		case <-stateTicker.C:
			d.writeState()
		}
	}
}

// shutdown drains the queue within the grace period, then stops the
// reporter regardless of residual queue contents. Best-effort flush, not
// a durability guarantee.
func (d *Daemon) shutdown(stopTailers, stopReporter context.CancelFunc, reporterErr chan error) error {
	d.logger.Info("shutting down", zap.Int("queued", d.queue.Len()))
	stopTailers()

	deadline := time.Now().Add(d.cfg.DrainGrace)
	for d.queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	stopReporter()
	<-reporterErr

	if remaining := d.queue.Len(); remaining > 0 {
		d.logger.Warn("undelivered events at shutdown", zap.Int("remaining", remaining))
	}
	return nil
}

// syncTailers reconciles running tailers with the registered services:
// new services get a tailer, removed services get theirs stopped.
// announce controls whether changes produce wire events; the initial
// load stays quiet because the handshake already carries the catalog.
func (d *Daemon) syncTailers(ctx context.Context, announce bool) error {
	records, err := d.store.ListServices()
	if err != nil {
		return err
	}

	current := make(map[string]domain.ServiceRecord, len(records))
	for _, rec := range records {
		current[rec.ID] = rec
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, rec := range current {
		if _, running := d.tailers[id]; running {
			continue
		}
		d.startTailerLocked(ctx, rec)
		if announce {
			d.logger.Info("service appeared", zap.String("service", id))
			d.reporter.AnnounceServiceAdded(rec)
		}
	}

	for id, rt := range d.tailers {
		if _, still := current[id]; still {
			continue
		}
		rt.cancel()
		<-rt.done
		delete(d.tailers, id)
		d.logger.Info("service removed, tailer stopped", zap.String("service", id))
		if announce {
			d.reporter.AnnounceServiceRemoved(id)
		}
	}

	return nil
}

// startTailerLocked launches the tailer goroutine for one service.
// Caller holds d.mu.
func (d *Daemon) startTailerLocked(ctx context.Context, rec domain.ServiceRecord) {
	initial, err := d.store.GetTailState(rec.ID)
	if err != nil {
		d.logger.Warn("failed to load tail state", zap.String("service", rec.ID), zap.Error(err))
	}

	id := rec.ID
	handle := func(line string) {
		event, ok := statusline.Parse(id, line)
		if !ok {
			d.logger.Warn("discarding malformed status line",
				zap.String("service", id),
				zap.String("line", line))
			return
		}
		d.queue.Enqueue(event)
	}

	tailer := NewTailer(rec.ID, rec.LogPath, initial, d.store, d.cfg.PollInterval, handle, d.logger)

	tctx, cancel := context.WithCancel(ctx)
	rt := &runningTailer{tailer: tailer, cancel: cancel, done: make(chan struct{})}
	d.tailers[rec.ID] = rt

	go func() {
		defer close(rt.done)
		tailer.Run(tctx)
	}()
}

// kickTailer routes a file change notification to the owning tailer.
func (d *Daemon) kickTailer(path string) {
	name := filepath.Base(path)
	if name == d.cfg.AgentLogName || !strings.HasSuffix(name, ".log") {
		// Never tail the daemon's own log.
		return
	}
	id := strings.TrimSuffix(name, ".log")

	d.mu.Lock()
	rt, ok := d.tailers[id]
	d.mu.Unlock()
	if ok {
		rt.tailer.Kick()
	}
}

func (d *Daemon) tailerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tailers)
}

// writeState publishes the daemon snapshot for the CLI status command.
func (d *Daemon) writeState() {
	state := domain.DaemonState{
		PID:        os.Getpid(),
		StartedAt:  d.started,
		ConnState:  d.reporter.State(),
		QueueDepth: d.queue.Len(),
		Dropped:    d.queue.Drops(),
		Services:   d.tailerCount(),
		AppVersion: d.cfg.AppVersion,
	}
	if err := d.stateFile.Write(state); err != nil {
		d.logger.Debug("failed to write state file", zap.Error(err))
	}
}

func (d *Daemon) clearState() {
	if err := d.stateFile.Clear(); err != nil {
		d.logger.Debug("failed to clear state file", zap.Error(err))
	}
}
