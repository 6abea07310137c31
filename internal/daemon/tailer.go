package daemon

import (
	"bytes"
	"context"
	"io"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/servicestatus/agent/internal/domain"
)

// Tailer incrementally reads one service's log file, emitting newly
// appended complete lines exactly once for a stable file. The byte offset
// advances only past fully terminated lines; a partial final line stays
// unconsumed until its terminator arrives. File identity (device+inode)
// is compared before every read: rotation, recreation, or in-place
// truncation resets the offset to 0 and re-reads from the start, trading
// possible duplicate emission for never silently skipping data.
//
// Reads are triggered by file-change notification (Kick) with a poll
// ticker as fallback. I/O errors are soft: logged and retried on the
// next trigger, never fatal to the daemon.
type Tailer struct {
	serviceID string
	path      string
	state     domain.TailState
	store     domain.TailStateStore
	poll      time.Duration
	handle    func(line string)
	logger    *zap.Logger

	kick chan struct{}
}

// NewTailer creates a tailer for one service. initial may be nil when no
// checkpoint exists yet. handle receives each complete line, in file
// order, before the offset advances past it.
func NewTailer(
	serviceID, path string,
	initial *domain.TailState,
	store domain.TailStateStore,
	poll time.Duration,
	handle func(line string),
	logger *zap.Logger,
) *Tailer {
	t := &Tailer{
		serviceID: serviceID,
		path:      path,
		store:     store,
		poll:      poll,
		handle:    handle,
		logger:    logger.With(zap.String("service", serviceID)),
		kick:      make(chan struct{}, 1),
	}
	if initial != nil {
		t.state = *initial
	}
	return t
}

// Kick schedules a read without blocking; used by the file watcher.
func (t *Tailer) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Run drives the tailer until the context is canceled. Stopping one
// tailer has no effect on others: in-flight data for the service simply
// stops at its last emitted line.
func (t *Tailer) Run(ctx context.Context) {
	// Catch up with anything written while the daemon was down.
	t.read()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
			t.read()
		case <-ticker.C:
			t.read()
		}
	}
}

// read consumes newly appended complete lines and checkpoints the offset.
func (t *Tailer) read() {
	fi, err := os.Stat(t.path)
	if err != nil {
		// File temporarily missing; retry on the next trigger.
		return
	}

	identity := fileIdentity(fi)
	if identity != t.state.Identity || fi.Size() < t.state.Offset {
		if t.state.Identity != (domain.FileIdentity{}) {
			t.logger.Info("log file rotated or truncated, re-reading from start")
		}
		t.state.Offset = 0
		t.state.Identity = identity
	}

	if fi.Size() == t.state.Offset {
		return
	}

	f, err := os.Open(t.path)
	if err != nil {
		t.logger.Debug("open log failed", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Seek(t.state.Offset, io.SeekStart); err != nil {
		t.logger.Debug("seek failed", zap.Error(err))
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		t.logger.Debug("read failed", zap.Error(err))
		return
	}

	consumed := int64(0)
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			// Trailing partial line: leave it for the next read.
			break
		}
		line := string(bytes.TrimRight(data[consumed:consumed+int64(idx)], "\r"))
		consumed += int64(idx) + 1

		if line != "" {
			t.handle(line)
		}
		// Advance only after the line was handed to the next stage.
		t.state.Offset += int64(idx) + 1
	}

	if consumed > 0 {
		if err := t.store.PutTailState(t.serviceID, t.state); err != nil {
			t.logger.Warn("failed to checkpoint tail state", zap.Error(err))
		}
	}
}

// fileIdentity extracts the device and inode identifying the underlying
// file object across renames.
func fileIdentity(fi os.FileInfo) domain.FileIdentity {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return domain.FileIdentity{
			Device: uint64(st.Dev),
			Inode:  uint64(st.Ino),
		}
	}
	return domain.FileIdentity{}
}
