package daemon

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/servicestatus/agent/internal/domain"
)

// memTailStore is an in-memory TailStateStore for tests.
type memTailStore struct {
	mu     sync.Mutex
	states map[string]domain.TailState
}

func newMemTailStore() *memTailStore {
	return &memTailStore{states: make(map[string]domain.TailState)}
}

func (s *memTailStore) GetTailState(serviceID string) (*domain.TailState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[serviceID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *memTailStore) PutTailState(serviceID string, state domain.TailState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[serviceID] = state
	return nil
}

func (s *memTailStore) DeleteTailState(serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, serviceID)
	return nil
}

var _ domain.TailStateStore = (*memTailStore)(nil)

type tailerHarness struct {
	tailer *Tailer
	store  *memTailStore
	path   string

	mu    sync.Mutex
	lines []string
}

func newTailerHarness(t *testing.T, initial *domain.TailState) *tailerHarness {
	t.Helper()

	h := &tailerHarness{
		store: newMemTailStore(),
		path:  filepath.Join(t.TempDir(), "api_health.log"),
	}
	h.tailer = NewTailer(
		"api_health", h.path, initial, h.store, time.Minute,
		func(line string) {
			h.mu.Lock()
			h.lines = append(h.lines, line)
			h.mu.Unlock()
		},
		zap.NewNop(),
	)
	return h
}

func (h *tailerHarness) append(t *testing.T, data string) {
	t.Helper()
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func (h *tailerHarness) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func TestTailer_EmitsCompleteLinesOnce(t *testing.T) {
	h := newTailerHarness(t, nil)
	h.append(t, "first, OK, one\nsecond, OK, two\n")

	h.tailer.read()
	assert.Equal(t, []string{"first, OK, one", "second, OK, two"}, h.seen())

	// A second pass over unchanged content emits nothing new.
	h.tailer.read()
	assert.Equal(t, []string{"first, OK, one", "second, OK, two"}, h.seen())
}

func TestTailer_PartialLineWaitsForTerminator(t *testing.T) {
	h := newTailerHarness(t, nil)
	h.append(t, "complete, OK, done\npartial, OK, in prog")

	h.tailer.read()
	assert.Equal(t, []string{"complete, OK, done"}, h.seen())

	h.append(t, "ress\n")
	h.tailer.read()
	assert.Equal(t, []string{"complete, OK, done", "partial, OK, in progress"}, h.seen())
}

func TestTailer_SkipsBlankLinesAndTrimsCR(t *testing.T) {
	h := newTailerHarness(t, nil)
	h.append(t, "one, OK, a\r\n\ntwo, OK, b\n")

	h.tailer.read()
	assert.Equal(t, []string{"one, OK, a", "two, OK, b"}, h.seen())
}

func TestTailer_ResumesFromCheckpoint(t *testing.T) {
	h := newTailerHarness(t, nil)
	h.append(t, "old, OK, a\n")
	h.tailer.read()
	require.Equal(t, []string{"old, OK, a"}, h.seen())

	saved, err := h.store.GetTailState("api_health")
	require.NoError(t, err)
	require.NotNil(t, saved)

	// A fresh tailer starting from the checkpoint skips delivered lines.
	resumed := NewTailer(
		"api_health", h.path, saved, h.store, time.Minute,
		func(line string) {
			h.mu.Lock()
			h.lines = append(h.lines, line)
			h.mu.Unlock()
		},
		zap.NewNop(),
	)
	h.append(t, "new, OK, b\n")
	resumed.read()

	assert.Equal(t, []string{"old, OK, a", "new, OK, b"}, h.seen())
}

func TestTailer_RotationResetsOffset(t *testing.T) {
	h := newTailerHarness(t, nil)
	h.append(t, "before, OK, rotation\n")
	h.tailer.read()
	require.Len(t, h.seen(), 1)

	// Rotate: the path now points at a different file object.
	require.NoError(t, os.Rename(h.path, h.path+".1"))
	h.append(t, "after, OK, rotation\n")

	h.tailer.read()
	assert.Equal(t, []string{"before, OK, rotation", "after, OK, rotation"}, h.seen())
}

func TestTailer_TruncationRereadsFromStart(t *testing.T) {
	h := newTailerHarness(t, nil)
	h.append(t, "long line that will be truncated away, OK, x\n")
	h.tailer.read()
	require.Len(t, h.seen(), 1)

	// In-place truncation keeps the identity but shrinks the file.
	require.NoError(t, os.Truncate(h.path, 0))
	h.append(t, "fresh, OK, y\n")

	h.tailer.read()
	assert.Equal(t, "fresh, OK, y", h.seen()[1])
}

func TestTailer_MissingFileIsSoft(t *testing.T) {
	h := newTailerHarness(t, nil)

	// No file yet; read is a no-op.
	h.tailer.read()
	assert.Empty(t, h.seen())

	h.append(t, "late, OK, arrival\n")
	h.tailer.read()
	assert.Equal(t, []string{"late, OK, arrival"}, h.seen())
}
