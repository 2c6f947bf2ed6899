// In-memory Store implementation, selected with OPSGATE_STORE=memory.
// Meant for local development and tests. Given a data directory it snapshots
// the journal to a JSON file, so restarts keep both the records and the ID
// counter.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/opsgate/opsgate/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the on-disk shape. The counter travels with the records so a
// reloaded journal never hands out an ID it already used.
type snapshot struct {
	NextID     int64                       `json:"next_id"`
	Operations map[int64]*models.Operation `json:"operations"`
	Sessions   map[string]*models.Session  `json:"sessions"`
}

// MemoryStore keeps the journal in maps behind a single RWMutex.
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64 // last assigned operation ID
	operations map[int64]*models.Operation
	sessions   map[string]*models.Session

	snapshotPath string        // empty disables persistence
	saveMu       sync.Mutex    // serializes file writes
	saveCh       chan struct{} // coalesces save requests
	doneCh       chan struct{} // closed on Close
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an ephemeral store. A non-empty dataDir turns on
// snapshotting: state is reloaded from there on startup and flushed back on
// writes and Close.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		operations: make(map[int64]*models.Operation),
		sessions:   make(map[string]*models.Session),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "journal.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Data dir unavailable, running without snapshots")
			m.snapshotPath = ""
		}
	}
	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store ready")
	return m
}

// requestSave nudges the background writer without ever blocking the
// caller. Bursts of writes collapse into a single flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default: // a flush is already queued
	}
}

// saveLoop flushes at most one snapshot per half second.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

// saveSnapshot writes the whole journal through a tmp file and rename, so a
// crash mid-write never leaves a torn snapshot behind.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		NextID:     m.nextID,
		Operations: m.operations,
		Sessions:   m.sessions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Snapshot marshal failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Snapshot write failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Snapshot rename failed")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot restores state written by an earlier process. Unreadable or
// corrupt snapshots log and leave the store empty rather than aborting.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot yet, journal starts empty")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Snapshot unreadable, journal starts empty")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Snapshot corrupt, journal starts empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Operations != nil {
		m.operations = snap.Operations
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	m.nextID = snap.NextID
	// Guard against snapshots written before next_id was tracked: IDs must
	// keep increasing even if the counter was lost.
	for id := range m.operations {
		if id > m.nextID {
			m.nextID = id
		}
	}

	log.Info().
		Int("operations", len(m.operations)).
		Int("sessions", len(m.sessions)).
		Int64("next_id", m.nextID).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the background writer and flushes one final snapshot so
// nothing the debounce window held back is lost. Closing twice is harmless.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Operation Store ─────────────────────────────────────────

func (m *MemoryStore) CreateOperation(_ context.Context, op *models.Operation) error {
	m.mu.Lock()
	m.nextID++
	now := time.Now().UTC()
	copy := *op
	copy.ID = m.nextID
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = now
	}
	copy.UpdatedAt = copy.CreatedAt
	m.operations[copy.ID] = &copy
	m.mu.Unlock()
	m.requestSave()

	*op = copy
	return nil
}

func (m *MemoryStore) GetOperation(_ context.Context, id int64) (*models.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "operation", Key: strconv.FormatInt(id, 10)}
	}
	copy := *op
	return &copy, nil
}

func (m *MemoryStore) ListOperations(_ context.Context, filter OperationFilter) ([]models.Operation, error) {
	m.mu.RLock()
	var result []models.Operation
	for _, op := range m.operations {
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		if filter.SinceID > 0 && op.ID <= filter.SinceID {
			continue
		}
		result = append(result, *op)
	}
	m.mu.RUnlock()

	// Newest first
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) TransitionOperation(_ context.Context, id int64, from, to models.OperationStatus, update func(*models.Operation)) (*models.Operation, error) {
	if !models.ValidTransition(from, to) {
		return nil, fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	m.mu.Lock()
	op, ok := m.operations[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "operation", Key: strconv.FormatInt(id, 10)}
	}
	if op.Status != from {
		current := op.Status
		m.mu.Unlock()
		return nil, &ErrStatusConflict{ID: id, Current: current, Want: from}
	}

	copy := *op
	if update != nil {
		update(&copy)
	}
	copy.Status = to
	copy.UpdatedAt = time.Now().UTC()
	m.operations[id] = &copy
	m.mu.Unlock()
	m.requestSave()

	result := copy
	return &result, nil
}

func (m *MemoryStore) PruneOperations(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	var pruned int64
	for id, op := range m.operations {
		if op.Status.Terminal() && op.UpdatedAt.Before(cutoff) {
			delete(m.operations, id)
			pruned++
		}
	}
	m.mu.Unlock()

	if pruned > 0 {
		m.requestSave()
	}
	return pruned, nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	copy := *s
	return &copy, nil
}

func (m *MemoryStore) PutSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	copy := *session
	now := time.Now().UTC()
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = now
	}
	copy.UpdatedAt = now
	m.sessions[copy.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}
