package chatclient

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/pkg/protocol"
)

// QueuedMessage is one not-yet-sent outbound message awaiting a live
// connection.
type QueuedMessage struct {
	Payload    protocol.Envelope `json:"payload"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt int64             `json:"enqueuedAt"` // epoch milliseconds UTC
}

// QueueStore is the durable backing for the offline queue. The whole queue
// is written as a single document on every mutation and read back on
// startup, mirroring a browser-local storage model.
type QueueStore interface {
	Load() ([]QueuedMessage, error)
	Save(entries []QueuedMessage) error
}

// FileQueueStore persists the queue as one JSON file, written atomically
// via a temp file and rename.
type FileQueueStore struct {
	path string
}

// NewFileQueueStore creates a store writing to path.
func NewFileQueueStore(path string) *FileQueueStore {
	return &FileQueueStore{path: path}
}

// Load reads the queue document. A missing file is an empty queue.
func (s *FileQueueStore) Load() ([]QueuedMessage, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}

	var entries []QueuedMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode offline queue: %w", err)
	}
	return entries, nil
}

// Save rewrites the queue document.
func (s *FileQueueStore) Save(entries []QueuedMessage) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".queue-*")
	if err != nil {
		return fmt.Errorf("save offline queue: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save offline queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save offline queue: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save offline queue: %w", err)
	}
	return nil
}

// MemQueueStore is an in-memory QueueStore for tests and callers that opt
// out of durability.
type MemQueueStore struct {
	mu      sync.Mutex
	entries []QueuedMessage
}

// Load implements QueueStore.
func (s *MemQueueStore) Load() ([]QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedMessage(nil), s.entries...), nil
}

// Save implements QueueStore.
func (s *MemQueueStore) Save(entries []QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]QueuedMessage(nil), entries...)
	return nil
}

// OfflineQueue is the bounded, time-limited buffer of outbound messages
// written while no connection is open. Queueing is best-effort: entries
// beyond the cap or past the age limit are silently dropped on every
// load/save cycle, never surfaced as caller errors.
type OfflineQueue struct {
	store  QueueStore
	clock  domain.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries []QueuedMessage
}

// NewOfflineQueue creates a queue backed by store, loading and age-filtering
// any persisted entries.
func NewOfflineQueue(store QueueStore, clock domain.Clock, logger *slog.Logger) *OfflineQueue {
	q := &OfflineQueue{store: store, clock: clock, logger: logger}

	entries, err := store.Load()
	if err != nil {
		// A corrupt or unreadable document costs the queued backlog, not
		// the client.
		logger.Warn("offline queue load failed, starting empty", slog.String("error", err.Error()))
		entries = nil
	}
	q.entries = q.filterPersistable(entries)
	return q
}

// Enqueue appends an envelope to the back of the queue and returns the new
// length. Transient signals (heartbeats, typing) are never queued; they
// are dropped and the current length is returned.
func (q *OfflineQueue) Enqueue(e *protocol.Envelope) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.Type.Transient() {
		return len(q.entries)
	}

	q.entries = append(q.entries, QueuedMessage{
		Payload:    *e,
		EnqueuedAt: domain.NowUTCMillis(q.clock),
	})
	q.persistLocked()
	return len(q.entries)
}

// PopFront removes and returns the oldest entry.
func (q *OfflineQueue) PopFront() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return QueuedMessage{}, false
	}
	head := q.entries[0]
	q.entries = append([]QueuedMessage(nil), q.entries[1:]...)
	q.persistLocked()
	return head, true
}

// PushFront returns a failed entry to the head of the queue, preserving
// FIFO order for the next flush cycle.
func (q *OfflineQueue) PushFront(m QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append([]QueuedMessage{m}, q.entries...)
	q.persistLocked()
}

// Len returns the number of queued entries.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// persistLocked serializes the filtered queue. Only chat messages survive
// persistence; the in-memory queue may briefly hold other kinds, but they
// never outlive the process.
func (q *OfflineQueue) persistLocked() {
	if err := q.store.Save(q.filterPersistable(q.entries)); err != nil {
		q.logger.Warn("offline queue save failed", slog.String("error", err.Error()))
	}
}

// filterPersistable applies the eligibility rules used on every load/save
// cycle: chat messages only, younger than the age limit, capped to the most
// recent entries.
func (q *OfflineQueue) filterPersistable(entries []QueuedMessage) []QueuedMessage {
	cutoff := q.clock.Now().UTC().Add(-domain.OfflineQueueMaxAge)

	kept := make([]QueuedMessage, 0, len(entries))
	for _, m := range entries {
		if m.Payload.Type != protocol.KindChatMessage {
			continue
		}
		if domain.FromMillis(m.EnqueuedAt).Before(cutoff) {
			continue
		}
		kept = append(kept, m)
	}

	if len(kept) > domain.OfflineQueueCap {
		kept = kept[len(kept)-domain.OfflineQueueCap:]
	}
	return kept
}
