// Package queue implements the client's durable offline operation queue: a
// per-room FIFO of pending operations that survives a process restart by
// persisting through the storage.Store interface. A
// corrupted or stale entry is discarded at load time rather than causing the
// whole queue to fail to start.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/storage"
)

// MaxEntries is the maximum number of queued operations retained across all
// rooms. The oldest entry is dropped first once this bound is exceeded.
const MaxEntries = 1000

// DefaultMaxAge is the age past which Load discards an entry; PruneOld uses
// the maxAge it is given.
const DefaultMaxAge = 24 * time.Hour

// Entry is one pending operation bound for a specific room.
type Entry struct {
	RoomID    string
	Operation crdt.Operation
	QueuedAt  time.Time
}

// record is Entry's on-disk shape: the operation is stored through the same
// wire codec used on the network so a corrupted record fails to decode the
// same way a corrupted network message would.
type record struct {
	RoomID    string          `json:"room_id"`
	Operation json.RawMessage `json:"operation"`
	QueuedAt  float64         `json:"queued_at"`
}

// Queue is a per-client durable queue of pending operations, scoped by
// namespace within a storage.Store. It is safe for concurrent use, though
// the session engine only ever drives it from a single goroutine.
type Queue struct {
	mu       sync.Mutex
	store    storage.Store
	key      string
	entries  []Entry
	degraded bool
	log      *logrus.Logger
}

// Load constructs a Queue backed by store under the given namespace,
// replaying any previously persisted entries. Entries that fail structural
// validation or have aged past DefaultMaxAge are discarded; if any were
// dropped, the trimmed queue is written back immediately.
func Load(ctx context.Context, store storage.Store, namespace string, log *logrus.Logger) (*Queue, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	q := &Queue{store: store, key: "offlinequeue/" + namespace, log: log}

	blob, err := store.Load(ctx, q.key)
	if err != nil {
		if _, ok := err.(*storage.ErrNotFound); ok {
			return q, nil
		}
		log.WithError(err).Warn("queue: load failed, starting empty")
		q.degraded = true
		return q, nil
	}

	var records []record
	if err := json.Unmarshal(blob, &records); err != nil {
		log.WithError(err).Warn("queue: stored blob corrupted, discarding")
		q.persist(ctx)
		return q, nil
	}

	cutoff := time.Now().Add(-DefaultMaxAge)
	dropped := false
	for _, r := range records {
		op, err := crdt.Decode(r.Operation)
		if err != nil {
			log.WithError(err).Warn("queue: dropping corrupted entry")
			dropped = true
			continue
		}
		queuedAt := time.Unix(0, int64(r.QueuedAt*float64(time.Second)))
		if queuedAt.Before(cutoff) {
			dropped = true
			continue
		}
		q.entries = append(q.entries, Entry{RoomID: r.RoomID, Operation: op, QueuedAt: queuedAt})
	}
	if len(q.entries) > MaxEntries {
		q.entries = q.entries[len(q.entries)-MaxEntries:]
		dropped = true
	}
	if dropped {
		q.persist(ctx)
	}
	return q, nil
}

// Enqueue appends op for roomID, dropping the oldest entry first if the
// queue is at MaxEntries.
func (q *Queue) Enqueue(ctx context.Context, roomID string, op crdt.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, Entry{RoomID: roomID, Operation: op, QueuedAt: time.Now()})
	if len(q.entries) > MaxEntries {
		q.entries = q.entries[len(q.entries)-MaxEntries:]
	}
	q.persist(ctx)
}

// Peek returns a defensive copy of every queued entry for roomID, oldest
// first, without removing them.
func (q *Queue) Peek(roomID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.RoomID == roomID {
			out = append(out, e)
		}
	}
	return out
}

// PeekAll returns a defensive copy of every queued entry across all rooms,
// oldest first.
func (q *Queue) PeekAll() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Drain removes and returns every queued entry for roomID, oldest first.
func (q *Queue) Drain(ctx context.Context, roomID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []Entry
	var drained []Entry
	for _, e := range q.entries {
		if e.RoomID == roomID {
			drained = append(drained, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.persist(ctx)
	return drained
}

// DrainAll removes and returns every queued entry across all rooms, oldest
// first.
func (q *Queue) DrainAll(ctx context.Context) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.entries
	q.entries = nil
	q.persist(ctx)
	return drained
}

// Clear discards every queued entry for roomID without returning them.
func (q *Queue) Clear(ctx context.Context, roomID string) {
	q.Drain(ctx, roomID)
}

// ClearAll discards every queued entry across all rooms.
func (q *Queue) ClearAll(ctx context.Context) {
	q.DrainAll(ctx)
}

// Size returns the total number of queued entries across all rooms.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// SizeForRoom returns the number of queued entries for roomID.
func (q *Queue) SizeForRoom(roomID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.RoomID == roomID {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the queue holds no entries.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// PruneOld discards every entry older than maxAge, rewriting the persisted
// copy if anything was dropped.
func (q *Queue) PruneOld(ctx context.Context, maxAge time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var kept []Entry
	dropped := false
	for _, e := range q.entries {
		if e.QueuedAt.Before(cutoff) {
			dropped = true
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if dropped {
		q.persist(ctx)
	}
}

// persist writes the current entry set to the backing store. A failure is
// logged and non-fatal. An encode or marshal failure skips only this write;
// a store failure makes the queue operate purely in memory for the rest of
// its lifetime.
func (q *Queue) persist(ctx context.Context) {
	if q.degraded {
		return
	}
	records := make([]record, len(q.entries))
	for i, e := range q.entries {
		data, err := crdt.Encode(e.Operation)
		if err != nil {
			q.log.WithError(err).Error("queue: failed to encode entry, skipping persist")
			return
		}
		records[i] = record{
			RoomID:    e.RoomID,
			Operation: data,
			QueuedAt:  float64(e.QueuedAt.UnixNano()) / 1e9,
		}
	}
	blob, err := json.Marshal(records)
	if err != nil {
		q.log.WithError(err).Error("queue: failed to marshal queue, skipping persist")
		return
	}
	if err := q.store.Save(ctx, q.key, blob); err != nil {
		q.log.WithError(err).Warn("queue: persist failed, degrading to in-memory")
		q.degraded = true
	}
}
