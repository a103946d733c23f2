package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/internal/testutil"
	"collabkit.dev/collabkit/storage"
)

func mustOp(t *testing.T, origin string, path []string, v jsonvalue.Value) crdt.Operation {
	t.Helper()
	op, err := crdt.NewSetOperation(origin, path, v)
	if err != nil {
		t.Fatalf("NewSetOperation: %v", err)
	}
	return op
}

func TestEnqueueDrain(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	q, err := Load(ctx, store, "client-1", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	op := mustOp(t, "a", []string{"x"}, jsonvalue.Number(1))
	q.Enqueue(ctx, "room-1", op)

	if q.Size() != 1 {
		t.Fatalf("Size = %d, want 1", q.Size())
	}
	if q.IsEmpty() {
		t.Fatal("IsEmpty true after enqueue")
	}

	drained := q.Drain(ctx, "room-1")
	if len(drained) != 1 || drained[0].Operation.ID != op.ID {
		t.Fatalf("Drain = %+v", drained)
	}
	if !q.IsEmpty() {
		t.Fatal("queue not empty after drain")
	}
}

func TestBoundedQueueDropsOldest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	q, err := Load(ctx, store, "client-1", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var first crdt.Operation
	for i := 0; i < MaxEntries+1; i++ {
		op := mustOp(t, "a", []string{"x"}, jsonvalue.Number(float64(i)))
		if i == 0 {
			first = op
		}
		q.Enqueue(ctx, "room-1", op)
	}

	if q.Size() != MaxEntries {
		t.Fatalf("Size = %d, want %d", q.Size(), MaxEntries)
	}
	for _, e := range q.PeekAll() {
		if e.Operation.ID == first.ID {
			t.Fatal("oldest entry should have been dropped")
		}
	}
}

func TestLoadDropsCorruptedEntries(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	good := mustOp(t, "a", []string{"x"}, jsonvalue.Number(1))
	goodData, err := crdt.Encode(good)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	records := []record{
		{RoomID: "room-1", Operation: goodData, QueuedAt: float64(time.Now().UnixNano()) / 1e9},
		{RoomID: "room-1", Operation: json.RawMessage(`{"not":"an operation"}`), QueuedAt: float64(time.Now().UnixNano()) / 1e9},
		{RoomID: "room-1", Operation: goodData, QueuedAt: float64(time.Now().Add(-48 * time.Hour).UnixNano()) / 1e9},
	}
	blob, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := store.Save(ctx, "offlinequeue/client-1", blob); err != nil {
		t.Fatalf("Save: %v", err)
	}

	q, err := Load(ctx, store, "client-1", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("Size = %d, want 1 (corrupted and stale entries dropped)", q.Size())
	}
}

func TestPruneOld(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	q, err := Load(ctx, store, "client-1", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	op := mustOp(t, "a", []string{"x"}, jsonvalue.Number(1))
	q.Enqueue(ctx, "room-1", op)
	q.entries[0].QueuedAt = time.Now().Add(-48 * time.Hour)

	q.PruneOld(ctx, DefaultMaxAge)
	if !q.IsEmpty() {
		t.Fatal("expected PruneOld to drop the stale entry")
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	sb := testutil.NewSandbox(t)
	store, err := storage.NewDir(sb.Path("queue"))
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}

	q, err := Load(ctx, store, "client-1", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	first := mustOp(t, "a", []string{"x"}, jsonvalue.Number(1))
	second := mustOp(t, "a", []string{"y"}, jsonvalue.Number(2))
	q.Enqueue(ctx, "room-1", first)
	q.Enqueue(ctx, "room-2", second)

	// A fresh Queue over the same directory replays what the first one
	// persisted, in enqueue order.
	restarted, err := Load(ctx, store, "client-1", nil)
	if err != nil {
		t.Fatalf("Load after restart: %v", err)
	}
	entries := restarted.PeekAll()
	if len(entries) != 2 {
		t.Fatalf("restarted queue size = %d, want 2", len(entries))
	}
	if entries[0].Operation.ID != first.ID || entries[1].Operation.ID != second.ID {
		t.Fatalf("restart reordered entries: %+v", entries)
	}
}

func TestSizeForRoom(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	q, err := Load(ctx, store, "client-1", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	q.Enqueue(ctx, "room-1", mustOp(t, "a", []string{"x"}, jsonvalue.Number(1)))
	q.Enqueue(ctx, "room-2", mustOp(t, "a", []string{"y"}, jsonvalue.Number(2)))
	q.Enqueue(ctx, "room-1", mustOp(t, "a", []string{"z"}, jsonvalue.Number(3)))

	if n := q.SizeForRoom("room-1"); n != 2 {
		t.Fatalf("SizeForRoom(room-1) = %d, want 2", n)
	}
	if n := q.SizeForRoom("room-2"); n != 1 {
		t.Fatalf("SizeForRoom(room-2) = %d, want 1", n)
	}
}
