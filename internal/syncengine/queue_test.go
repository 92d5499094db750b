package syncengine

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestQueuePreservesEnqueueOrder(t *testing.T) {
	queue, err := NewWriteQueue(NewMemoryStore(), WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	keys := []string{"doc-a", "doc-b", "doc-a", "doc-c", "doc-b"}
	for i, key := range keys {
		if _, err := queue.Enqueue("document", key, []byte{byte('0' + i)}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	ops, err := queue.Drain()
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(ops) != len(keys) {
		t.Fatalf("expected %d operations, got %d", len(keys), len(ops))
	}
	for i, op := range ops {
		if op.ResourceKey != keys[i] {
			t.Fatalf("position %d: expected %s, got %s", i, keys[i], op.ResourceKey)
		}
		if string(op.Payload) != string([]byte{byte('0' + i)}) {
			t.Fatalf("position %d: unexpected payload %q", i, op.Payload)
		}
	}
}

func TestQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	queue, err := NewWriteQueue(store, WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	first, err := queue.Enqueue("document", "doc-1", []byte("one"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue("document", "doc-2", []byte("two")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	reopenedStore, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen store failed: %v", err)
	}
	reopened, err := NewWriteQueue(reopenedStore, WriteQueueOptions{})
	if err != nil {
		t.Fatalf("reopen queue failed: %v", err)
	}
	ops, err := reopened.Drain()
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(ops) != 2 || ops[0].ID != first.ID {
		t.Fatalf("expected 2 persisted operations starting with %s, got %+v", first.ID, ops)
	}

	// A post-reopen enqueue must not reuse a sequence number.
	third, err := reopened.Enqueue("document", "doc-3", []byte("three"))
	if err != nil {
		t.Fatalf("enqueue after reopen failed: %v", err)
	}
	if third.Seq <= ops[1].Seq {
		t.Fatalf("expected sequence to advance past %d, got %d", ops[1].Seq, third.Seq)
	}
}

func TestQueueResolveRemovesOperation(t *testing.T) {
	queue, err := NewWriteQueue(NewMemoryStore(), WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	op, err := queue.Enqueue("document", "doc-1", []byte("x"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Resolve(op.ID); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	count, err := queue.PendingCount()
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty queue, got %d", count)
	}
	if err := queue.Resolve(op.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double resolve, got %v", err)
	}
}

func TestQueueFlagsAtAttemptCeiling(t *testing.T) {
	queue, err := NewWriteQueue(NewMemoryStore(), WriteQueueOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	op, err := queue.Enqueue("document", "doc-1", []byte("x"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	cause := errors.New("connection refused")
	for attempt := 1; attempt <= 2; attempt++ {
		updated, err := queue.MarkFailed(op.ID, cause)
		if err != nil {
			t.Fatalf("mark failed %d: %v", attempt, err)
		}
		if updated.NeedsResolution {
			t.Fatalf("expected attempt %d to stay queued", attempt)
		}
	}
	updated, err := queue.MarkFailed(op.ID, cause)
	if err != nil {
		t.Fatalf("mark failed at ceiling: %v", err)
	}
	if !updated.NeedsResolution || updated.Attempts != 3 {
		t.Fatalf("expected flagged operation at ceiling, got %+v", updated)
	}
	if updated.LastError != "connection refused" {
		t.Fatalf("expected last error preserved, got %q", updated.LastError)
	}

	// Flagged operations leave the replay path but are never dropped.
	ops, err := queue.Drain()
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected flagged operation excluded from drain, got %d", len(ops))
	}
	flagged, err := queue.Flagged()
	if err != nil {
		t.Fatalf("flagged failed: %v", err)
	}
	if len(flagged) != 1 || flagged[0].ID != op.ID {
		t.Fatalf("expected flagged listing to keep the operation, got %+v", flagged)
	}
}

func TestQueueMarkTerminalFlagsImmediately(t *testing.T) {
	queue, err := NewWriteQueue(NewMemoryStore(), WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	op, err := queue.Enqueue("document", "doc-1", []byte("x"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	updated, err := queue.MarkTerminal(op.ID, errors.New("payload rejected"))
	if err != nil {
		t.Fatalf("mark terminal failed: %v", err)
	}
	if !updated.NeedsResolution || updated.Attempts != 1 {
		t.Fatalf("expected immediate flag, got %+v", updated)
	}
}

func TestQueueAbandonDiscardsFlaggedOperation(t *testing.T) {
	queue, err := NewWriteQueue(NewMemoryStore(), WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	op, err := queue.Enqueue("document", "doc-1", []byte("x"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := queue.MarkTerminal(op.ID, errors.New("rejected")); err != nil {
		t.Fatalf("mark terminal failed: %v", err)
	}
	if err := queue.Abandon(op.ID); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	flagged, err := queue.Flagged()
	if err != nil {
		t.Fatalf("flagged failed: %v", err)
	}
	if len(flagged) != 0 {
		t.Fatalf("expected abandoned operation gone, got %+v", flagged)
	}
}

func TestQueueEmptyDrainIsNoop(t *testing.T) {
	queue, err := NewWriteQueue(NewMemoryStore(), WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	ops, err := queue.Drain()
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected empty drain, got %d", len(ops))
	}
	if _, ok, err := queue.Peek(); ok || err != nil {
		t.Fatalf("expected empty peek, got ok=%v err=%v", ok, err)
	}
}

func TestQueueHasOperationsSeesFlaggedEntries(t *testing.T) {
	queue, err := NewWriteQueue(NewMemoryStore(), WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	op, err := queue.Enqueue("document", "doc-1", []byte("x"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if ok, err := queue.HasOperations("doc-1"); err != nil || !ok {
		t.Fatalf("expected doc-1 present, got ok=%v err=%v", ok, err)
	}
	if ok, err := queue.HasOperations("doc-2"); err != nil || ok {
		t.Fatalf("expected doc-2 absent, got ok=%v err=%v", ok, err)
	}

	if _, err := queue.MarkTerminal(op.ID, errors.New("rejected")); err != nil {
		t.Fatalf("mark terminal failed: %v", err)
	}
	if ok, err := queue.HasOperations("doc-1"); err != nil || !ok {
		t.Fatalf("expected the flagged operation still counted, got ok=%v err=%v", ok, err)
	}

	if err := queue.Abandon(op.ID); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	if ok, err := queue.HasOperations("doc-1"); err != nil || ok {
		t.Fatalf("expected doc-1 gone after abandon, got ok=%v err=%v", ok, err)
	}
}

func TestQueueRejectsBlankInput(t *testing.T) {
	queue, err := NewWriteQueue(NewMemoryStore(), WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if _, err := queue.Enqueue("", "doc-1", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank kind, got %v", err)
	}
	if _, err := queue.Enqueue("document", " ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank key, got %v", err)
	}
}
