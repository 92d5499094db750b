package syncengine

import (
	"testing"
	"time"
)

func newTestSession(t *testing.T, remote RemoteStore, online bool, debounce time.Duration) (*DocumentSession, *WriteQueue, *CacheManager, LocalStore, *ConnectivitySignal) {
	t.Helper()
	store := NewMemoryStore()
	queue, err := NewWriteQueue(store, WriteQueueOptions{})
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	cache, err := NewCacheManager(store)
	if err != nil {
		t.Fatalf("new cache manager failed: %v", err)
	}
	connectivity := NewConnectivitySignal(online)
	session, err := NewDocumentSession("document", DocumentResourceKey("p1", "f1"), remote, queue, cache, store, connectivity, DocumentSessionOptions{
		Debounce: debounce,
	})
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	return session, queue, cache, store, connectivity
}

func TestEditorOnlineSaveCycle(t *testing.T) {
	remote := newFakeRemote()
	session, queue, cache, _, _ := newTestSession(t, remote, true, 20*time.Millisecond)
	if session.Status() != StatusSaved {
		t.Fatalf("expected a fresh session to start saved, got %s", session.Status())
	}

	session.SetContent([]byte("draft"))
	if session.Status() != StatusUnsaved {
		t.Fatalf("expected unsaved right after an edit, got %s", session.Status())
	}

	waitFor(t, 2*time.Second, "debounced save to land", func() bool {
		return session.Status() == StatusSaved
	})
	if calls := remote.callsForKey(session.ResourceKey()); len(calls) != 1 {
		t.Fatalf("expected one save call, got %v", calls)
	}
	count, err := queue.PendingCount()
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing queued for an online save, got %d", count)
	}
	entry, ok, _ := cache.Get(TierAPI, ResourceCacheKey(session.ResourceKey()))
	if !ok || string(entry.Payload) != "draft" {
		t.Fatalf("expected the saved content cached, got ok=%v %q", ok, entry.Payload)
	}
}

func TestEditorDebounceCollapsesBursts(t *testing.T) {
	remote := newFakeRemote()
	session, _, _, _, _ := newTestSession(t, remote, true, 50*time.Millisecond)

	session.SetContent([]byte("v1"))
	session.SetContent([]byte("v2"))
	session.SetContent([]byte("v3"))

	waitFor(t, 2*time.Second, "debounced save to land", func() bool {
		return session.Status() == StatusSaved
	})
	calls := remote.callsForKey(session.ResourceKey())
	if len(calls) != 1 {
		t.Fatalf("expected the burst collapsed into one save, got %v", calls)
	}
	if calls[0] != "update "+session.ResourceKey()+" v3" {
		t.Fatalf("expected the final content saved, got %q", calls[0])
	}
}

func TestEditorOfflineSaveQueuesAndKeepsRecoveryCopy(t *testing.T) {
	remote := newFakeRemote()
	session, queue, _, _, _ := newTestSession(t, remote, false, 20*time.Millisecond)

	session.SetContent([]byte("offline draft"))
	waitFor(t, 2*time.Second, "offline status", func() bool {
		return session.Status() == StatusOffline
	})

	if len(remote.callsForKey(session.ResourceKey())) != 0 {
		t.Fatalf("expected no network attempt while offline")
	}
	recovered, ok, err := session.RecoveredContent()
	if err != nil || !ok {
		t.Fatalf("expected a recovery copy, got ok=%v err=%v", ok, err)
	}
	if string(recovered) != "offline draft" {
		t.Fatalf("expected the recovery copy to match the content, got %q", recovered)
	}
	ops, err := queue.Drain()
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(ops) != 1 || ops[0].ResourceKey != session.ResourceKey() {
		t.Fatalf("expected one queued save, got %+v", ops)
	}
	if string(ops[0].Payload) != "offline draft" {
		t.Fatalf("expected the content queued, got %q", ops[0].Payload)
	}
}

func TestEditorFailedSaveFallsBackToOfflinePath(t *testing.T) {
	remote := newFakeRemote()
	remote.failures[DocumentResourceKey("p1", "f1")] = 10
	session, queue, _, _, _ := newTestSession(t, remote, true, 20*time.Millisecond)

	session.SetContent([]byte("doomed save"))
	waitFor(t, 2*time.Second, "offline status after a failed save", func() bool {
		return session.Status() == StatusOffline
	})
	count, err := queue.PendingCount()
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the failed save queued, got %d", count)
	}
	if _, ok, _ := session.RecoveredContent(); !ok {
		t.Fatalf("expected a recovery copy after a failed save")
	}
}

func TestEditorMarkSyncedClearsOfflineState(t *testing.T) {
	remote := newFakeRemote()
	session, _, _, store, _ := newTestSession(t, remote, false, 20*time.Millisecond)
	session.SetContent([]byte("draft"))
	waitFor(t, 2*time.Second, "offline status", func() bool {
		return session.Status() == StatusOffline
	})

	statuses := make(chan SaveStatus, 4)
	unsubscribe := session.OnStatusChange(func(status SaveStatus) {
		statuses <- status
	})
	defer unsubscribe()

	session.MarkSynced()
	if session.Status() != StatusSaved {
		t.Fatalf("expected saved after sync, got %s", session.Status())
	}
	if _, ok, _ := store.Get(recoveryKeyPrefix + session.ResourceKey()); ok {
		t.Fatalf("expected the recovery copy cleared after sync")
	}
	// The sync surfaces as saving then saved, not a jump straight to saved.
	for _, want := range []SaveStatus{StatusSaving, StatusSaved} {
		select {
		case status := <-statuses:
			if status != want {
				t.Fatalf("expected %s, got %s", want, status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEditorFlushSavesImmediately(t *testing.T) {
	remote := newFakeRemote()
	session, _, _, _, _ := newTestSession(t, remote, true, time.Hour)

	session.SetContent([]byte("flush me"))
	session.Flush()
	waitFor(t, 2*time.Second, "flushed save", func() bool {
		return session.Status() == StatusSaved
	})
	if calls := remote.callsForKey(session.ResourceKey()); len(calls) != 1 {
		t.Fatalf("expected one flushed save, got %v", calls)
	}
}

func TestEditorStatusSubscription(t *testing.T) {
	remote := newFakeRemote()
	session, _, _, _, _ := newTestSession(t, remote, true, 20*time.Millisecond)

	statuses := make(chan SaveStatus, 8)
	unsubscribe := session.OnStatusChange(func(status SaveStatus) {
		statuses <- status
	})
	defer unsubscribe()

	session.SetContent([]byte("draft"))
	var seen []SaveStatus
	deadline := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != StatusSaved {
		select {
		case status := <-statuses:
			seen = append(seen, status)
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	// Transitions arrive in the order they happened, never reordered.
	want := []SaveStatus{StatusUnsaved, StatusSaving, StatusSaved}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, saw %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d out of order: expected %v, saw %v", i, want, seen)
		}
	}
}

func TestEditorCloseFlushesPendingEdit(t *testing.T) {
	remote := newFakeRemote()
	session, _, _, _, _ := newTestSession(t, remote, true, time.Hour)
	session.SetContent([]byte("closing"))
	session.Close()
	if calls := remote.callsForKey(session.ResourceKey()); len(calls) != 1 {
		t.Fatalf("expected the pending edit saved on close, got %v", calls)
	}
	if session.Status() != StatusSaved {
		t.Fatalf("expected saved after close, got %s", session.Status())
	}
}

func TestEditorClearRecovery(t *testing.T) {
	remote := newFakeRemote()
	session, _, _, _, _ := newTestSession(t, remote, false, 20*time.Millisecond)
	session.SetContent([]byte("draft"))
	waitFor(t, 2*time.Second, "offline status", func() bool {
		return session.Status() == StatusOffline
	})
	if err := session.ClearRecovery(); err != nil {
		t.Fatalf("clear recovery failed: %v", err)
	}
	if _, ok, _ := session.RecoveredContent(); ok {
		t.Fatalf("expected recovery copy discarded")
	}
}
