package syncengine

import (
	"path/filepath"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Put("k1", []byte("v1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	payload, ok, err := store.Get("k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(payload) != "v1" {
		t.Fatalf("unexpected payload %q", payload)
	}

	if err := store.Put("k1", []byte("v2")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	payload, _, err = store.Get("k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(payload) != "v2" {
		t.Fatalf("expected upserted payload, got %q", payload)
	}

	if err := store.Delete("k1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get("k1"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	if err := store.Put("queue:op:0000000001", []byte("op")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	payload, ok, err := reopened.Get("queue:op:0000000001")
	if err != nil || !ok {
		t.Fatalf("expected persisted entry, got ok=%v err=%v", ok, err)
	}
	if string(payload) != "op" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestSQLiteStoreListByPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	for _, key := range []string{"queue:op:0000000002", "queue:op:0000000001", "cache:api:v1:x"} {
		if err := store.Put(key, []byte(key)); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	entries, err := store.ListByPrefix("queue:op:")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Key != "queue:op:0000000001" || entries[1].Key != "queue:op:0000000002" {
		t.Fatalf("expected ascending key order, got %+v", entries)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := map[string]string{
		"queue:op:": "queue:op;",
		"a":         "b",
	}
	for prefix, want := range cases {
		if got := prefixUpperBound(prefix); got != want {
			t.Fatalf("prefixUpperBound(%q): expected %q, got %q", prefix, want, got)
		}
	}
	if got := prefixUpperBound(""); got <= "z" {
		t.Fatalf("expected the empty-prefix bound above all printable keys, got %q", got)
	}
}
