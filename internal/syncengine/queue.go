package syncengine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedOperation is one durably recorded mutation awaiting replay. It is
// destroyed only by a successful replay (Resolve) or an explicit Abandon;
// failures keep it queued or flag it for manual resolution, never drop it.
type QueuedOperation struct {
	ID              string    `json:"id"`
	Seq             uint64    `json:"seq"`
	Verb            string    `json:"verb"`
	ResourceKind    string    `json:"resourceKind"`
	ResourceKey     string    `json:"resourceKey"`
	Payload         []byte    `json:"payload"`
	CreatedAt       time.Time `json:"createdAt"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"lastError,omitempty"`
	NeedsResolution bool      `json:"needsResolution,omitempty"`
}

const (
	VerbCreate = "create"
	VerbUpdate = "update"
)

const (
	queueOpPrefix  = "queue:op:"
	queueSeqKey    = "queue:seq"
	defaultZeroPad = 16
)

type WriteQueueOptions struct {
	// MaxAttempts is the ceiling after which a repeatedly failing operation
	// is flagged for manual resolution instead of retried.
	MaxAttempts int
}

// WriteQueue records mutations durably in the LocalStore under a
// sequence-ordered key space, so a prefix scan returns enqueue order and the
// queue survives a reload mid-flight.
type WriteQueue struct {
	store       LocalStore
	maxAttempts int

	mu      sync.Mutex
	seq     uint64
	keyByID map[string]string
}

func NewWriteQueue(store LocalStore, opts WriteQueueOptions) (*WriteQueue, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	q := &WriteQueue{
		store:       store,
		maxAttempts: maxAttempts,
		keyByID:     map[string]string{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *WriteQueue) load() error {
	if data, ok, err := q.store.Get(queueSeqKey); err != nil {
		return err
	} else if ok {
		if _, err := fmt.Sscanf(string(data), "%d", &q.seq); err != nil {
			return fmt.Errorf("corrupt queue sequence: %w", err)
		}
	}
	entries, err := q.store.ListByPrefix(queueOpPrefix)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var op QueuedOperation
		if err := json.Unmarshal(entry.Payload, &op); err != nil {
			return fmt.Errorf("corrupt queued operation at %s: %w", entry.Key, err)
		}
		q.keyByID[op.ID] = entry.Key
		if op.Seq > q.seq {
			q.seq = op.Seq
		}
	}
	return nil
}

func storeKeyForSeq(seq uint64) string {
	return fmt.Sprintf("%s%0*d", queueOpPrefix, defaultZeroPad, seq)
}

// Enqueue durably records an update mutation. It fails only if the
// LocalStore itself cannot take the write; there is no tier below this one,
// so that failure is surfaced as-is for the caller to show synchronously.
func (q *WriteQueue) Enqueue(resourceKind, resourceKey string, payload []byte) (QueuedOperation, error) {
	return q.enqueue(VerbUpdate, resourceKind, resourceKey, payload)
}

// EnqueueCreate records a create mutation, replayed with RemoteStore.Create.
func (q *WriteQueue) EnqueueCreate(resourceKind, resourceKey string, payload []byte) (QueuedOperation, error) {
	return q.enqueue(VerbCreate, resourceKind, resourceKey, payload)
}

func (q *WriteQueue) enqueue(verb, resourceKind, resourceKey string, payload []byte) (QueuedOperation, error) {
	if strings.TrimSpace(resourceKind) == "" || strings.TrimSpace(resourceKey) == "" {
		return QueuedOperation{}, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.seq + 1
	op := QueuedOperation{
		ID:           uuid.NewString(),
		Seq:          seq,
		Verb:         verb,
		ResourceKind: resourceKind,
		ResourceKey:  resourceKey,
		Payload:      append([]byte(nil), payload...),
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(op)
	if err != nil {
		return QueuedOperation{}, err
	}
	storeKey := storeKeyForSeq(seq)
	if err := q.store.Put(storeKey, data); err != nil {
		return QueuedOperation{}, err
	}
	if err := q.store.Put(queueSeqKey, []byte(fmt.Sprintf("%d", seq))); err != nil {
		_ = q.store.Delete(storeKey)
		return QueuedOperation{}, err
	}
	q.seq = seq
	q.keyByID[op.ID] = storeKey
	return op, nil
}

// Drain snapshots the unresolved, unflagged operations in enqueue order.
// Restartable: a partial failure leaves the remainder in place and a later
// Drain re-yields them in the same order.
func (q *WriteQueue) Drain() ([]QueuedOperation, error) {
	entries, err := q.store.ListByPrefix(queueOpPrefix)
	if err != nil {
		return nil, err
	}
	ops := make([]QueuedOperation, 0, len(entries))
	for _, entry := range entries {
		var op QueuedOperation
		if err := json.Unmarshal(entry.Payload, &op); err != nil {
			return nil, fmt.Errorf("corrupt queued operation at %s: %w", entry.Key, err)
		}
		if op.NeedsResolution {
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Peek returns the oldest pending operation without removing it.
func (q *WriteQueue) Peek() (QueuedOperation, bool, error) {
	ops, err := q.Drain()
	if err != nil {
		return QueuedOperation{}, false, err
	}
	if len(ops) == 0 {
		return QueuedOperation{}, false, nil
	}
	return ops[0], true, nil
}

// Resolve removes an operation after the remote store acknowledged its
// replay.
func (q *WriteQueue) Resolve(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	storeKey, ok := q.keyByID[id]
	if !ok {
		return ErrNotFound
	}
	if err := q.store.Delete(storeKey); err != nil {
		return err
	}
	delete(q.keyByID, id)
	return nil
}

// MarkFailed records a replay failure. The operation stays queued for the
// next reconciliation until the attempt ceiling, where it is flagged for
// manual resolution instead of being discarded.
func (q *WriteQueue) MarkFailed(id string, cause error) (QueuedOperation, error) {
	return q.recordFailure(id, cause, false)
}

// MarkTerminal flags an operation for manual resolution immediately,
// regardless of attempts; used when the server explicitly rejected it.
func (q *WriteQueue) MarkTerminal(id string, cause error) (QueuedOperation, error) {
	return q.recordFailure(id, cause, true)
}

func (q *WriteQueue) recordFailure(id string, cause error, terminal bool) (QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	storeKey, ok := q.keyByID[id]
	if !ok {
		return QueuedOperation{}, ErrNotFound
	}
	data, found, err := q.store.Get(storeKey)
	if err != nil {
		return QueuedOperation{}, err
	}
	if !found {
		delete(q.keyByID, id)
		return QueuedOperation{}, ErrNotFound
	}
	var op QueuedOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return QueuedOperation{}, err
	}
	op.Attempts++
	if cause != nil {
		op.LastError = cause.Error()
	}
	if terminal || op.Attempts >= q.maxAttempts {
		op.NeedsResolution = true
	}
	updated, err := json.Marshal(op)
	if err != nil {
		return QueuedOperation{}, err
	}
	if err := q.store.Put(storeKey, updated); err != nil {
		return QueuedOperation{}, err
	}
	return op, nil
}

// Abandon is the explicit user discard of a flagged operation.
func (q *WriteQueue) Abandon(id string) error {
	return q.Resolve(id)
}

// HasOperations reports whether any operation, flagged included, is still
// recorded for the resource key.
func (q *WriteQueue) HasOperations(resourceKey string) (bool, error) {
	entries, err := q.store.ListByPrefix(queueOpPrefix)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		var op QueuedOperation
		if err := json.Unmarshal(entry.Payload, &op); err != nil {
			return false, fmt.Errorf("corrupt queued operation at %s: %w", entry.Key, err)
		}
		if op.ResourceKey == resourceKey {
			return true, nil
		}
	}
	return false, nil
}

func (q *WriteQueue) PendingCount() (int, error) {
	ops, err := q.Drain()
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// Flagged lists operations awaiting manual resolution.
func (q *WriteQueue) Flagged() ([]QueuedOperation, error) {
	entries, err := q.store.ListByPrefix(queueOpPrefix)
	if err != nil {
		return nil, err
	}
	flagged := make([]QueuedOperation, 0)
	for _, entry := range entries {
		var op QueuedOperation
		if err := json.Unmarshal(entry.Payload, &op); err != nil {
			return nil, fmt.Errorf("corrupt queued operation at %s: %w", entry.Key, err)
		}
		if op.NeedsResolution {
			flagged = append(flagged, op)
		}
	}
	return flagged, nil
}
