package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
)

// Summary is the outcome of one reconciliation run. Skipped means another
// run already held the guard (or the engine was offline) and nothing was
// attempted.
type Summary struct {
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Flagged int  `json:"flagged"`
	Skipped bool `json:"skipped"`
}

// Logger is the minimal logging surface the core accepts. It matches both
// the standard library logger and structured loggers wrapped in Printf.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type ReconcilerOptions struct {
	// Validator, when set, pre-flights payloads so operations the server
	// would reject as invalid are flagged without a network attempt.
	Validator *PayloadValidator
	// Store, when set, lets the reconciler clear editor recovery copies once
	// a key's queued saves have all replayed. Covers replays after a reload,
	// when no live session observes the sync.
	Store  LocalStore
	Logger Logger
}

// Reconciler replays the write queue against the remote store when
// connectivity returns. A single run is in flight at any moment; overlapping
// triggers collapse into a skipped no-op rather than queueing behind it.
type Reconciler struct {
	queue        *WriteQueue
	remote       RemoteStore
	cache        *CacheManager
	connectivity *ConnectivitySignal
	validator    *PayloadValidator
	store        LocalStore
	logger       Logger

	running atomic.Bool

	mu          sync.Mutex
	subscribers []func(Summary)
}

func NewReconciler(queue *WriteQueue, remote RemoteStore, cache *CacheManager, connectivity *ConnectivitySignal, opts ReconcilerOptions) (*Reconciler, error) {
	if queue == nil || remote == nil || cache == nil || connectivity == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Reconciler{
		queue:        queue,
		remote:       remote,
		cache:        cache,
		connectivity: connectivity,
		validator:    opts.Validator,
		store:        opts.Store,
		logger:       logger,
	}, nil
}

// Start subscribes to connectivity so the offline-to-online edge triggers a
// run. Returns the unsubscribe func.
func (r *Reconciler) Start(ctx context.Context) func() {
	return r.connectivity.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Printf("reconcile after reconnect: %v", err)
			}
		}()
	})
}

// OnSummary registers a callback invoked after every non-skipped run.
func (r *Reconciler) OnSummary(fn func(Summary)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// Reconcile drains the queue and replays it. Operations for the same
// resource key replay strictly in enqueue order; distinct keys replay
// concurrently. A failed operation stops only its own key's remainder. The
// guard is compare-and-set: a second concurrent call returns Skipped without
// touching the queue.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Summary{Skipped: true}, nil
	}
	defer r.running.Store(false)

	if !r.connectivity.Online() {
		return Summary{Skipped: true}, nil
	}

	ops, err := r.queue.Drain()
	if err != nil {
		return Summary{}, err
	}
	if len(ops) == 0 {
		return Summary{}, nil
	}

	groups := map[string][]QueuedOperation{}
	order := make([]string, 0)
	for _, op := range ops {
		if _, seen := groups[op.ResourceKey]; !seen {
			order = append(order, op.ResourceKey)
		}
		groups[op.ResourceKey] = append(groups[op.ResourceKey], op)
	}

	var (
		wg      sync.WaitGroup
		tallyMu sync.Mutex
		summary Summary
	)
	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			synced, failed, flagged := r.replayGroup(ctx, group)
			tallyMu.Lock()
			summary.Synced += synced
			summary.Failed += failed
			summary.Flagged += flagged
			tallyMu.Unlock()
		}()
	}
	wg.Wait()

	r.logger.Printf("reconcile done: synced=%d failed=%d flagged=%d", summary.Synced, summary.Failed, summary.Flagged)
	r.notify(summary)
	return summary, nil
}

// replayGroup replays one resource key's operations in order, stopping at
// the first failure so a later write can never land before an earlier one.
func (r *Reconciler) replayGroup(ctx context.Context, group []QueuedOperation) (synced, failed, flagged int) {
	for _, op := range group {
		if ctx.Err() != nil {
			return synced, failed, flagged
		}
		if err := r.replayOne(ctx, op); err != nil {
			if terminalReplayError(err) {
				// A rejected operation is both a failure of this run and
				// flagged for manual resolution.
				if _, markErr := r.queue.MarkTerminal(op.ID, err); markErr != nil {
					r.logger.Printf("flag %s: %v", op.ID, markErr)
				}
				r.logger.Printf("operation %s for %s rejected: %v", op.ID, op.ResourceKey, err)
				failed++
				flagged++
			} else {
				updated, markErr := r.queue.MarkFailed(op.ID, err)
				if markErr != nil {
					r.logger.Printf("record failure %s: %v", op.ID, markErr)
				} else if updated.NeedsResolution {
					flagged++
				}
				failed++
			}
			return synced, failed, flagged
		}
		synced++
	}
	r.clearRecovery(group[0].ResourceKey)
	return synced, failed, flagged
}

// clearRecovery drops the editor's recovery copy once no operations remain
// queued or flagged for the key.
func (r *Reconciler) clearRecovery(resourceKey string) {
	if r.store == nil {
		return
	}
	remaining, err := r.queue.HasOperations(resourceKey)
	if err != nil || remaining {
		return
	}
	if err := r.store.Delete(recoveryKeyFor(resourceKey)); err != nil {
		r.logger.Printf("clear recovery copy for %s: %v", resourceKey, err)
	}
}

func (r *Reconciler) replayOne(ctx context.Context, op QueuedOperation) error {
	if r.validator != nil {
		if err := r.validator.Validate(op.ResourceKind, op.Payload); err != nil {
			return err
		}
	}
	var (
		ack Ack
		err error
	)
	if op.Verb == VerbCreate {
		ack, err = r.remote.Create(ctx, op.ResourceKind, op.ResourceKey, op.Payload)
	} else {
		ack, err = r.remote.Update(ctx, op.ResourceKind, op.ResourceKey, op.Payload)
	}
	if err != nil {
		return err
	}
	if err := r.queue.Resolve(op.ID); err != nil {
		return err
	}
	// The cache is overwritten with the server's acknowledged state, not the
	// local payload: post-replay reads reflect server truth.
	body := ack.Body
	if len(body) == 0 {
		body = op.Payload
	}
	if err := r.cache.Put(TierAPI, ResourceCacheKey(op.ResourceKey), body); err != nil {
		r.logger.Printf("cache overwrite for %s: %v", op.ResourceKey, err)
	}
	return nil
}

func (r *Reconciler) notify(summary Summary) {
	r.mu.Lock()
	subscribers := append(([]func(Summary))(nil), r.subscribers...)
	r.mu.Unlock()
	for _, fn := range subscribers {
		fn(summary)
	}
}
