package syncengine

import (
	"context"
	"sync"
	"time"
)

// SaveStatus is the editor's visible save state for one open document.
type SaveStatus string

const (
	StatusSaved   SaveStatus = "saved"
	StatusUnsaved SaveStatus = "unsaved"
	StatusSaving  SaveStatus = "saving"
	StatusOffline SaveStatus = "offline"
)

const recoveryKeyPrefix = "recover:"

type DocumentSessionOptions struct {
	// Debounce is how long after the last edit the save fires.
	Debounce time.Duration
	// SaveTimeout bounds the remote save attempt.
	SaveTimeout time.Duration
	Logger      Logger
}

// DocumentSession tracks one open document through the save cycle:
// saved, unsaved on edit, saving after the debounce, then saved again or
// offline. An offline save writes a recovery copy and queues the mutation,
// so content is never lost to a dropped connection.
type DocumentSession struct {
	resourceKind string
	resourceKey  string
	remote       RemoteStore
	queue        *WriteQueue
	cache        *CacheManager
	store        LocalStore
	connectivity *ConnectivitySignal
	debounce     time.Duration
	saveTimeout  time.Duration
	logger       Logger

	mu          sync.Mutex
	status      SaveStatus
	content     []byte
	generation  uint64
	timer       *time.Timer
	closed      bool
	lastErr     error
	subscribers []func(SaveStatus)
	notifyQueue []SaveStatus
	notifying   bool
}

func NewDocumentSession(resourceKind, resourceKey string, remote RemoteStore, queue *WriteQueue, cache *CacheManager, store LocalStore, connectivity *ConnectivitySignal, opts DocumentSessionOptions) (*DocumentSession, error) {
	if resourceKind == "" || resourceKey == "" || remote == nil || queue == nil || cache == nil || store == nil || connectivity == nil {
		return nil, ErrInvalidInput
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	saveTimeout := opts.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &DocumentSession{
		resourceKind: resourceKind,
		resourceKey:  resourceKey,
		remote:       remote,
		queue:        queue,
		cache:        cache,
		store:        store,
		connectivity: connectivity,
		debounce:     debounce,
		saveTimeout:  saveTimeout,
		logger:       logger,
		status:       StatusSaved,
	}, nil
}

func (s *DocumentSession) ResourceKey() string {
	return s.resourceKey
}

func (s *DocumentSession) Status() SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *DocumentSession) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnStatusChange registers a status subscriber and returns an unsubscribe
// func. The current status is not replayed; subscribers see transitions.
func (s *DocumentSession) OnStatusChange(fn func(SaveStatus)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	index := len(s.subscribers) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.subscribers[index] = nil
		s.mu.Unlock()
	}
}

// SetContent records an edit. The document flips to unsaved at once and the
// debounce window restarts; only the final content of a burst is saved.
func (s *DocumentSession) SetContent(content []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.content = append([]byte(nil), content...)
	s.generation++
	generation := s.generation
	s.setStatusLocked(StatusUnsaved)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.save(generation)
	})
	s.mu.Unlock()
}

// Flush cancels the pending debounce and saves immediately.
func (s *DocumentSession) Flush() {
	s.mu.Lock()
	if s.closed || s.status == StatusSaved {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	generation := s.generation
	s.mu.Unlock()
	s.save(generation)
}

func (s *DocumentSession) save(generation uint64) {
	s.mu.Lock()
	if s.closed || generation != s.generation {
		s.mu.Unlock()
		return
	}
	content := append([]byte(nil), s.content...)
	s.setStatusLocked(StatusSaving)
	online := s.connectivity.Online()
	s.mu.Unlock()

	if !online {
		s.persistLocally(generation, content, ErrOffline)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	ack, err := s.remote.Update(ctx, s.resourceKind, s.resourceKey, content)
	cancel()
	if err != nil {
		s.persistLocally(generation, content, err)
		return
	}

	body := ack.Body
	if len(body) == 0 {
		body = content
	}
	if err := s.cache.Put(TierAPI, ResourceCacheKey(s.resourceKey), body); err != nil {
		s.logger.Printf("cache update for %s: %v", s.resourceKey, err)
	}
	if err := s.store.Delete(s.recoveryKey()); err != nil {
		s.logger.Printf("clear recovery copy for %s: %v", s.resourceKey, err)
	}

	s.mu.Lock()
	if generation == s.generation {
		s.lastErr = nil
		s.setStatusLocked(StatusSaved)
	}
	s.mu.Unlock()
}

// persistLocally is the offline save path: recovery copy first, then the
// queued mutation, then the offline status. The recovery copy goes down
// before the queue entry so a crash between the two still leaves the content
// recoverable.
func (s *DocumentSession) persistLocally(generation uint64, content []byte, cause error) {
	if err := s.store.Put(s.recoveryKey(), content); err != nil {
		s.logger.Printf("recovery copy for %s: %v", s.resourceKey, err)
		s.setError(err)
		return
	}
	if _, err := s.queue.Enqueue(s.resourceKind, s.resourceKey, content); err != nil {
		s.logger.Printf("queue save for %s: %v", s.resourceKey, err)
		s.setError(err)
		return
	}
	s.mu.Lock()
	if generation == s.generation {
		s.lastErr = cause
		s.setStatusLocked(StatusOffline)
	}
	s.mu.Unlock()
}

func (s *DocumentSession) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.setStatusLocked(StatusOffline)
	s.mu.Unlock()
}

// RecoveredContent returns the recovery copy written by an offline save, if
// one exists. Called when the document is reopened.
func (s *DocumentSession) RecoveredContent() ([]byte, bool, error) {
	return s.store.Get(s.recoveryKey())
}

// ClearRecovery discards the recovery copy after the user resolved it.
func (s *DocumentSession) ClearRecovery() error {
	return s.store.Delete(s.recoveryKey())
}

// MarkSynced flips an offline document back to saved once its queued save
// replayed; a newer unsaved edit keeps its state. Subscribers observe the
// pass through saving on the way.
func (s *DocumentSession) MarkSynced() {
	s.mu.Lock()
	if s.status != StatusOffline {
		s.mu.Unlock()
		return
	}
	s.lastErr = nil
	s.setStatusLocked(StatusSaving)
	s.setStatusLocked(StatusSaved)
	s.mu.Unlock()
	if err := s.store.Delete(s.recoveryKey()); err != nil {
		s.logger.Printf("clear recovery copy for %s: %v", s.resourceKey, err)
	}
}

// Close stops the debounce timer. A pending unsaved edit is flushed first so
// closing the editor cannot drop content.
func (s *DocumentSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.status == StatusUnsaved || s.status == StatusSaving
	generation := s.generation
	s.mu.Unlock()
	if pending {
		s.save(generation)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *DocumentSession) recoveryKey() string {
	return recoveryKeyFor(s.resourceKey)
}

func recoveryKeyFor(resourceKey string) string {
	return recoveryKeyPrefix + resourceKey
}

// setStatusLocked records the transition and hands it to the notifier.
// A single goroutine drains the pending transitions, so subscribers always
// observe them in the order they happened.
func (s *DocumentSession) setStatusLocked(status SaveStatus) {
	if s.status == status {
		return
	}
	s.status = status
	if len(s.subscribers) == 0 {
		return
	}
	s.notifyQueue = append(s.notifyQueue, status)
	if s.notifying {
		return
	}
	s.notifying = true
	go s.drainNotifications()
}

func (s *DocumentSession) drainNotifications() {
	s.mu.Lock()
	for len(s.notifyQueue) > 0 {
		status := s.notifyQueue[0]
		s.notifyQueue = s.notifyQueue[1:]
		subscribers := append(([]func(SaveStatus))(nil), s.subscribers...)
		s.mu.Unlock()
		for _, fn := range subscribers {
			if fn != nil {
				fn(status)
			}
		}
		s.mu.Lock()
	}
	s.notifying = false
	s.mu.Unlock()
}
