package syncengine

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// EngineOptions configures the assembled engine. Zero values get defaults:
// an in-memory LocalStore, a 2s editor debounce, the stock classifier rules.
type EngineOptions struct {
	// LocalStoreDSN selects the durable backend (memory, file, sqlite,
	// postgres). Ignored when LocalStore is set directly.
	LocalStoreDSN string
	LocalStore    LocalStore

	// Remote is the authoritative backend. Required.
	Remote RemoteStore

	// Fetcher serves the router's read path. When nil one is built over
	// FetchBaseURL with the default HTTP client.
	Fetcher      Fetcher
	FetchBaseURL string

	Classifier ClassifierConfig
	Router     RouterOptions
	Queue      WriteQueueOptions

	// EditorDebounce is how long after the last edit a document save fires.
	EditorDebounce time.Duration

	// InitiallyOnline seeds the connectivity flag.
	InitiallyOnline bool

	Logger Logger
}

// Engine owns the offline-first read and write paths: the classifying
// router in front of the tiered cache, the durable write queue, the
// reconciler, and the per-document editor sessions. One Engine per process.
type Engine struct {
	store        LocalStore
	cache        *CacheManager
	classifier   *Classifier
	router       *Router
	queue        *WriteQueue
	connectivity *ConnectivitySignal
	reconciler   *Reconciler
	validator    *PayloadValidator
	remote       RemoteStore
	logger       Logger

	debounce time.Duration

	mu       sync.Mutex
	sessions map[string]*DocumentSession

	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once
	closeErr    error
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	store := opts.LocalStore
	if store == nil {
		dsn := opts.LocalStoreDSN
		if dsn == "" {
			dsn = "memory://"
		}
		var err error
		store, err = BuildLocalStoreFromDSN(dsn)
		if err != nil {
			return nil, err
		}
	}

	cache, err := NewCacheManager(store)
	if err != nil {
		return nil, err
	}
	queue, err := NewWriteQueue(store, opts.Queue)
	if err != nil {
		return nil, err
	}
	classifier := NewClassifier(opts.Classifier)
	connectivity := NewConnectivitySignal(opts.InitiallyOnline)
	validator := NewPayloadValidator()

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(opts.FetchBaseURL, nil)
	}
	router := NewRouter(cache, classifier, fetcher, opts.Router)

	reconciler, err := NewReconciler(queue, opts.Remote, cache, connectivity, ReconcilerOptions{
		Validator: validator,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:        store,
		cache:        cache,
		classifier:   classifier,
		router:       router,
		queue:        queue,
		connectivity: connectivity,
		reconciler:   reconciler,
		validator:    validator,
		remote:       opts.Remote,
		logger:       logger,
		debounce:     opts.EditorDebounce,
		sessions:     map[string]*DocumentSession{},
		cancel:       cancel,
	}
	e.unsubscribe = reconciler.Start(ctx)
	reconciler.OnSummary(e.onReconcileSummary)
	return e, nil
}

// Handle runs one read request through classify-then-execute.
func (e *Engine) Handle(ctx context.Context, req Request) (Response, error) {
	return e.router.Handle(ctx, req)
}

func (e *Engine) Classify(req Request) Strategy {
	return e.classifier.Classify(req)
}

// OpenDocument returns the editor session for a resource, creating it on
// first open. Sessions are shared: two opens of the same key see one state.
func (e *Engine) OpenDocument(resourceKind, resourceKey string) (*DocumentSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions == nil {
		return nil, ErrClosed
	}
	if session, ok := e.sessions[resourceKey]; ok {
		return session, nil
	}
	session, err := NewDocumentSession(resourceKind, resourceKey, e.remote, e.queue, e.cache, e.store, e.connectivity, DocumentSessionOptions{
		Debounce: e.debounce,
		Logger:   e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.sessions[resourceKey] = session
	return session, nil
}

func (e *Engine) Reconcile(ctx context.Context) (Summary, error) {
	return e.reconciler.Reconcile(ctx)
}

func (e *Engine) SetOnline(online bool) { e.connectivity.SetOnline(online) }

func (e *Engine) Online() bool { return e.connectivity.Online() }

func (e *Engine) PendingOperations() ([]QueuedOperation, error) { return e.queue.Drain() }

func (e *Engine) FlaggedOperations() ([]QueuedOperation, error) { return e.queue.Flagged() }

func (e *Engine) AbandonOperation(id string) error { return e.queue.Abandon(id) }

func (e *Engine) BumpTier(tier TierID) (int, error) { return e.cache.BumpVersion(tier) }

func (e *Engine) TierInfo(tier TierID) (CacheInfo, error) { return e.cache.Info(tier) }

func (e *Engine) WarmLessons(lessons map[string][]byte) (int, error) {
	return e.cache.WarmLessons(lessons)
}

func (e *Engine) PurgeTier(tier TierID, maxAge time.Duration) (int, error) {
	return e.cache.PurgeOlderThan(tier, maxAge)
}

// RegisterSchema installs a JSON schema pre-flighted against queued payloads
// of the given resource kind before replay.
func (e *Engine) RegisterSchema(resourceKind string, schema []byte) error {
	return e.validator.RegisterKind(resourceKind, schema)
}

func (e *Engine) OnReconcileSummary(fn func(Summary)) {
	e.reconciler.OnSummary(fn)
}

// onReconcileSummary flips offline sessions back to saved once their queued
// saves replayed.
func (e *Engine) onReconcileSummary(summary Summary) {
	if summary.Synced == 0 {
		return
	}
	pending, err := e.queue.Drain()
	if err != nil {
		e.logger.Printf("inspect queue after reconcile: %v", err)
		return
	}
	stillQueued := map[string]bool{}
	for _, op := range pending {
		stillQueued[op.ResourceKey] = true
	}
	e.mu.Lock()
	sessions := make([]*DocumentSession, 0, len(e.sessions))
	for key, session := range e.sessions {
		if !stillQueued[key] {
			sessions = append(sessions, session)
		}
	}
	e.mu.Unlock()
	for _, session := range sessions {
		session.MarkSynced()
	}
}

// Close flushes open sessions, waits for background refreshes, and closes
// the store. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		sessions := make([]*DocumentSession, 0, len(e.sessions))
		for _, session := range e.sessions {
			sessions = append(sessions, session)
		}
		e.sessions = nil
		e.mu.Unlock()
		for _, session := range sessions {
			session.Close()
		}
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		e.cancel()
		e.router.WaitRefreshes()
		e.closeErr = e.store.Close()
	})
	return e.closeErr
}

// HTTPFetcher serves the router's read path against a real origin.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPFetcher(baseURL string, httpClient *http.Client) *HTTPFetcher {
	baseURL = trimBaseURL(baseURL)
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPFetcher{baseURL: baseURL, httpClient: httpClient}
}

func (f *HTTPFetcher) Do(ctx context.Context, req Request) (Response, error) {
	target := f.baseURL + normalizeRequestPath(req.Path)
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return Response{}, err
	}
	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Source:      SourceNetwork,
	}, nil
}

func trimBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return baseURL
}
