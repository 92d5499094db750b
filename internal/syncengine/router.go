package syncengine

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ResponseSource tells the UI where a response body came from, so a cached
// body can be marked as such and an offline document is distinguishable from
// server content.
type ResponseSource string

const (
	SourceNetwork     ResponseSource = "network"
	SourceCache       ResponseSource = "cache"
	SourceOfflinePage ResponseSource = "offline-page"
)

type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Source      ResponseSource
	StoredAt    time.Time
}

// Fetcher issues the actual network request. The HTTP transport behind it is
// a collaborator; tests substitute a function.
type Fetcher interface {
	Do(ctx context.Context, req Request) (Response, error)
}

type FetcherFunc func(ctx context.Context, req Request) (Response, error)

func (f FetcherFunc) Do(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type RouterOptions struct {
	// NetworkTimeout bounds every network-first attempt; exceeding it is a
	// network failure, not a distinct error class.
	NetworkTimeout time.Duration
	// OfflinePage is the dedicated fallback document for failed navigations.
	OfflinePage     []byte
	OfflinePageType string
}

// Router executes the strategy the Classifier picked. It never swallows an
// error into an empty response: every failure path returns a typed error or
// a response with an explicit Source marker.
type Router struct {
	cache      *CacheManager
	classifier *Classifier
	fetch      Fetcher
	timeout    time.Duration

	offlinePage     []byte
	offlinePageType string

	refreshWG sync.WaitGroup
}

func NewRouter(cache *CacheManager, classifier *Classifier, fetch Fetcher, opts RouterOptions) *Router {
	timeout := opts.NetworkTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	offlinePage := opts.OfflinePage
	if len(offlinePage) == 0 {
		offlinePage = []byte("<!doctype html><title>Offline</title><h1>You are offline</h1>")
	}
	offlinePageType := opts.OfflinePageType
	if offlinePageType == "" {
		offlinePageType = "text/html; charset=utf-8"
	}
	return &Router{
		cache:           cache,
		classifier:      classifier,
		fetch:           fetch,
		timeout:         timeout,
		offlinePage:     offlinePage,
		offlinePageType: offlinePageType,
	}
}

// Handle classifies and executes in one step.
func (r *Router) Handle(ctx context.Context, req Request) (Response, error) {
	return r.Execute(ctx, r.classifier.Classify(req), req)
}

func (r *Router) Execute(ctx context.Context, strategy Strategy, req Request) (Response, error) {
	switch strategy {
	case StrategyCacheFirstStatic:
		return r.cacheFirst(ctx, req, TierStatic, true)
	case StrategyCacheFirstImage:
		// Images are long-lived; no background refresh.
		return r.cacheFirst(ctx, req, TierImage, false)
	case StrategyNetworkFirstAPI:
		return r.networkFirst(ctx, req, TierAPI, false)
	case StrategyNetworkFirstNavigation:
		return r.networkFirst(ctx, req, TierDynamic, true)
	case StrategyNetworkFirstGeneric:
		return r.networkFirst(ctx, req, TierDynamic, false)
	case StrategyNetworkOnly:
		return r.networkOnly(ctx, req)
	case StrategyBypass:
		return Response{}, ErrInvalidState
	default:
		return Response{}, ErrInvalidInput
	}
}

func (r *Router) cacheFirst(ctx context.Context, req Request, tier TierID, backgroundRefresh bool) (Response, error) {
	key := r.classifier.CacheKey(req)
	entry, hit, err := r.cache.Get(tier, key)
	if err != nil {
		return Response{}, err
	}
	if hit {
		if backgroundRefresh {
			// Pure background repair: nothing waits on it, and its failure
			// leaves the served entry in place.
			r.refreshWG.Add(1)
			go func() {
				defer r.refreshWG.Done()
				refreshCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
				defer cancel()
				resp, err := r.fetch.Do(refreshCtx, req)
				if err != nil || !cacheableStatus(resp.Status) {
					return
				}
				_ = r.cache.Put(tier, key, resp.Body)
			}()
		}
		return cachedResponse(entry), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.fetch.Do(fetchCtx, req)
	if err != nil {
		return Response{}, &UnavailableError{Key: key, Tier: tier, Reason: err.Error()}
	}
	if cacheableStatus(resp.Status) {
		if err := r.cache.Put(tier, key, resp.Body); err != nil {
			return Response{}, err
		}
	}
	resp.Source = SourceNetwork
	return resp, nil
}

func (r *Router) networkFirst(ctx context.Context, req Request, tier TierID, navigation bool) (Response, error) {
	key := r.classifier.CacheKey(req)
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	resp, err := r.fetch.Do(fetchCtx, req)
	cancel()
	if err == nil {
		// A fresh server response always overwrites the entry before it is
		// returned: the cache reflects server truth, never a local replay.
		if cacheableStatus(resp.Status) {
			if putErr := r.cache.Put(tier, key, resp.Body); putErr != nil {
				return Response{}, putErr
			}
		}
		resp.Source = SourceNetwork
		return resp, nil
	}

	entry, hit, cacheErr := r.cache.Get(tier, key)
	if cacheErr != nil {
		return Response{}, cacheErr
	}
	if hit {
		return cachedResponse(entry), nil
	}
	if navigation {
		return Response{
			Status:      http.StatusOK,
			ContentType: r.offlinePageType,
			Body:        append([]byte(nil), r.offlinePage...),
			Source:      SourceOfflinePage,
		}, nil
	}
	return Response{}, &UnavailableError{Key: key, Tier: tier, Reason: err.Error()}
}

func (r *Router) networkOnly(ctx context.Context, req Request) (Response, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.fetch.Do(fetchCtx, req)
	if err != nil {
		return Response{}, err
	}
	resp.Source = SourceNetwork
	return resp, nil
}

// WaitRefreshes blocks until in-flight background refreshes finish. Readers
// never call this; it exists for shutdown and tests.
func (r *Router) WaitRefreshes() {
	r.refreshWG.Wait()
}

func cachedResponse(entry CacheEntry) Response {
	return Response{
		Status:   http.StatusOK,
		Body:     append([]byte(nil), entry.Payload...),
		Source:   SourceCache,
		StoredAt: entry.StoredAt,
	}
}

func cacheableStatus(status int) bool {
	return status >= 200 && status < 300
}
