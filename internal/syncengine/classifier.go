package syncengine

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// Strategy names the cache behavior a request gets. StrategyBypass marks
// requests the read path never touches (non-GET mutations go through the
// editor/write-queue path instead).
type Strategy string

const (
	StrategyBypass                 Strategy = "bypass"
	StrategyNetworkFirstAPI        Strategy = "network-first-api"
	StrategyNetworkOnly            Strategy = "network-only"
	StrategyNetworkFirstNavigation Strategy = "network-first-navigation"
	StrategyCacheFirstStatic       Strategy = "cache-first-static"
	StrategyCacheFirstImage        Strategy = "cache-first-image"
	StrategyNetworkFirstGeneric    Strategy = "network-first-generic"
)

// Request is the normalized shape of an intercepted request. Mode is
// "navigate" for full page loads, empty otherwise.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Mode   string
}

const RequestModeNavigate = "navigate"

type ClassifierConfig struct {
	// APIPrefix marks a path as an API call; CacheableAPIPrefixes is the
	// allow-list within it. An API path off the allow-list is never cached.
	APIPrefix            string
	CacheableAPIPrefixes []string
	// BuildOutputPrefix covers hashed bundle output regardless of extension.
	BuildOutputPrefix string
	StaticExtensions  []string
	ImageExtensions   []string
	// CacheKeyQueryParams are the only query parameters that participate in
	// cache key derivation; everything else (auth tokens, cache busters) is
	// dropped so equivalent requests share an entry.
	CacheKeyQueryParams []string
}

type Classifier struct {
	apiPrefix         string
	cacheablePrefixes []string
	buildPrefix       string
	staticExts        map[string]struct{}
	imageExts         map[string]struct{}
	keyParams         map[string]struct{}
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	if len(cfg.StaticExtensions) == 0 {
		cfg.StaticExtensions = []string{".js", ".css", ".ico", ".woff", ".woff2", ".ttf", ".map"}
	}
	if len(cfg.ImageExtensions) == 0 {
		cfg.ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif"}
	}
	if cfg.BuildOutputPrefix == "" {
		cfg.BuildOutputPrefix = "/_next/static/"
	}
	c := &Classifier{
		apiPrefix:         cfg.APIPrefix,
		cacheablePrefixes: append([]string(nil), cfg.CacheableAPIPrefixes...),
		buildPrefix:       cfg.BuildOutputPrefix,
		staticExts:        map[string]struct{}{},
		imageExts:         map[string]struct{}{},
		keyParams:         map[string]struct{}{},
	}
	for _, ext := range cfg.StaticExtensions {
		c.staticExts[strings.ToLower(ext)] = struct{}{}
	}
	for _, ext := range cfg.ImageExtensions {
		c.imageExts[strings.ToLower(ext)] = struct{}{}
	}
	for _, param := range cfg.CacheKeyQueryParams {
		c.keyParams[param] = struct{}{}
	}
	return c
}

// Classify assigns a request its cache strategy. Pure: no I/O, no state.
// Rules are checked in priority order; the first match wins.
func (c *Classifier) Classify(req Request) Strategy {
	if req.Method != "" && !strings.EqualFold(req.Method, "GET") {
		return StrategyBypass
	}
	reqPath := normalizeRequestPath(req.Path)

	if strings.HasPrefix(reqPath, c.apiPrefix) {
		for _, prefix := range c.cacheablePrefixes {
			if strings.HasPrefix(reqPath, prefix) {
				return StrategyNetworkFirstAPI
			}
		}
		return StrategyNetworkOnly
	}

	if req.Mode == RequestModeNavigate {
		return StrategyNetworkFirstNavigation
	}

	if strings.HasPrefix(reqPath, c.buildPrefix) {
		return StrategyCacheFirstStatic
	}
	ext := strings.ToLower(path.Ext(reqPath))
	if _, ok := c.staticExts[ext]; ok {
		return StrategyCacheFirstStatic
	}
	if _, ok := c.imageExts[ext]; ok {
		return StrategyCacheFirstImage
	}

	return StrategyNetworkFirstGeneric
}

// Tier maps a strategy to the partition its entries live in.
func (c *Classifier) Tier(strategy Strategy) TierID {
	switch strategy {
	case StrategyNetworkFirstAPI:
		return TierAPI
	case StrategyCacheFirstStatic:
		return TierStatic
	case StrategyCacheFirstImage:
		return TierImage
	case StrategyNetworkFirstNavigation, StrategyNetworkFirstGeneric:
		return TierDynamic
	default:
		return TierDynamic
	}
}

// CacheKey derives the canonical cache identity of a request: method, path,
// and the configured relevant query parameters in sorted order.
func (c *Classifier) CacheKey(req Request) string {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	key := method + " " + normalizeRequestPath(req.Path)
	if len(req.Query) == 0 || len(c.keyParams) == 0 {
		return key
	}
	params := make([]string, 0, len(c.keyParams))
	for name := range c.keyParams {
		if values, ok := req.Query[name]; ok && len(values) > 0 {
			params = append(params, name+"="+values[0])
		}
	}
	if len(params) == 0 {
		return key
	}
	sort.Strings(params)
	return key + "?" + strings.Join(params, "&")
}

// ResourceCacheKey is the cache identity of an editor document, shared with
// the write queue and the editor so the three subsystems reconcile by key.
func ResourceCacheKey(resourceKey string) string {
	return "resource " + resourceKey
}

// DocumentResourceKey builds the canonical resource key for a project file.
func DocumentResourceKey(projectID, fileID string) string {
	return "project:" + projectID + ":file:" + fileID
}

func normalizeRequestPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
