package syncengine

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildLocalStoreFromDSN picks a LocalStore backend by DSN scheme:
//
//	memory://              in-memory, volatile
//	file:///path/state     JSON snapshot file (scheme optional)
//	sqlite:///path/db      embedded database (default for local deployments)
//	postgres://...         shared server-side database
func BuildLocalStoreFromDSN(dsn string) (LocalStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported local store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
