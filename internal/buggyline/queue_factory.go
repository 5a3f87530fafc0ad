package buggyline

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildOperationQueueFromDSN(dsn string, capacity int) (OperationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupOperationQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileOperationQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryOperationQueue(capacity), nil
	case "sqlite", "sqlite3":
		return NewSQLiteOperationQueue(dsn, capacity)
	case "postgres", "postgresql":
		return NewPostgresOperationQueue(dsn, capacity)
	case "redis", "rediss", "nats":
		return nil, fmt.Errorf("%w: operation queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported operation queue scheme: %s", scheme)
	}
}

func BuildResponseCacheFromDSN(dsn string) (ResponseCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupResponseCacheFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileResponseCache(path)
	case "memory", "mem", "inmem":
		return NewInMemoryResponseCache(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteResponseCache(dsn)
	case "postgres", "postgresql":
		return NewPostgresResponseCache(dsn)
	case "redis", "rediss", "nats":
		return nil, fmt.Errorf("%w: response cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported response cache scheme: %s", scheme)
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
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
