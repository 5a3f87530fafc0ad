package buggyline

import (
	"strings"
	"sync"
)

type OperationQueueFactory func(dsn string, capacity int) (OperationQueue, error)
type ResponseCacheFactory func(dsn string) (ResponseCache, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	queueFactories map[string]OperationQueueFactory
	cacheFactories map[string]ResponseCacheFactory
}{
	queueFactories: map[string]OperationQueueFactory{},
	cacheFactories: map[string]ResponseCacheFactory{},
}

func RegisterOperationQueueFactory(scheme string, factory OperationQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func RegisterResponseCacheFactory(scheme string, factory ResponseCacheFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.cacheFactories[scheme] = factory
}

func lookupOperationQueueFactory(scheme string) (OperationQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func lookupResponseCacheFactory(scheme string) (ResponseCacheFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.cacheFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
