package errors

import "sync"

// ErrorHook receives every enhanced error as it is built. The events package
// registers a hook that forwards errors onto the bus as station_error
// messages; keeping the dependency in this direction avoids an import cycle.
type ErrorHook func(*EnhancedError)

var (
	hookMu sync.RWMutex
	hooks  []ErrorHook
)

// AddHook registers a hook invoked for every error built by this package.
func AddHook(hook ErrorHook) {
	hookMu.Lock()
	defer hookMu.Unlock()
	hooks = append(hooks, hook)
}

// ClearHooks removes all registered hooks. Intended for tests.
func ClearHooks() {
	hookMu.Lock()
	defer hookMu.Unlock()
	hooks = nil
}

func publishToHook(ee *EnhancedError) {
	hookMu.RLock()
	defer hookMu.RUnlock()
	for _, hook := range hooks {
		hook(ee)
	}
}
