package flags

import "sync"

// Flags is a concurrent-safe feature-flag set.
type Flags struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// New creates a flag set seeded from configuration
func New(seed map[string]bool) *Flags {
	flags := make(map[string]bool, len(seed))
	for name, enabled := range seed {
		flags[name] = enabled
	}
	return &Flags{flags: flags}
}

// IsEnabled reports whether the flag is known and enabled
func (f *Flags) IsEnabled(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags[name]
}

// Set enables or disables a flag at runtime
func (f *Flags) Set(name string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[name] = enabled
}

// Snapshot returns a copy of the current flag state
func (f *Flags) Snapshot() map[string]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]bool, len(f.flags))
	for name, enabled := range f.flags {
		out[name] = enabled
	}
	return out
}
