package mesh

import "sync"

// Overrides holds explicit per-position highlight flags on top of a default.
// A lookup returns the explicit flag when one is set, otherwise the default.
type Overrides struct {
	mu    sync.RWMutex
	def   bool
	flags map[Point]bool
}

// NewOverrides creates an empty override set with the given default
func NewOverrides(def bool) *Overrides {
	return &Overrides{
		def:   def,
		flags: make(map[Point]bool),
	}
}

// Get returns the effective flag for p
func (o *Overrides) Get(p Point) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.flags[p]; ok {
		return v
	}
	return o.def
}

// Lookup returns the explicit flag for p and whether one is set
func (o *Overrides) Lookup(p Point) (bool, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.flags[p]
	return v, ok
}

// Set records an explicit flag for p
func (o *Overrides) Set(p Point, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flags[p] = on
}

// Clear removes the explicit flag for p so it falls back to the default
func (o *Overrides) Clear(p Point) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.flags, p)
}

// Default returns the fallback flag
func (o *Overrides) Default() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.def
}

// SetDefault changes the fallback flag without touching explicit entries
func (o *Overrides) SetDefault(def bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.def = def
}

// Reset drops every explicit flag
func (o *Overrides) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flags = make(map[Point]bool)
}

// Explicit returns a copy of the explicit flags
func (o *Overrides) Explicit() map[Point]bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[Point]bool, len(o.flags))
	for k, v := range o.flags {
		out[k] = v
	}
	return out
}
