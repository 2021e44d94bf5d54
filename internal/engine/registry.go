package engine

import (
	"fmt"
	"strings"
	"sync"
)

// Registry is a name-to-engine lookup with resume-token extraction
// fan-out across every registered backend.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	def     string
}

// NewRegistry creates an empty registry. defaultEngine is returned by
// Resolve when a job names no engine and has no resume hint.
func NewRegistry(defaultEngine string) *Registry {
	return &Registry{engines: make(map[string]Engine), def: defaultEngine}
}

// Register adds an engine under its own ID(). Composite IDs such as
// "claude:variant" are looked up by the prefix before the first colon.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.ID()] = e
}

// Get looks up an engine by exact ID, falling back to the prefix before a
// colon for composite IDs like "claude:variant".
func (r *Registry) Get(id string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.engines[id]; ok {
		return e, true
	}
	if i := strings.IndexByte(id, ':'); i > 0 {
		if e, ok := r.engines[id[:i]]; ok {
			return e, true
		}
	}
	return nil, false
}

// Resolve picks an engine by precedence: explicit job.EngineID ->
// job.Resume.Engine -> the configured default.
func (r *Registry) Resolve(job Job) (Engine, string, error) {
	candidates := []string{}
	if job.EngineID != "" {
		candidates = append(candidates, job.EngineID)
	}
	if job.Resume != nil && job.Resume.Engine != "" {
		candidates = append(candidates, job.Resume.Engine)
	}
	candidates = append(candidates, r.def)

	for _, id := range candidates {
		if id == "" {
			continue
		}
		if e, ok := r.Get(id); ok {
			return e, id, nil
		}
		// The first candidate with a concrete value decides: an unknown
		// id is a hard failure, not a fall-through to a later candidate.
		return nil, id, fmt.Errorf("unknown engine id: %s", id)
	}
	return nil, "", fmt.Errorf("unknown engine id: %s", candidates[0])
}

// ExtractResume fans a resume-line out to every registered engine and
// returns the first match. Used when the origin engine of a persisted
// resume line is not otherwise known.
func (r *Registry) ExtractResume(line string) (ResumeToken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		if tok, ok := e.ExtractResume(line); ok {
			return tok, true
		}
	}
	return ResumeToken{}, false
}

// Default returns the configured default engine id.
func (r *Registry) Default() string { return r.def }
