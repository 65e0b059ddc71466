package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry is the set of agents allowed to act. It is owned by whoever constructs the engine;
// there is no process-wide default.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]struct{}
}

func NewRegistry(agents ...string) *Registry {
	r := &Registry{agents: make(map[string]struct{}, len(agents))}
	for _, a := range agents {
		_ = r.Register(a)
	}
	return r
}

func (r *Registry) Register(agentID string) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = struct{}{}
	return nil
}

func (r *Registry) Registered(agentID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for a := range r.agents {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
