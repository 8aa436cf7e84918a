package contract

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/skillmesh/logging"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Modes overrides or extends the mode table of the source.
	Modes  map[string]Mode
	Logger logging.Logger
}

// Registry loads contracts from a Source and caches them for its lifetime.
// Re-parsing only happens through Reload.
type Registry struct {
	source Source
	logger logging.Logger

	mu        sync.RWMutex
	contracts map[string]*Contract
	modes     map[string]Mode
	overrides map[string]Mode
	modesRead bool
}

// NewRegistry returns a Registry reading from source.
func NewRegistry(source Source, optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	overrides := make(map[string]Mode, len(opts.Modes))
	for k, v := range opts.Modes {
		overrides[k] = v
	}
	return &Registry{
		source:    source,
		logger:    opts.Logger,
		contracts: map[string]*Contract{},
		overrides: overrides,
	}
}

// Get returns the contract for skill, loading and caching it on first use.
func (r *Registry) Get(skill string) (*Contract, error) {
	r.mu.RLock()
	c, ok := r.contracts[skill]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contracts[skill]; ok {
		return c, nil
	}
	c, err := r.load(skill)
	if err != nil {
		return nil, err
	}
	r.contracts[skill] = c
	return c, nil
}

func (r *Registry) load(skill string) (*Contract, error) {
	data, err := r.source.Load(skill)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) && verr.Skill == "" {
			verr.Skill = skill
		}
		r.logger.Warn("Contract rejected", "skill", skill, "error", err)
		return nil, err
	}
	if c.Name != skill {
		return nil, &ValidationError{Skill: skill, Issues: []Issue{{
			Field:   "name",
			Message: fmt.Sprintf("declares %q but was loaded as %q", c.Name, skill),
		}}}
	}
	r.logger.Debug("Contract loaded", "skill", skill, "version", c.Version)
	return c, nil
}

// Mode returns the execution mode of skill. Skills absent from the mode table
// run in advisor mode.
func (r *Registry) Mode(skill string) Mode {
	if m, ok := r.lookupMode(skill); ok {
		return m
	}
	return ModeAdvisor
}

func (r *Registry) lookupMode(skill string) (Mode, bool) {
	r.mu.RLock()
	if m, ok := r.overrides[skill]; ok {
		r.mu.RUnlock()
		return m, true
	}
	if r.modesRead {
		m, ok := r.modes[skill]
		r.mu.RUnlock()
		return m, ok
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.modesRead {
		r.modes = map[string]Mode{}
		if ms, ok := r.source.(ModeSource); ok {
			modes, err := ms.Modes()
			if err != nil {
				r.logger.Warn("Mode table unreadable, defaulting to advisor", "error", err)
			} else {
				r.modes = modes
			}
		}
		r.modesRead = true
	}
	m, ok := r.modes[skill]
	return m, ok
}

// SetMode overrides the execution mode of skill.
func (r *Registry) SetMode(skill string, m Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[skill] = m
}

// Reload drops cached contracts (all of them when no names are given) and the
// cached mode table so the next Get re-reads the source.
func (r *Registry) Reload(skills ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(skills) == 0 {
		r.contracts = map[string]*Contract{}
	} else {
		for _, s := range skills {
			delete(r.contracts, s)
		}
	}
	r.modesRead = false
	r.modes = nil
}

// Cached returns the names currently held in the cache.
func (r *Registry) Cached() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.contracts))
	for n := range r.contracts {
		names = append(names, n)
	}
	return names
}
