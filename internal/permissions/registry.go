package permissions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Level is a bucket permission as stored on grants.
type Level string

// Definition describes a registered permission level and the levels it
// implies during evaluation.
type Definition struct {
	ID          Level
	Implies     []Level
	Description string
}

type registry struct {
	mu   sync.RWMutex
	defs map[Level]*Definition
}

var globalRegistry = &registry{defs: make(map[Level]*Definition)}

var (
	ErrUnknownLevel    = errors.New("permission: unknown level")
	ErrCircularImplies = errors.New("permission: circular implication")
	errNilDefinition   = errors.New("permission: nil definition")
	errEmptyID         = errors.New("permission: id is required")
	errDuplicateID     = errors.New("permission: already registered")
	errSelfImplication = errors.New("permission: cannot imply itself")
)

// Register adds a definition to the global registry.
func Register(def *Definition) error {
	if def == nil {
		return errNilDefinition
	}
	id := Level(strings.ToUpper(strings.TrimSpace(string(def.ID))))
	if id == "" {
		return errEmptyID
	}

	cp := &Definition{ID: id, Description: def.Description}
	seen := map[Level]struct{}{}
	for _, implied := range def.Implies {
		implied = Level(strings.ToUpper(strings.TrimSpace(string(implied))))
		if implied == "" {
			continue
		}
		if implied == id {
			return errSelfImplication
		}
		if _, dup := seen[implied]; dup {
			continue
		}
		seen[implied] = struct{}{}
		cp.Implies = append(cp.Implies, implied)
	}

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if _, exists := globalRegistry.defs[id]; exists {
		return fmt.Errorf("%w: %s", errDuplicateID, id)
	}
	for _, implied := range cp.Implies {
		if globalRegistry.reaches(implied, id, map[Level]bool{}) {
			return fmt.Errorf("%w: %s implies %s", ErrCircularImplies, id, implied)
		}
	}
	globalRegistry.defs[id] = cp
	return nil
}

// reaches reports whether target is implied, directly or transitively, by
// from. Callers hold the registry lock.
func (r *registry) reaches(from, target Level, seen map[Level]bool) bool {
	if from == target {
		return true
	}
	if seen[from] {
		return false
	}
	seen[from] = true
	def, ok := r.defs[from]
	if !ok {
		return false
	}
	for _, next := range def.Implies {
		if r.reaches(next, target, seen) {
			return true
		}
	}
	return false
}

func Get(id Level) (*Definition, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	def, ok := globalRegistry.defs[id]
	if !ok {
		return nil, false
	}
	cp := *def
	cp.Implies = append([]Level(nil), def.Implies...)
	return &cp, true
}

// Levels returns the registered levels in sorted order.
func Levels() []Level {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	out := make([]Level, 0, len(globalRegistry.defs))
	for id := range globalRegistry.defs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse normalises raw into a registered level.
func Parse(raw string) (Level, error) {
	id := Level(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := Get(id); !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownLevel, raw)
	}
	return id, nil
}

// expandImplied adds every transitively implied level to set. Register
// refuses cycles, so the walk always terminates.
func expandImplied(set Set) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	pending := set.Levels()
	for len(pending) > 0 {
		current := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		def, ok := globalRegistry.defs[current]
		if !ok {
			continue
		}
		for _, implied := range def.Implies {
			if _, have := set[implied]; have {
				continue
			}
			set[implied] = struct{}{}
			pending = append(pending, implied)
		}
	}
}

// reset clears registry entries. Intended for testing only.
func reset() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.defs = make(map[Level]*Definition)
}
