package fhir

import (
	"context"
	"fmt"
	"sync"
)

// TerminologyService answers the code-set questions behind the :in, :not-in,
// :above, and :below modifiers. Implementations may call out to a terminology
// server; searches using these modifiers fail when no service is configured.
type TerminologyService interface {
	// ExpandValueSet returns the coded members of a ValueSet.
	ExpandValueSet(ctx context.Context, url string) ([]TokenIndexValue, error)
	// Subsumed returns the code and everything beneath it in its system.
	Subsumed(ctx context.Context, system, code string) ([]TokenIndexValue, error)
	// Subsuming returns the code and everything above it in its system.
	Subsuming(ctx context.Context, system, code string) ([]TokenIndexValue, error)
}

// StaticTerminology is an in-memory TerminologyService backed by registered
// value sets and parent links. It serves deployments that preload their code
// systems and keeps tests hermetic.
type StaticTerminology struct {
	mu        sync.RWMutex
	valueSets map[string][]TokenIndexValue
	parents   map[string]string // "system|code" -> parent code
}

func NewStaticTerminology() *StaticTerminology {
	return &StaticTerminology{
		valueSets: make(map[string][]TokenIndexValue),
		parents:   make(map[string]string),
	}
}

// RegisterValueSet installs the expansion for a ValueSet URL.
func (t *StaticTerminology) RegisterValueSet(url string, codes []TokenIndexValue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valueSets[url] = codes
}

// RegisterHierarchy records parent links for a code system. children maps
// each code to its parent.
func (t *StaticTerminology) RegisterHierarchy(system string, children map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for code, parent := range children {
		t.parents[system+"|"+code] = parent
	}
}

func (t *StaticTerminology) ExpandValueSet(_ context.Context, url string) ([]TokenIndexValue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	codes, ok := t.valueSets[url]
	if !ok {
		return nil, fmt.Errorf("value set %s is not registered", url)
	}
	out := make([]TokenIndexValue, len(codes))
	copy(out, codes)
	return out, nil
}

func (t *StaticTerminology) Subsumed(_ context.Context, system, code string) ([]TokenIndexValue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := []TokenIndexValue{{System: system, Code: code}}
	members := map[string]bool{code: true}

	// Iterate until no new descendants appear; hierarchies are shallow enough
	// that repeated passes beat building a child index.
	for {
		grew := false
		for key, parent := range t.parents {
			sys, child, _ := splitToken(key)
			if sys != system || members[child] || !members[parent] {
				continue
			}
			members[child] = true
			out = append(out, TokenIndexValue{System: system, Code: child})
			grew = true
		}
		if !grew {
			return out, nil
		}
	}
}

func (t *StaticTerminology) Subsuming(_ context.Context, system, code string) ([]TokenIndexValue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := []TokenIndexValue{{System: system, Code: code}}
	seen := map[string]bool{code: true}
	for current := code; ; {
		parent, ok := t.parents[system+"|"+current]
		if !ok || parent == "" || seen[parent] {
			return out, nil
		}
		out = append(out, TokenIndexValue{System: system, Code: parent})
		seen[parent] = true
		current = parent
	}
}
