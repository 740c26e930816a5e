package engine

import (
	"fmt"
	"strings"

	"perftrack/internal/hierarchy"
)

// ScopeKind selects how much of the hierarchy a pass recomputes.
type ScopeKind string

const (
	ScopeFull          ScopeKind = "full"
	ScopeIndicator     ScopeKind = "indicator"
	ScopeSuccessFactor ScopeKind = "success_factor"
	ScopeObjective     ScopeKind = "objective"
)

// Scope is the unit of work for one recompute pass.
type Scope struct {
	Kind ScopeKind     `json:"kind"`
	Ref  hierarchy.Ref `json:"ref,omitzero"`
}

// FullScope recomputes every objective from the top.
func FullScope() Scope {
	return Scope{Kind: ScopeFull}
}

// ScopeFor maps an entity reference to the partial scope that covers it.
func ScopeFor(ref hierarchy.Ref) (Scope, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return Scope{}, fmt.Errorf("%w: %s without id", ErrUnknownScope, ref.Kind)
	}
	switch ref.Kind {
	case hierarchy.KindPerformanceIndicator, hierarchy.KindResultIndicator:
		return Scope{Kind: ScopeIndicator, Ref: ref}, nil
	case hierarchy.KindSuccessFactor:
		return Scope{Kind: ScopeSuccessFactor, Ref: ref}, nil
	case hierarchy.KindObjective:
		return Scope{Kind: ScopeObjective, Ref: ref}, nil
	default:
		return Scope{}, fmt.Errorf("%w: %s", ErrUnknownScope, ref.Kind)
	}
}

// ParseScope accepts "full" or an entity kind (pi, ri, sf, objective and their long forms) with an id.
func ParseScope(kind, id string) (Scope, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" || strings.EqualFold(kind, string(ScopeFull)) {
		return FullScope(), nil
	}
	k, err := hierarchy.ParseKind(kind)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: %s", ErrUnknownScope, kind)
	}
	return ScopeFor(hierarchy.Ref{Kind: k, ID: strings.TrimSpace(id)})
}

// Key is a stable string form used for job de-duplication.
func (s Scope) Key() string {
	if s.Kind == ScopeFull || s.Kind == "" {
		return string(ScopeFull)
	}
	return s.Ref.String()
}

func (s Scope) String() string { return s.Key() }

// ParseScopeKey is the inverse of Key.
func ParseScopeKey(key string) (Scope, error) {
	if key == "" || key == string(ScopeFull) {
		return FullScope(), nil
	}
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return Scope{}, fmt.Errorf("%w: %q", ErrUnknownScope, key)
	}
	return ParseScope(kind, id)
}
