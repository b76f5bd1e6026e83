package broadcast

import (
	"github.com/drblury/wsflow/internal/runtime/registry"
)

// Operator combines filter dimensions.
type Operator string

// Supported operators.
const (
	Or  Operator = "or"
	And Operator = "and"
)

// ParseOperator maps a configuration value to an Operator, defaulting to Or.
func ParseOperator(s string) Operator {
	if Operator(s) == And {
		return And
	}
	return Or
}

// Operators are the process-wide include and exclude combinators.
type Operators struct {
	Include Operator
	Exclude Operator
}

// Selector lists the keys to include and exclude for one dimension. An empty
// list means "not specified".
type Selector struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Filter narrows a broadcast by user, role, context and client identifier.
// The zero Filter targets every connection.
type Filter struct {
	User       Selector `json:"user,omitempty"`
	Role       Selector `json:"role,omitempty"`
	Context    Selector `json:"context,omitempty"`
	Identifier Selector `json:"identifier,omitempty"`
}

// IsZero reports whether no dimension specifies anything.
func (f Filter) IsZero() bool {
	for _, s := range f.selectors() {
		if len(s.sel.Include) > 0 || len(s.sel.Exclude) > 0 {
			return false
		}
	}
	return true
}

type dimension struct {
	sel   Selector
	index func(ix *registry.Indexes) map[string]registry.Set
}

func (f Filter) selectors() []dimension {
	return []dimension{
		{f.User, func(ix *registry.Indexes) map[string]registry.Set { return ix.ByUser }},
		{f.Role, func(ix *registry.Indexes) map[string]registry.Set { return ix.ByRole }},
		{f.Context, func(ix *registry.Indexes) map[string]registry.Set { return ix.ByContext }},
		{f.Identifier, func(ix *registry.Indexes) map[string]registry.Set { return ix.ByIdentifier }},
	}
}

// Targets evaluates f over the indexes and returns the target set: the
// included connections minus the excluded ones minus the sender (when
// sender is non-empty).
func Targets(ix *registry.Indexes, f Filter, ops Operators, sender string) registry.Set {
	included := include(ix, f, ops.Include)
	dims := f.selectors()

	out := make(registry.Set, len(included))
	for id, m := range included {
		if sender != "" && id == sender {
			continue
		}
		if excluded(ix, dims, ops.Exclude, id) {
			continue
		}
		out[id] = m
	}
	return out
}

// include combines the specified include dimensions. Or is the union of every
// matched set; And intersects progressively over the specified dimensions
// only. Nothing specified selects every connection.
func include(ix *registry.Indexes, f Filter, op Operator) registry.Set {
	var result registry.Set
	specified := false
	for _, d := range f.selectors() {
		if len(d.sel.Include) == 0 {
			continue
		}
		matched := union(d.index(ix), d.sel.Include)
		if !specified {
			result = matched
			specified = true
			continue
		}
		if op == And {
			result = intersect(result, matched)
		} else {
			for id, m := range matched {
				result[id] = m
			}
		}
	}
	if !specified {
		return ix.All
	}
	return result
}

// excluded evaluates the exclude dimensions for one connection. Or excludes
// on any specified dimension matching; And only when every specified
// dimension matches. With no exclude dimension nothing is excluded.
func excluded(ix *registry.Indexes, dims []dimension, op Operator, id string) bool {
	specified := false
	for _, d := range dims {
		if len(d.sel.Exclude) == 0 {
			continue
		}
		specified = true
		match := matchesAny(d.index(ix), d.sel.Exclude, id)
		if op == And && !match {
			return false
		}
		if op != And && match {
			return true
		}
	}
	return specified && op == And
}

func union(index map[string]registry.Set, keys []string) registry.Set {
	out := registry.Set{}
	for _, k := range keys {
		for id, m := range index[k] {
			out[id] = m
		}
	}
	return out
}

func intersect(a, b registry.Set) registry.Set {
	out := registry.Set{}
	for id, m := range a {
		if b.Has(id) {
			out[id] = m
		}
	}
	return out
}

func matchesAny(index map[string]registry.Set, keys []string, id string) bool {
	for _, k := range keys {
		if index[k].Has(id) {
			return true
		}
	}
	return false
}
