package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/wsflow/internal/runtime/registry"
)

// room builds a registry with:
//
//	a: alice, admin,   contexts room1
//	b: alice, member,  contexts room2
//	c: bob,   admin,   contexts room1, room2
//	d: carol, member
func room(t *testing.T) *registry.Indexes {
	t.Helper()
	r := registry.New()
	a, b, c, d := conn("a", "alice", "admin"), conn("b", "alice", "member"), conn("c", "bob", "admin"), conn("d", "carol", "member")
	d.identifier = "kiosk"
	for _, m := range []*fakeConn{a, b, c, d} {
		r.Register("t1", "/chat", m)
	}
	r.EnterContext("t1", "/chat", a, "room1")
	r.EnterContext("t1", "/chat", b, "room2")
	r.EnterContext("t1", "/chat", c, "room1")
	r.EnterContext("t1", "/chat", c, "room2")
	return r.Lookup("t1", "/chat")
}

var orOr = Operators{Include: Or, Exclude: Or}

func TestParseOperator(t *testing.T) {
	assert.Equal(t, And, ParseOperator("and"))
	assert.Equal(t, Or, ParseOperator("or"))
	assert.Equal(t, Or, ParseOperator(""))
	assert.Equal(t, Or, ParseOperator("xor"))
}

func TestTargets(t *testing.T) {
	ix := room(t)

	tests := []struct {
		name   string
		filter Filter
		ops    Operators
		sender string
		want   []string
	}{
		{
			name: "no filter selects all",
			ops:  orOr,
			want: []string{"a", "b", "c", "d"},
		},
		{
			name:   "no filter minus sender",
			ops:    orOr,
			sender: "a",
			want:   []string{"b", "c", "d"},
		},
		{
			name:   "include user is exactly byUser",
			filter: Filter{User: Selector{Include: []string{"alice"}}},
			ops:    orOr,
			want:   []string{"a", "b"},
		},
		{
			name: "or include unions dimensions",
			filter: Filter{
				User:    Selector{Include: []string{"carol"}},
				Context: Selector{Include: []string{"room1"}},
			},
			ops:  orOr,
			want: []string{"a", "c", "d"},
		},
		{
			name: "and include intersects specified dimensions",
			filter: Filter{
				User:    Selector{Include: []string{"alice"}},
				Context: Selector{Include: []string{"room1"}},
			},
			ops:  Operators{Include: And, Exclude: Or},
			want: []string{"a"},
		},
		{
			name: "and include with three dimensions",
			filter: Filter{
				Role:    Selector{Include: []string{"admin"}},
				Context: Selector{Include: []string{"room2"}},
				User:    Selector{Include: []string{"bob", "alice"}},
			},
			ops:  Operators{Include: And, Exclude: Or},
			want: []string{"c"},
		},
		{
			name:   "exclude role subtracts byRole",
			filter: Filter{Role: Selector{Exclude: []string{"admin"}}},
			ops:    orOr,
			want:   []string{"b", "d"},
		},
		{
			name: "or exclude removes any match",
			filter: Filter{
				Role:    Selector{Exclude: []string{"admin"}},
				Context: Selector{Exclude: []string{"room2"}},
			},
			ops:  orOr,
			want: []string{"d"},
		},
		{
			name: "and exclude removes only full matches",
			filter: Filter{
				Role:    Selector{Exclude: []string{"admin"}},
				Context: Selector{Exclude: []string{"room2"}},
			},
			ops:  Operators{Include: Or, Exclude: And},
			want: []string{"a", "b", "d"},
		},
		{
			name:   "identifier include",
			filter: Filter{Identifier: Selector{Include: []string{"kiosk"}}},
			ops:    orOr,
			want:   []string{"d"},
		},
		{
			name:   "empty lists behave as unspecified",
			filter: Filter{User: Selector{Include: []string{}, Exclude: []string{}}},
			ops:    Operators{Include: And, Exclude: And},
			want:   []string{"a", "b", "c", "d"},
		},
		{
			name:   "unknown key resolves to nothing",
			filter: Filter{User: Selector{Include: []string{"mallory"}}},
			ops:    orOr,
			want:   []string{},
		},
		{
			name: "include and exclude combine",
			filter: Filter{
				Context: Selector{Include: []string{"room1"}},
				User:    Selector{Exclude: []string{"bob"}},
			},
			ops:    orOr,
			sender: "d",
			want:   []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Targets(ix, tt.filter, tt.ops, tt.sender)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestExitedContextNoLongerMatches(t *testing.T) {
	r := registry.New()
	a, b := conn("a", "alice"), conn("b", "bob")
	r.Register("t1", "/chat", a)
	r.Register("t1", "/chat", b)
	r.EnterContext("t1", "/chat", a, "room1")
	r.ExitContext("t1", "/chat", a, "room1")

	include := Filter{Context: Selector{Include: []string{"room1"}}}
	exclude := Filter{Context: Selector{Exclude: []string{"room1"}}}

	assert.Empty(t, Targets(r.Lookup("t1", "/chat"), include, orOr, ""))
	assert.Equal(t, []string{"a", "b"}, ids(Targets(r.Lookup("t1", "/chat"), exclude, orOr, "")))

	r.EnterContext("t1", "/chat", a, "room1")
	assert.Equal(t, []string{"a"}, ids(Targets(r.Lookup("t1", "/chat"), include, orOr, "")))
	assert.Equal(t, []string{"b"}, ids(Targets(r.Lookup("t1", "/chat"), exclude, orOr, "")))
}

func TestFilterIsZero(t *testing.T) {
	assert.True(t, Filter{}.IsZero())
	assert.True(t, Filter{Role: Selector{Include: []string{}}}.IsZero())
	assert.False(t, Filter{Role: Selector{Exclude: []string{"x"}}}.IsZero())
}
