package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id, user, identifier string
	roles                []string
}

func (f *fakeMember) ID() string                   { return f.id }
func (f *fakeMember) User() string                 { return f.user }
func (f *fakeMember) Roles() []string              { return f.roles }
func (f *fakeMember) Identifier() string           { return f.identifier }
func (f *fakeMember) Ready() bool                  { return true }
func (f *fakeMember) Deliver(string, []byte) error { return nil }

func member(id, user string, roles ...string) *fakeMember {
	return &fakeMember{id: id, user: user, roles: roles}
}

func TestRegisterIndexesAttributes(t *testing.T) {
	r := New()
	a := member("a", "alice", "admin", "support")
	a.identifier = "device-1"
	b := member("b", "")

	r.Register("t1", "/chat", a)
	r.Register("t1", "/chat", b)
	r.Register("t1", "/chat", a)

	ix := r.Lookup("t1", "/chat")
	assert.Len(t, ix.All, 2)
	assert.True(t, ix.ByUser["alice"].Has("a"))
	assert.NotContains(t, ix.ByUser, "")
	assert.True(t, ix.ByRole["admin"].Has("a"))
	assert.True(t, ix.ByRole["support"].Has("a"))
	assert.True(t, ix.ByIdentifier["device-1"].Has("a"))
	assert.Equal(t, 2, r.Count("t1", "/chat"))
}

func TestTenantsAndServicesAreIsolated(t *testing.T) {
	r := New()
	r.Register("t1", "/chat", member("a", "alice"))
	r.Register("t2", "/chat", member("b", "bob"))
	r.Register("t1", "/news", member("c", "carol"))

	assert.Len(t, r.Lookup("t1", "/chat").All, 1)
	assert.True(t, r.Lookup("t2", "/chat").All.Has("b"))
	assert.False(t, r.Lookup("t1", "/chat").All.Has("c"))
}

func TestUnregisterClearsEveryIndex(t *testing.T) {
	r := New()
	a := member("a", "alice", "admin")
	a.identifier = "dev"
	r.Register("t1", "/chat", a)
	r.EnterContext("t1", "/chat", a, "room1")
	r.EnterContext("t1", "/chat", a, "room2")

	r.Unregister("t1", "/chat", a)

	ix := r.Lookup("t1", "/chat")
	assert.Empty(t, ix.All)
	assert.Empty(t, ix.ByUser)
	assert.Empty(t, ix.ByRole)
	assert.Empty(t, ix.ByContext)
	assert.Empty(t, ix.ByIdentifier)
	assert.Empty(t, r.Contexts("t1", "/chat", a))
	assert.Empty(t, r.Stats())

	// unregistering again and entering after disconnect are no-ops
	r.Unregister("t1", "/chat", a)
	r.EnterContext("t1", "/chat", a, "room1")
	assert.Empty(t, r.Lookup("t1", "/chat").ByContext)
}

func TestMembershipFollowsLifecycle(t *testing.T) {
	r := New()
	members := make([]*fakeMember, 10)
	for i := range members {
		members[i] = member(fmt.Sprintf("c%d", i), "u")
		r.Register("t", "/s", members[i])
	}
	for i := 0; i < len(members); i += 2 {
		r.Unregister("t", "/s", members[i])
	}

	all := r.Lookup("t", "/s").All
	for i, m := range members {
		assert.Equal(t, i%2 == 1, all.Has(m.id), m.id)
	}
	assert.Len(t, r.Lookup("t", "/s").ByUser["u"], 5)
}

func TestEnterContextIsIdempotent(t *testing.T) {
	r := New()
	a := member("a", "alice")
	r.Register("t1", "/chat", a)

	r.EnterContext("t1", "/chat", a, "room1")
	once := r.Lookup("t1", "/chat")
	r.EnterContext("t1", "/chat", a, "room1")
	twice := r.Lookup("t1", "/chat")

	assert.Equal(t, once.ByContext, twice.ByContext)
	assert.Len(t, twice.ByContext["room1"], 1)
	assert.Equal(t, []string{"room1"}, r.Contexts("t1", "/chat", a))
}

func TestExitContext(t *testing.T) {
	r := New()
	a := member("a", "alice")
	b := member("b", "bob")
	r.Register("t1", "/chat", a)
	r.Register("t1", "/chat", b)
	r.EnterContext("t1", "/chat", a, "room1")
	r.EnterContext("t1", "/chat", b, "room1")
	r.EnterContext("t1", "/chat", a, "room2")

	r.ExitContext("t1", "/chat", a, "room1")
	r.ExitContext("t1", "/chat", a, "never-entered")

	ix := r.Lookup("t1", "/chat")
	assert.False(t, ix.ByContext["room1"].Has("a"))
	assert.True(t, ix.ByContext["room1"].Has("b"))
	assert.Equal(t, []string{"room2"}, r.Contexts("t1", "/chat", a))

	r.ExitContext("t1", "/chat", b, "room1")
	assert.NotContains(t, r.Lookup("t1", "/chat").ByContext, "room1")

	r.EnterContext("t1", "/chat", a, "room1")
	assert.True(t, r.Lookup("t1", "/chat").ByContext["room1"].Has("a"))
}

func TestExitAll(t *testing.T) {
	r := New()
	a := member("a", "alice")
	r.Register("t1", "/chat", a)
	for _, ctx := range []string{"x", "y", "z"} {
		r.EnterContext("t1", "/chat", a, ctx)
	}
	r.ExitAll("t1", "/chat", a)

	assert.Empty(t, r.Contexts("t1", "/chat", a))
	assert.Empty(t, r.Lookup("t1", "/chat").ByContext)
	assert.True(t, r.Lookup("t1", "/chat").All.Has("a"))
}

func TestLookupUnknownAndSnapshotIsolation(t *testing.T) {
	r := New()
	ix := r.Lookup("nobody", "/nothing")
	require.NotNil(t, ix)
	assert.NotNil(t, ix.All)
	assert.NotNil(t, ix.ByUser)
	assert.NotNil(t, ix.ByRole)
	assert.NotNil(t, ix.ByContext)
	assert.NotNil(t, ix.ByIdentifier)

	a := member("a", "alice")
	r.Register("t1", "/chat", a)
	snap := r.Lookup("t1", "/chat")
	delete(snap.All, "a")
	snap.ByUser["alice"]["x"] = a
	assert.Equal(t, 1, r.Count("t1", "/chat"))
	assert.Len(t, r.Lookup("t1", "/chat").ByUser["alice"], 1)
}

func TestViewUnknownPair(t *testing.T) {
	r := New()
	called := false
	r.View("t", "/s", func(ix *Indexes) {
		called = true
		assert.Empty(t, ix.All)
	})
	assert.True(t, called)
}

func TestStats(t *testing.T) {
	r := New()
	a := member("a", "alice")
	r.Register("t2", "/chat", a)
	r.Register("t1", "/chat", member("b", "bob"))
	r.Register("t1", "/chat", member("c", "bob"))
	r.EnterContext("t2", "/chat", a, "room")

	assert.Equal(t, []Stat{
		{Tenant: "t1", Service: "/chat", Connections: 2, Users: 1},
		{Tenant: "t2", Service: "/chat", Connections: 1, Users: 1, Contexts: 1},
	}, r.Stats())
}

func TestConcurrentMutations(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := member(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i%5))
			r.Register("t", "/s", m)
			r.EnterContext("t", "/s", m, "room")
			r.View("t", "/s", func(ix *Indexes) { _ = len(ix.ByContext["room"]) })
			if i%2 == 0 {
				r.Unregister("t", "/s", m)
			}
		}(i)
	}
	wg.Wait()

	ix := r.Lookup("t", "/s")
	assert.Len(t, ix.All, 25)
	assert.Len(t, ix.ByContext["room"], 25)
}
