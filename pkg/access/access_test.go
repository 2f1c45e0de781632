package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MohamedAnouar/containerproxy/pkg/access"
	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

func specWithAccess(users, groups []string) proxytypes.ProxySpec {
	var ac *proxytypes.AccessControlSpec
	if len(users) > 0 || len(groups) > 0 {
		ac = &proxytypes.AccessControlSpec{Users: users, Groups: groups}
	}
	return proxytypes.ProxySpec{ID: "s1", AccessControl: ac}
}

func TestCanAccess_NilInputsDenied(t *testing.T) {
	ctl := access.New(nil)
	spec := specWithAccess(nil, nil)

	assert.False(t, ctl.CanAccess(nil, &spec))
	assert.False(t, ctl.CanAccess(&access.Auth{Enforces: true}, nil))
}

func TestCanAccess_OpenSpecAllowsAnyone(t *testing.T) {
	ctl := access.New(nil)
	spec := specWithAccess(nil, nil)

	assert.True(t, ctl.CanAccess(&access.Auth{Name: "bob", Enforces: true}, &spec))
}

func TestCanAccess_NamedUser(t *testing.T) {
	ctl := access.New(nil)
	spec := specWithAccess([]string{"alice"}, nil)

	assert.True(t, ctl.CanAccess(&access.Auth{Name: "alice", Enforces: true}, &spec))
	assert.False(t, ctl.CanAccess(&access.Auth{Name: "bob", Enforces: true}, &spec))
}

func TestCanAccess_GroupMember(t *testing.T) {
	ctl := access.New(nil)
	spec := specWithAccess(nil, []string{"g"})

	assert.True(t, ctl.CanAccess(&access.Auth{Name: "bob", Groups: []string{"g"}, Enforces: true}, &spec))
	assert.False(t, ctl.CanAccess(&access.Auth{Name: "bob", Groups: []string{"other"}, Enforces: true}, &spec))
}

func TestCanAccess_BackendDoesNotEnforce(t *testing.T) {
	ctl := access.New(nil)
	restricted := specWithAccess([]string{"alice"}, nil)
	open := specWithAccess(nil, nil)

	assert.True(t, ctl.CanAccess(&access.Auth{Anonymous: true, Enforces: false}, &restricted))
	assert.False(t, ctl.CanAccess(&access.Auth{Name: "bob", Enforces: false}, &restricted))
	assert.True(t, ctl.CanAccess(&access.Auth{Name: "bob", Enforces: false}, &open))
}

func TestCanAccess_IsPure(t *testing.T) {
	ctl := access.New(nil)
	spec := specWithAccess([]string{"alice"}, nil)
	auth := &access.Auth{Name: "alice", Enforces: true}

	first := ctl.CanAccess(auth, &spec)
	second := ctl.CanAccess(auth, &spec)
	assert.Equal(t, first, second)
}

func TestCanAccessSpecID_UnknownIDDenied(t *testing.T) {
	ctl := access.New(func(string) (proxytypes.ProxySpec, bool) { return proxytypes.ProxySpec{}, false })
	assert.False(t, ctl.CanAccessSpecID(&access.Auth{Name: "alice", Enforces: true}, "unknown"))
}
