package session

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rolesync/metrics"
)

func stateWith(t *testing.T, compositeRoles, recordRoles []string) *State {
	t.Helper()
	token, err := Encode(CompositeClaims{Roles: compositeRoles, Name: "Ann", Extra: RawClaims{"sub": "u1"}})
	require.NoError(t, err)
	st := NewState()
	seed(st, Record{
		ProviderToken:  "p.t.s",
		CompositeToken: token,
		User:           UserRecord{ID: "u1", Name: "Ann", Roles: recordRoles},
		Tag:            TagBaaSUser,
	})
	return st
}

func TestRolesPrecedence(t *testing.T) {
	cfg := Config{RBACEnabled: true, ExternalEnabled: true}

	st := stateWith(t, []string{"B"}, []string{"C"})
	a := NewAuthorizer(cfg, st, nil, nil, testLogger())
	assert.Equal(t, []string{"B"}, a.Roles())

	a.SetExternalUserInfo(map[string]any{"sub": "ext", "roles": []any{"A"}})
	assert.Equal(t, []string{"A"}, a.Roles())

	a.SetExternalUserInfo(map[string]any{"sub": "ext", "roles": []any{}})
	assert.Equal(t, []string{"B"}, a.Roles())

	a.SetExternalUserInfo(map[string]any{"sub": "ext"})
	assert.Equal(t, []string{"B"}, a.Roles())

	a.ClearExternalUserInfo()
	assert.Equal(t, []string{"B"}, a.Roles())
}

func TestRolesFallBackToRecord(t *testing.T) {
	a := NewAuthorizer(Config{RBACEnabled: true}, stateWith(t, nil, []string{"C"}), nil, nil, testLogger())
	assert.Equal(t, []string{"C"}, a.Roles())
}

func TestRolesUnreadableCompositeFallsBack(t *testing.T) {
	st := NewState()
	seed(st, Record{CompositeToken: "garbage", User: UserRecord{Roles: []string{"C"}}, Tag: TagBaaSUser})
	a := NewAuthorizer(Config{RBACEnabled: true}, st, nil, nil, testLogger())
	assert.Equal(t, []string{"C"}, a.Roles())
}

func TestRolesEmpty(t *testing.T) {
	a := NewAuthorizer(Config{RBACEnabled: true}, NewState(), nil, nil, testLogger())
	roles := a.Roles()
	require.NotNil(t, roles)
	assert.Empty(t, roles)
}

func TestExternalIgnoredWhenGated(t *testing.T) {
	ext := map[string]any{"roles": []any{"A"}}
	for name, cfg := range map[string]Config{
		"external disabled": {RBACEnabled: true, ExternalEnabled: false},
		"rbac disabled":     {RBACEnabled: false, ExternalEnabled: true},
	} {
		t.Run(name, func(t *testing.T) {
			a := NewAuthorizer(cfg, stateWith(t, []string{"B"}, nil), nil, nil, testLogger())
			a.SetExternalUserInfo(ext)
			assert.Equal(t, []string{"B"}, a.Roles())
		})
	}
}

func TestCheckPermission(t *testing.T) {
	a := NewAuthorizer(Config{RBACEnabled: true}, stateWith(t, []string{"editor", "viewer"}, nil), nil, nil, testLogger())

	assert.True(t, a.CheckPermission("editor"))
	assert.True(t, a.CheckPermission("admin", "viewer"), "any-of semantics")
	assert.False(t, a.CheckPermission("admin"))
	assert.False(t, a.CheckPermission())

	assert.True(t, a.CheckAllPermissions("editor", "viewer"))
	assert.False(t, a.CheckAllPermissions("editor", "admin"))
	assert.True(t, a.CheckAllPermissions())
}

func TestCheckPermissionNoRolesFailsClosed(t *testing.T) {
	m := metrics.New()
	a := NewAuthorizer(Config{RBACEnabled: true}, NewState(), nil, m, testLogger())
	assert.False(t, a.CheckPermission("X"))
	assert.False(t, a.CheckAllPermissions("X"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PermissionChecks.WithLabelValues("no_roles")))
}

func TestCheckPermissionRBACDisabled(t *testing.T) {
	a := NewAuthorizer(Config{RBACEnabled: false}, NewState(), nil, nil, testLogger())
	assert.True(t, a.CheckPermission("X"))
	assert.True(t, a.CheckPermission())
	assert.True(t, a.CheckAllPermissions("X", "Y"))
}

func TestUserInfoPreference(t *testing.T) {
	assert.Nil(t, NewAuthorizer(Config{}, NewState(), nil, nil, testLogger()).UserInfo())

	st := stateWith(t, []string{"B"}, []string{"C"})
	a := NewAuthorizer(Config{ExternalEnabled: true}, st, nil, nil, testLogger())

	info := a.UserInfo()
	assert.Equal(t, "u1", info["sub"])
	assert.Equal(t, []any{"B"}, info["roles"])

	a.SetExternalUserInfo(map[string]any{"sub": "ext"})
	assert.Equal(t, map[string]any{"sub": "ext"}, a.UserInfo())
	tag, _ := a.ActiveTag()
	assert.Equal(t, TagExternal, tag)

	a.UserInfo()["sub"] = "mutated"
	assert.Equal(t, "ext", a.UserInfo()["sub"])

	broken := NewState()
	seed(broken, Record{CompositeToken: "garbage", User: UserRecord{ID: "u9", Email: "x@y"}, Tag: TagBaaSUser})
	got := NewAuthorizer(Config{}, broken, nil, nil, testLogger()).UserInfo()
	assert.Equal(t, "u9", got["id"])
	assert.Equal(t, "x@y", got["email"])
}

func TestInitialize(t *testing.T) {
	st := stateWith(t, []string{"B"}, nil)
	src := fakeUserInfo{info: map[string]any{"sub": "ext", "roles": []any{"A"}}}
	a := NewAuthorizer(Config{RBACEnabled: true, ExternalEnabled: true}, st, src, nil, testLogger())

	a.Initialize(context.Background())
	assert.Equal(t, []string{"A"}, a.Roles())

	failing := NewAuthorizer(Config{RBACEnabled: true, ExternalEnabled: true}, st, fakeUserInfo{err: errors.New("offline")}, nil, testLogger())
	failing.Initialize(context.Background())
	assert.Equal(t, []string{"B"}, failing.Roles())
}

func TestInitializeSkippedWhenDisabled(t *testing.T) {
	st := NewState()
	src := fakeUserInfo{info: map[string]any{"sub": "ext"}}
	NewAuthorizer(Config{RBACEnabled: true}, st, src, nil, testLogger()).Initialize(context.Background())
	assert.False(t, st.authenticated())
}

func TestExternalSessionCountsAsAuthenticated(t *testing.T) {
	st := NewState()
	a := NewAuthorizer(Config{RBACEnabled: true, ExternalEnabled: true}, st, fakeUserInfo{info: map[string]any{"sub": "ext"}}, nil, testLogger())
	a.Initialize(context.Background())
	assert.True(t, st.authenticated())
}

func TestExternalUserInfoIgnoredWhenDisabled(t *testing.T) {
	st := NewState()
	a := NewAuthorizer(Config{RBACEnabled: true}, st, nil, nil, testLogger())

	a.SetExternalUserInfo(map[string]any{"sub": "ext", "roles": []any{"A"}})
	assert.False(t, st.authenticated())
	assert.Nil(t, a.UserInfo())
	assert.False(t, a.CheckPermission("A"))
}
