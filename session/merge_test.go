package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeNilRolesBecomeEmpty(t *testing.T) {
	got := Merge(RawClaims{"sub": "u1"}, nil, UserRecord{})
	require.NotNil(t, got.Roles)
	assert.Empty(t, got.Roles)
}

func TestMergeOverlaysRecord(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC)
	freezeNow(t, at)

	role := 7
	raw := RawClaims{
		"sub":   "u1",
		"exp":   float64(1_900_000_000),
		"roles": []any{"from-provider"},
		"name":  "stale",
		"iat":   float64(1),
	}
	rec := UserRecord{Name: "Ann", Email: "ann@example.com", Role: &role}

	got := Merge(raw, []string{"editor"}, rec)
	assert.Equal(t, []string{"editor"}, got.Roles)
	assert.Equal(t, "Ann", got.Name)
	assert.Equal(t, "ann@example.com", got.Email)
	require.NotNil(t, got.Role)
	assert.Equal(t, 7, *got.Role)
	assert.Equal(t, at.Truncate(time.Second), got.IssuedAt)
	assert.Equal(t, RawClaims{"sub": "u1", "exp": float64(1_900_000_000)}, got.Extra)

	role = 9
	assert.Equal(t, 7, *got.Role, "merged role must not alias the record")
	assert.Len(t, raw, 5, "raw claims must not be modified")
}

func TestResolveRoles(t *testing.T) {
	cases := []struct {
		name string
		tag  ProviderTag
		rec  UserRecord
		want []string
	}{
		{"admin without roles", TagBaaSAdmin, UserRecord{}, []string{"admin", "superuser"}},
		{"admin with empty roles", TagBaaSAdmin, UserRecord{Roles: []string{}}, []string{"admin", "superuser"}},
		{"admin with roles", TagBaaSAdmin, UserRecord{Roles: []string{"ops"}}, []string{"ops"}},
		{"user without roles", TagBaaSUser, UserRecord{}, []string{}},
		{"user with roles", TagBaaSUser, UserRecord{Roles: []string{"editor"}}, []string{"editor"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveRoles(tc.tag, tc.rec)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveRolesDoesNotShareDefaults(t *testing.T) {
	got := ResolveRoles(TagBaaSAdmin, UserRecord{})
	got[0] = "changed"
	assert.Equal(t, []string{"admin", "superuser"}, ResolveRoles(TagBaaSAdmin, UserRecord{}))
}
