package session

import (
	"slices"
	"time"
)

// Administrators are privileged by account class, so an admin record without
// roles still gets these.
var adminDefaultRoles = []string{"admin", "superuser"}

// ResolveRoles picks the roles for a freshly authenticated BaaS account.
// An empty roles array is treated the same as an absent one.
func ResolveRoles(tag ProviderTag, rec UserRecord) []string {
	if len(rec.Roles) > 0 {
		return slices.Clone(rec.Roles)
	}
	if tag == TagBaaSAdmin {
		return slices.Clone(adminDefaultRoles)
	}
	return []string{}
}

// Merge overlays roles and user attributes on the provider claims and stamps
// issued-at. A nil roles slice becomes an empty one.
func Merge(raw RawClaims, roles []string, rec UserRecord) CompositeClaims {
	extra := make(RawClaims, len(raw))
	for k, v := range raw {
		if isReservedClaim(k) {
			continue
		}
		extra[k] = v
	}

	merged := []string{}
	if roles != nil {
		merged = slices.Clone(roles)
	}

	var role *int
	if rec.Role != nil {
		r := *rec.Role
		role = &r
	}

	return CompositeClaims{
		Roles:    merged,
		Name:     rec.Name,
		Email:    rec.Email,
		Role:     role,
		IssuedAt: now().Truncate(time.Second),
		Extra:    extra,
	}
}

func isReservedClaim(k string) bool {
	switch k {
	case claimRoles, claimName, claimEmail, claimRole, claimIssuedAt:
		return true
	}
	return false
}
