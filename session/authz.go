package session

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"rolesync/metrics"
)

// Config holds the switches the authorization context consumes but does not
// own.
type Config struct {
	// RBACEnabled turns permission checks on. When false every check passes.
	RBACEnabled bool
	// ExternalEnabled allows the external provider's user-info to take part
	// in role resolution and user-info lookups.
	ExternalEnabled bool
}

// UserInfoSource fetches the current user's attributes from the external
// identity provider.
type UserInfoSource interface {
	UserInfo(ctx context.Context) (map[string]any, error)
}

// roleSource yields roles from one place, reporting false when it has none.
type roleSource struct {
	name    string
	resolve func(snapshot) ([]string, bool)
}

// Authorizer answers role and permission questions from the in-memory
// session state.
type Authorizer struct {
	cfg      Config
	state    *State
	external UserInfoSource
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sources  []roleSource
}

// NewAuthorizer builds an Authorizer. external may be nil; with nil m the
// checks are counted on a private, unregistered collector set.
func NewAuthorizer(cfg Config, state *State, external UserInfoSource, m *metrics.Metrics, logger *slog.Logger) *Authorizer {
	if m == nil {
		m = metrics.New()
	}
	a := &Authorizer{cfg: cfg, state: state, external: external, metrics: m, logger: logger}
	a.sources = []roleSource{
		{name: "external", resolve: a.externalRoles},
		{name: "composite_token", resolve: a.compositeRoles},
		{name: "user_record", resolve: recordRoles},
	}
	return a
}

func (a *Authorizer) externalRoles(s snapshot) ([]string, bool) {
	if !a.cfg.RBACEnabled || !a.cfg.ExternalEnabled || s.external == nil {
		return nil, false
	}
	return RawClaims(s.external).Roles()
}

func (a *Authorizer) compositeRoles(s snapshot) ([]string, bool) {
	if s.record == nil || s.record.CompositeToken == "" {
		return nil, false
	}
	claims, err := Decode(s.record.CompositeToken)
	if err != nil {
		a.logger.Debug("composite token unreadable", "error", err)
		return nil, false
	}
	return claims.Roles, len(claims.Roles) > 0
}

func recordRoles(s snapshot) ([]string, bool) {
	if s.record == nil || len(s.record.User.Roles) == 0 {
		return nil, false
	}
	return slices.Clone(s.record.User.Roles), true
}

// Roles resolves the current role set. The first source with a non-empty
// result wins; with none the result is empty, never nil.
func (a *Authorizer) Roles() []string {
	roles, _ := a.resolveRoles()
	return roles
}

func (a *Authorizer) resolveRoles() ([]string, string) {
	snap := a.state.snapshot()
	for _, src := range a.sources {
		if roles, ok := src.resolve(snap); ok {
			return roles, src.name
		}
	}
	return []string{}, ""
}

// UserInfo returns the most authoritative view of the current user: the
// external provider's user-info, then the composite token payload, then the
// stored user record. It returns nil when there is no session.
func (a *Authorizer) UserInfo() map[string]any {
	snap := a.state.snapshot()
	if a.cfg.ExternalEnabled && snap.external != nil {
		return maps.Clone(snap.external)
	}
	if snap.record == nil {
		return nil
	}
	if claims, err := DecodeClaims(snap.record.CompositeToken); err == nil {
		return claims
	}
	return snap.record.User.Map()
}

// ActiveTag reports which provider the current session came from.
func (a *Authorizer) ActiveTag() (ProviderTag, bool) {
	snap := a.state.snapshot()
	if a.cfg.ExternalEnabled && snap.external != nil {
		return TagExternal, true
	}
	if snap.record == nil {
		return "", false
	}
	return snap.record.Tag, true
}

// CheckPermission reports whether the current roles include any of perms.
// With RBAC disabled it always returns true.
func (a *Authorizer) CheckPermission(perms ...string) bool {
	if !a.cfg.RBACEnabled {
		a.metrics.PermissionChecks.WithLabelValues("rbac_disabled").Inc()
		return true
	}
	roles, source := a.resolveRoles()
	if len(roles) == 0 {
		a.metrics.PermissionChecks.WithLabelValues("no_roles").Inc()
		a.logger.Warn("permission check with no roles", "permissions", perms)
		return false
	}
	for _, p := range perms {
		if slices.Contains(roles, p) {
			a.metrics.PermissionChecks.WithLabelValues("allowed").Inc()
			return true
		}
	}
	a.metrics.PermissionChecks.WithLabelValues("denied").Inc()
	a.logger.Debug("permission denied", "permissions", perms, "roles", roles, "source", source)
	return false
}

// CheckAllPermissions reports whether every one of perms passes
// CheckPermission.
func (a *Authorizer) CheckAllPermissions(perms ...string) bool {
	for _, p := range perms {
		if !a.CheckPermission(p) {
			return false
		}
	}
	return true
}

// Initialize loads the external provider's user-info into the session state
// when the external provider is enabled. Failures are logged and leave the
// external mirror empty.
func (a *Authorizer) Initialize(ctx context.Context) {
	if !a.cfg.ExternalEnabled || a.external == nil {
		return
	}
	info, err := a.external.UserInfo(ctx)
	if err != nil {
		a.logger.Warn("fetch external user info failed", "error", err)
		a.state.setExternal(nil)
		return
	}
	a.state.setExternal(info)
	a.logger.Debug("external user info loaded", "subject", RawClaims(info).Subject())
}

// SetExternalUserInfo mirrors user-info obtained by the host from the
// external provider. It is ignored while the external provider is disabled.
func (a *Authorizer) SetExternalUserInfo(info map[string]any) {
	if !a.cfg.ExternalEnabled {
		a.logger.Debug("external provider disabled, ignoring user info")
		return
	}
	a.state.setExternal(info)
}

// ClearExternalUserInfo drops the external user-info mirror.
func (a *Authorizer) ClearExternalUserInfo() {
	a.state.setExternal(nil)
}
