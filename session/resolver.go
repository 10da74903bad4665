package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"rolesync/metrics"
)

// PasswordAuthenticator is the BaaS identity provider's password login.
type PasswordAuthenticator interface {
	AuthWithPassword(ctx context.Context, class AccountClass, email, password string) (ProviderAuth, error)
}

// ProviderAuth is what the BaaS returns on a successful password login.
type ProviderAuth struct {
	Token  string
	Record UserRecord
}

// LoginResult describes a successful login.
type LoginResult struct {
	Token         string          `json:"token"`
	OriginalToken string          `json:"originalToken"`
	Record        UserRecord      `json:"record"`
	UserType      string          `json:"userType"`
	Claims        CompositeClaims `json:"-"`
	// Persisted is false when the session only lives in memory because the
	// durable write failed.
	Persisted bool `json:"persisted"`
}

// Resolver runs logins against the BaaS provider and keeps the durable
// record and the in-memory state in step.
type Resolver struct {
	baas    PasswordAuthenticator
	store   *Store
	state   *State
	metrics *metrics.Metrics
	logger  *slog.Logger

	// commitMu orders a login's persist-and-install against Logout.
	commitMu sync.Mutex
}

// NewResolver constructs a Resolver. With nil m, outcomes are counted on a
// private, unregistered collector set.
func NewResolver(baas PasswordAuthenticator, store *Store, state *State, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	if m == nil {
		m = metrics.New()
	}
	return &Resolver{baas: baas, store: store, state: state, metrics: m, logger: logger}
}

// Login authenticates a regular user.
func (r *Resolver) Login(ctx context.Context, email, password string) (LoginResult, error) {
	return r.login(ctx, AccountUser, email, password)
}

// AdminLogin authenticates a superuser.
func (r *Resolver) AdminLogin(ctx context.Context, email, password string) (LoginResult, error) {
	return r.login(ctx, AccountAdmin, email, password)
}

func (r *Resolver) login(ctx context.Context, class AccountClass, email, password string) (LoginResult, error) {
	prev, gen, err := r.state.beginLogin()
	if err != nil {
		r.metrics.Logins.WithLabelValues(string(class), "in_progress").Inc()
		return LoginResult{}, err
	}

	res, rec, err := r.authenticate(ctx, class, email, password)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		r.state.abortLogin(prev, gen)
		r.metrics.Logins.WithLabelValues(string(class), loginOutcome(err)).Inc()
		r.logger.Warn("login failed", "user_type", class, "email", email, "error", err)
		return LoginResult{}, err
	}

	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if !r.state.current(gen) {
		r.metrics.Logins.WithLabelValues(string(class), "superseded").Inc()
		r.logger.Info("login discarded, session was logged out meanwhile", "user_type", class, "email", email)
		return LoginResult{}, ErrLoginSuperseded
	}

	outcome := "success"
	if err := r.store.Persist(ctx, rec); err != nil {
		outcome = "success_unpersisted"
		r.logger.Warn("session not persisted, keeping it in memory", "user_type", class, "error", err)
	} else {
		res.Persisted = true
	}
	r.state.finishLogin(rec, gen)

	r.metrics.Logins.WithLabelValues(string(class), outcome).Inc()
	r.logger.Info("login succeeded", "user_type", class, "email", email, "roles", res.Record.Roles)
	return res, nil
}

func (r *Resolver) authenticate(ctx context.Context, class AccountClass, email, password string) (LoginResult, Record, error) {
	auth, err := r.baas.AuthWithPassword(ctx, class, email, password)
	if err != nil {
		return LoginResult{}, Record{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	raw, err := DecodeClaims(auth.Token)
	if err != nil {
		return LoginResult{}, Record{}, fmt.Errorf("%w: decode provider token: %w", ErrIdentity, err)
	}

	tag := class.Tag()
	roles := ResolveRoles(tag, auth.Record)
	token, err := Encode(Merge(raw, roles, auth.Record))
	if err != nil {
		return LoginResult{}, Record{}, fmt.Errorf("%w: %w", ErrIdentity, err)
	}
	claims, err := Decode(token)
	if err != nil {
		return LoginResult{}, Record{}, fmt.Errorf("%w: %w", ErrIdentity, err)
	}

	view := auth.Record
	view.Roles = roles
	res := LoginResult{
		Token:         token,
		OriginalToken: auth.Token,
		Record:        view,
		UserType:      string(class),
		Claims:        claims,
	}
	rec := Record{
		ProviderToken:  auth.Token,
		CompositeToken: token,
		User:           auth.Record,
		Tag:            tag,
	}
	return res, rec, nil
}

func loginOutcome(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, ErrIdentity):
		return "identity_error"
	default:
		return "error"
	}
}

// Logout clears durable and in-memory session state. Storage failures are
// logged; the in-memory state is cleared regardless. A login still talking to
// the provider is superseded and will not install its result.
func (r *Resolver) Logout(ctx context.Context) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.state.clear()
	if err := r.store.Clear(ctx); err != nil {
		r.logger.Warn("clear stored session failed", "error", err)
	}
	r.logger.Info("logged out")
}

// RestoreAuth rehydrates the in-memory state from durable storage. It is
// safe to call repeatedly.
func (r *Resolver) RestoreAuth(ctx context.Context) {
	prev, gen, ok := r.state.beginRestore()
	if !ok {
		r.logger.Debug("restore skipped", "phase", prev)
		return
	}

	rec, err := r.store.Restore(ctx)
	switch {
	case err != nil:
		r.metrics.Restores.WithLabelValues("error").Inc()
		r.logger.Warn("restore session failed", "error", err)
	case rec == nil:
		r.metrics.Restores.WithLabelValues("empty").Inc()
	default:
		r.metrics.Restores.WithLabelValues("restored").Inc()
		r.logger.Debug("session restored", "user_type", rec.Tag.UserType())
	}
	r.state.finishRestore(prev, rec, gen)
}

// CheckAuth reports whether a session is active.
func (r *Resolver) CheckAuth() bool {
	return r.state.authenticated()
}

// Phase reports the current login phase.
func (r *Resolver) Phase() Phase {
	return r.state.Phase()
}

// Current returns the mirrored session record, if any.
func (r *Resolver) Current() (Record, bool) {
	snap := r.state.snapshot()
	if snap.record == nil {
		return Record{}, false
	}
	return *snap.record, true
}

// OriginalToken returns the provider bearer token for downstream API calls.
// The composite token must never be used for that.
func (r *Resolver) OriginalToken() string {
	rec, ok := r.Current()
	if !ok {
		return ""
	}
	return rec.ProviderToken
}
