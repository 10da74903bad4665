package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"rolesync/metrics"
	"rolesync/provider"
	"rolesync/session"
	"rolesync/storage"
)

// App bundles runtime dependencies for the CLI and the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	KV       storage.KV
	Store    *session.Store
	State    *session.State
	Resolver *session.Resolver
	Authz    *session.Authorizer
	External *provider.OIDCUserInfo
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	kv, err := OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	baas, err := provider.NewBaaS(provider.BaaSConfig{
		URL:             cfg.BaaS.URL,
		UserCollection:  cfg.BaaS.UserCollection,
		AdminCollection: cfg.BaaS.AdminCollection,
		Timeout:         cfg.BaaS.TimeoutDuration(),
	}, nil, logger)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	var external *provider.OIDCUserInfo
	if cfg.External.Enabled {
		external, err = provider.NewOIDCUserInfo(ctx, provider.OIDCConfig{
			Issuer:      cfg.External.Issuer,
			ClientID:    cfg.External.ClientID,
			AccessToken: cfg.External.AccessToken,
			CacheTTL:    cfg.External.CacheTTLDuration(),
		}, logger)
		if err != nil {
			logger.Warn("external provider unavailable, continuing without it", "issuer", cfg.External.Issuer, "error", err)
			external = nil
		}
	}

	app, err := assemble(cfg, logger, kv, baas, external)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return app, nil
}

func assemble(cfg Config, logger *slog.Logger, kv storage.KV, baas session.PasswordAuthenticator, external *provider.OIDCUserInfo) (*App, error) {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	store := session.NewStore(kv, logger)
	state := session.NewState()

	// A typed nil must not reach the authorizer as a non-nil interface.
	var source session.UserInfoSource
	if external != nil {
		source = external
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		KV:       kv,
		Store:    store,
		State:    state,
		Resolver: session.NewResolver(baas, store, state, m, logger),
		Authz: session.NewAuthorizer(session.Config{
			RBACEnabled:     cfg.RBAC.Enabled,
			ExternalEnabled: cfg.External.Enabled,
		}, state, source, m, logger),
		External: external,
		Metrics:  m,
		Registry: reg,
	}, nil
}

// OpenStorage opens the configured durable backend.
func OpenStorage(ctx context.Context, cfg StorageConfig) (storage.KV, error) {
	switch cfg.Driver {
	case DriverBolt:
		db, err := storage.OpenBolt(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case DriverRedis:
		rdb, err := storage.NewRedis(ctx, storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return rdb, nil
	case DriverMemory:
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Boot restores the durable session and loads external user-info. Every
// entry point calls it once before serving.
func (a *App) Boot(ctx context.Context) {
	a.Resolver.RestoreAuth(ctx)
	a.Authz.Initialize(ctx)
}

// Close releases the storage backend.
func (a *App) Close() error {
	return a.KV.Close()
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool `json:"success"`
	session.LoginResult
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type sessionResponse struct {
	Authenticated bool           `json:"authenticated"`
	Phase         string         `json:"phase"`
	UserType      string         `json:"user_type,omitempty"`
	UserInfo      map[string]any `json:"user_info"`
}

type permissionRequest struct {
	Permissions []string `json:"permissions"`
	Mode        string   `json:"mode"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	a.login(w, r, a.Resolver.Login)
}

func (a *App) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	a.login(w, r, a.Resolver.AdminLogin)
}

func (a *App) login(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (session.LoginResult, error)) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Error: "invalid request body"})
		return
	}
	creds.Email = strings.TrimSpace(creds.Email)
	if creds.Email == "" || creds.Password == "" {
		writeJSON(w, http.StatusBadRequest, failure{Error: "email and password are required"})
		return
	}

	res, err := fn(r.Context(), creds.Email, creds.Password)
	if err != nil {
		writeJSON(w, loginStatus(err), failure{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Success: true, LoginResult: res})
}

func loginStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrLoginInProgress), errors.Is(err, session.ErrLoginSuperseded):
		return http.StatusConflict
	case errors.Is(err, session.ErrAuthenticationFailed), errors.Is(err, session.ErrIdentity):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Resolver.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{
		Authenticated: a.Resolver.CheckAuth(),
		Phase:         a.Resolver.Phase().String(),
		UserInfo:      a.Authz.UserInfo(),
	}
	if tag, ok := a.Authz.ActiveTag(); ok {
		resp.UserType = tag.UserType()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"roles": a.Authz.Roles()})
}

func (a *App) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{Error: "invalid request body"})
		return
	}

	var allowed bool
	switch strings.ToLower(req.Mode) {
	case "", "any":
		allowed = a.Authz.CheckPermission(req.Permissions...)
	case "all":
		allowed = a.Authz.CheckAllPermissions(req.Permissions...)
	default:
		writeJSON(w, http.StatusBadRequest, failure{Error: fmt.Sprintf("unknown mode %q", req.Mode)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
