package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
)

// ErrNoAccessToken is returned when no external session token is configured.
var ErrNoAccessToken = errors.New("external access token not set")

// OIDCConfig describes the external identity provider.
type OIDCConfig struct {
	Issuer      string
	ClientID    string
	AccessToken string
	CacheTTL    time.Duration
}

// OIDCUserInfo fetches user-info from the external provider for the current
// access token. Results are cached per token.
type OIDCUserInfo struct {
	provider *oidc.Provider
	oauth    *oauth2.Config
	cache    *gocache.Cache
	logger   *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewOIDCUserInfo runs discovery against the issuer.
func NewOIDCUserInfo(ctx context.Context, cfg OIDCConfig, logger *slog.Logger) (*OIDCUserInfo, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("external issuer required")
	}
	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover external provider: %w", err)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &OIDCUserInfo{
		provider: op,
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: op.Endpoint(),
			Scopes:   []string{oidc.ScopeOpenID, "profile", "email"},
		},
		cache:  gocache.New(ttl, time.Minute),
		logger: logger,
		token:  cfg.AccessToken,
	}, nil
}

// SetAccessToken replaces the external session's access token.
func (o *OIDCUserInfo) SetAccessToken(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.token = token
}

// UserInfo returns the user-info claims for the current access token.
func (o *OIDCUserInfo) UserInfo(ctx context.Context) (map[string]any, error) {
	o.mu.RLock()
	token := o.token
	o.mu.RUnlock()
	if token == "" {
		return nil, ErrNoAccessToken
	}

	if v, ok := o.cache.Get(token); ok {
		if claims, ok := v.(map[string]any); ok {
			return maps.Clone(claims), nil
		}
	}

	src := o.oauth.TokenSource(ctx, &oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	info, err := o.provider.UserInfo(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse user info: %w", err)
	}
	if claims == nil {
		claims = map[string]any{}
	}
	if _, ok := claims["sub"]; !ok && info.Subject != "" {
		claims["sub"] = info.Subject
	}

	o.cache.SetDefault(token, claims)
	o.logger.Debug("external user info fetched", "subject", info.Subject)
	return maps.Clone(claims), nil
}
