// Package provider talks to the identity backends: the BaaS password login
// API and the external OIDC provider's user-info endpoint.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rolesync/session"
)

// APIError is a non-2xx answer from the BaaS.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("baas returned status %d", e.Status)
	}
	return fmt.Sprintf("baas returned status %d: %s", e.Status, e.Message)
}

// BaaSConfig locates the BaaS and its auth collections.
type BaaSConfig struct {
	URL             string
	UserCollection  string
	AdminCollection string
	Timeout         time.Duration
}

// BaaS is a password-auth client for a PocketBase-style backend.
type BaaS struct {
	cfg    BaaSConfig
	client *http.Client
	logger *slog.Logger
}

// NewBaaS returns a client. A nil httpClient gets one with cfg.Timeout.
func NewBaaS(cfg BaaSConfig, httpClient *http.Client, logger *slog.Logger) (*BaaS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("baas url required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse baas url: %w", err)
	}
	if cfg.UserCollection == "" {
		cfg.UserCollection = "users"
	}
	if cfg.AdminCollection == "" {
		cfg.AdminCollection = "_superusers"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &BaaS{cfg: cfg, client: httpClient, logger: logger}, nil
}

type authRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

type authResponse struct {
	Token  string             `json:"token"`
	Record session.UserRecord `json:"record"`
}

type errorBody struct {
	Message string `json:"message"`
}

// AuthWithPassword authenticates against the collection for class.
func (b *BaaS) AuthWithPassword(ctx context.Context, class session.AccountClass, email, password string) (session.ProviderAuth, error) {
	collection := b.cfg.UserCollection
	if class == session.AccountAdmin {
		collection = b.cfg.AdminCollection
	}
	endpoint := strings.TrimSuffix(b.cfg.URL, "/") + "/api/collections/" + url.PathEscape(collection) + "/auth-with-password"

	body, err := json.Marshal(authRequest{Identity: email, Password: password})
	if err != nil {
		return session.ProviderAuth{}, fmt.Errorf("encode auth request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return session.ProviderAuth{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return session.ProviderAuth{}, fmt.Errorf("call baas: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return session.ProviderAuth{}, fmt.Errorf("read baas response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(payload, &eb) == nil {
			apiErr.Message = eb.Message
		}
		b.logger.Debug("baas rejected login", "collection", collection, "status", resp.StatusCode)
		return session.ProviderAuth{}, apiErr
	}

	var out authResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return session.ProviderAuth{}, fmt.Errorf("decode baas response: %w", err)
	}
	if out.Token == "" {
		return session.ProviderAuth{}, fmt.Errorf("baas response missing token")
	}
	return session.ProviderAuth{Token: out.Token, Record: out.Record}, nil
}
