// Package tokenmanager implements the Token Manager (spec.md §4.3, C3):
// in-memory token state, validity checks, and refresh with coalescing.
//
// Coalescing is built on golang.org/x/sync/singleflight, the primitive
// design note §9 asks for in place of the original's ad-hoc
// "isRefreshing + failedQueue" pattern. This dependency is grounded in
// the pack via ManuGH-xg2g's go.mod, which requires golang.org/x/sync.
package tokenmanager

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/listenkeeper/core/internal/clock"
	"github.com/listenkeeper/core/internal/creds"
	"github.com/listenkeeper/core/internal/tokenstore"
)

// ErrNoRefreshToken is returned by Refresh when no refresh token is held.
var ErrNoRefreshToken = errors.New("tokenmanager: no refresh token available")

// ErrRefreshFailed wraps a failed refresh-token exchange.
type ErrRefreshFailed struct {
	Status int
	Body   string
}

func (e *ErrRefreshFailed) Error() string {
	return fmt.Sprintf("tokenmanager: refresh failed (status %d): %s", e.Status, e.Body)
}

// validityMargin is the soft margin spec.md §3 mandates: a token within
// this window of expiry is already treated as invalid.
const validityMargin = 60 * time.Second

// refreshMargin is the "nearly expired" window spec.md §4.3 uses to
// pre-emptively trigger a refresh before validity actually lapses.
const refreshMargin = 300 * time.Second

const tokenEndpoint = "https://accounts.spotify.com/api/token"

// Info summarizes token state for callers/the command bus.
type Info struct {
	HasAccess    bool
	HasRefresh   bool
	IsValid      bool
	ExpiresInSec int64
}

// Manager owns the access/refresh token pair in memory and persists
// changes through a tokenstore.Store.
type Manager struct {
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    int64 // epoch ms

	store *tokenstore.Store
	creds *creds.Store
	clock clock.Clock
	httpc *http.Client

	group singleflight.Group
}

// New builds a Manager. httpc may be nil to use a plain http.Client
// with a 10s timeout.
func New(store *tokenstore.Store, credentials *creds.Store, cl clock.Clock, httpc *http.Client) *Manager {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	if cl == nil {
		cl = clock.Real()
	}
	return &Manager{store: store, creds: credentials, clock: cl, httpc: httpc}
}

// LoadFromStore seeds in-memory state from disk, if present.
func (m *Manager) LoadFromStore() error {
	tokens, err := m.store.Load()
	if err != nil {
		return err
	}
	if tokens == nil {
		return nil
	}
	m.mu.Lock()
	m.accessToken = tokens.AccessToken
	m.refreshToken = tokens.RefreshToken
	m.expiresAt = tokens.ExpiresAt
	m.mu.Unlock()
	return nil
}

// Set installs a fresh access/refresh token pair, as obtained from an
// OAuth code exchange, and persists it.
func (m *Manager) Set(access, refresh string, expiresInSec int64) error {
	expiresAt := m.clock.Now().Add(time.Duration(expiresInSec) * time.Second).UnixMilli()

	m.mu.Lock()
	m.accessToken = access
	m.refreshToken = refresh
	m.expiresAt = expiresAt
	m.mu.Unlock()

	return m.store.Save(tokenstore.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt})
}

// Get returns the current access token, or "" if none is held.
func (m *Manager) Get() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken
}

func (m *Manager) isValidLocked() bool {
	if m.accessToken == "" {
		return false
	}
	return m.expiresAt-m.clock.Now().UnixMilli() > validityMargin.Milliseconds()
}

// IsValid reports whether the held access token is non-empty and not
// within validityMargin of expiry.
func (m *Manager) IsValid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isValidLocked()
}

// Info reports a snapshot of token state for the command bus.
func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiresIn := (m.expiresAt - m.clock.Now().UnixMilli()) / 1000
	if expiresIn < 0 {
		expiresIn = 0
	}
	return Info{
		HasAccess:    m.accessToken != "",
		HasRefresh:   m.refreshToken != "",
		IsValid:      m.isValidLocked(),
		ExpiresInSec: expiresIn,
	}
}

// Clear wipes in-memory and persisted token state.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.accessToken = ""
	m.refreshToken = ""
	m.expiresAt = 0
	m.mu.Unlock()
	return m.store.Clear()
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh exchanges the held refresh token for a new access token. If
// the server omits a refresh_token (common), the existing one is kept,
// per spec.md §4.3.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	refreshToken := m.refreshToken
	m.mu.RUnlock()

	if refreshToken == "" {
		return ErrNoRefreshToken
	}

	clientID, clientSecret, ok := m.creds.Get()
	if !ok {
		return creds.ErrCredentialsUnset
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret)))

	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return &ErrRefreshFailed{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &ErrRefreshFailed{Status: resp.StatusCode, Body: "malformed token response"}
	}

	newRefresh := refreshToken
	if parsed.RefreshToken != "" {
		newRefresh = parsed.RefreshToken
	}

	return m.Set(parsed.AccessToken, newRefresh, parsed.ExpiresIn)
}

// EnsureValid refreshes the token if it is invalid or within
// refreshMargin of expiry. Concurrent callers during an in-flight
// refresh share the same outcome via singleflight.
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.RLock()
	needsRefresh := !m.isValidLocked() || m.expiresAt-m.clock.Now().UnixMilli() <= refreshMargin.Milliseconds()
	m.mu.RUnlock()

	if !needsRefresh {
		return nil
	}

	return m.ForceRefresh(ctx)
}

// ForceRefresh runs Refresh inside the same singleflight group as
// EnsureValid, unconditionally. It is the coalesced entry point for
// callers that already know a refresh is needed — notably the HTTP
// client's 401 handler — so that concurrent callers reacting to the
// same expired token share a single token-endpoint POST instead of each
// racing their own, per spec.md §4.4's shared single-flight refresh
// guard.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (any, error) {
		return nil, m.Refresh(ctx)
	})
	return err
}
