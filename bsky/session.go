package bsky

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bskyfetch/internal"
)

// SecretStore keys holding the persisted credentials
const (
	AccessCredentialKey  = "access_credential"
	RefreshCredentialKey = "refresh_credential"
)

const (
	createSessionEndpoint  = "com.atproto.server.createSession"
	refreshSessionEndpoint = "com.atproto.server.refreshSession"
	deleteSessionEndpoint  = "com.atproto.server.deleteSession"
)

// SessionManager keeps a valid access credential for one account. The
// SecretStore is authoritative: a credential it reports absent is treated as
// invalid whatever copy is held in memory.
type SessionManager struct {
	doer       internal.Doer
	store      internal.SecretStore
	baseURL    string
	identity   internal.Identity
	accessTTL  time.Duration
	refreshTTL time.Duration

	mutex   sync.RWMutex
	session internal.Session

	// transition is held across every login and refresh, from the store
	// re-check to the persisted result
	transition chan struct{}
	now        func() time.Time
}

// NewSessionManager creates a session manager for the account in config
func NewSessionManager(doer internal.Doer, store internal.SecretStore, config *internal.Config) *SessionManager {
	identity := internal.Identity{
		Username: strings.TrimSpace(config.Username),
		Password: config.Password,
	}
	return &SessionManager{
		doer:       doer,
		store:      store,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		identity:   identity,
		accessTTL:  config.AccessTTL,
		refreshTTL: config.RefreshTTL,
		session:    internal.Session{Identity: identity},
		transition: make(chan struct{}, 1),
		now:        time.Now,
	}
}

// lock enters the login/refresh critical section. Waiting ends early when
// ctx is done.
func (m *SessionManager) lock(ctx context.Context) error {
	select {
	case m.transition <- struct{}{}:
		return nil
	case <-ctx.Done():
		return internal.NewTransportError("waiting for session renewal", ctx.Err())
	}
}

func (m *SessionManager) unlock() {
	<-m.transition
}

// Session returns a copy of the in-memory session
func (m *SessionManager) Session() internal.Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.session
}

func (m *SessionManager) endpoint(name string) string {
	return m.baseURL + "/" + name
}

// EnsureAuthenticated returns a usable access credential. It is a no-op
// when the store still holds one; otherwise it refreshes with a stored
// refresh credential, falling back to a fresh login.
func (m *SessionManager) EnsureAuthenticated(ctx context.Context) (string, error) {
	if token, ok, err := m.storedAccess(ctx); err != nil || ok {
		return token, err
	}

	if err := m.lock(ctx); err != nil {
		return "", err
	}
	defer m.unlock()

	// another caller may have renewed the session while this one waited
	if token, ok, err := m.storedAccess(ctx); err != nil || ok {
		return token, err
	}

	refresh, ok, err := m.store.Get(ctx, RefreshCredentialKey)
	if err != nil {
		return "", err
	}
	if ok {
		token, err := m.refresh(ctx, refresh)
		if err == nil {
			return token, nil
		}
		internal.LogWarn("Stored refresh credential rejected, logging in again: %v", err)
		if err := m.clear(ctx); err != nil {
			return "", err
		}
	}

	return m.login(ctx)
}

func (m *SessionManager) storedAccess(ctx context.Context) (string, bool, error) {
	token, ok, err := m.store.Get(ctx, AccessCredentialKey)
	if err != nil {
		return "", false, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !ok {
		m.session.AccessCredential = ""
		return "", false, nil
	}
	m.session.AccessCredential = token
	return token, true, nil
}

// Login creates a new session from the configured username and password
func (m *SessionManager) Login(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	_, err := m.login(ctx)
	return err
}

func (m *SessionManager) login(ctx context.Context) (string, error) {
	if m.identity.Username == "" || m.identity.Password == "" {
		field := "username"
		if m.identity.Username != "" {
			field = "password"
		}
		return "", internal.NewConfigurationError(field, field+" is required to log in")
	}

	internal.LogDebug("Creating session for %s", m.identity.Username)

	resp, err := m.doer.Do(ctx, &internal.HTTPRequest{
		Method: http.MethodPost,
		URL:    m.endpoint(createSessionEndpoint),
		Body: map[string]string{
			"identifier": m.identity.Username,
			"password":   m.identity.Password,
		},
	})
	if err != nil {
		return "", internal.NewAuthenticationError("login failed", err)
	}

	sr, err := m.decodeSession(resp, createSessionEndpoint)
	if err != nil {
		return "", internal.NewAuthenticationError("login failed", err)
	}

	if err := m.persist(ctx, sr); err != nil {
		return "", err
	}

	internal.LogInfo("Logged in as %s", firstNonEmpty(sr.Handle, m.identity.Username))
	return sr.AccessJwt, nil
}

// Refresh exchanges the stored refresh credential for a new credential pair.
// On failure both credentials are deleted.
func (m *SessionManager) Refresh(ctx context.Context) error {
	_, err := m.refreshStored(ctx, "")
	return err
}

// refreshStored refreshes unless the store already holds an access
// credential other than failed, which means a concurrent refresh won.
func (m *SessionManager) refreshStored(ctx context.Context, failed string) (string, error) {
	if err := m.lock(ctx); err != nil {
		return "", err
	}
	defer m.unlock()

	if failed != "" {
		token, ok, err := m.store.Get(ctx, AccessCredentialKey)
		if err != nil {
			return "", err
		}
		if ok && token != failed {
			return token, nil
		}
	}

	refresh, ok, err := m.store.Get(ctx, RefreshCredentialKey)
	if err != nil {
		return "", err
	}
	if !ok {
		if cerr := m.clear(ctx); cerr != nil {
			internal.LogWarn("Failed to clear credentials: %v", cerr)
		}
		return "", internal.NewAuthenticationError("no refresh credential available", nil)
	}

	token, err := m.refresh(ctx, refresh)
	if err != nil {
		if cerr := m.clear(ctx); cerr != nil {
			internal.LogWarn("Failed to clear credentials: %v", cerr)
		}
		return "", err
	}
	return token, nil
}

func (m *SessionManager) refresh(ctx context.Context, refreshCredential string) (string, error) {
	internal.LogDebug("Refreshing session")

	resp, err := m.doer.Do(ctx, &internal.HTTPRequest{
		Method:  http.MethodPost,
		URL:     m.endpoint(refreshSessionEndpoint),
		Headers: map[string]string{"Authorization": "Bearer " + refreshCredential},
	})
	if err != nil {
		return "", internal.NewAuthenticationError("refresh failed", err)
	}

	sr, err := m.decodeSession(resp, refreshSessionEndpoint)
	if err != nil {
		return "", internal.NewAuthenticationError("refresh failed", err)
	}

	if err := m.persist(ctx, sr); err != nil {
		return "", err
	}
	return sr.AccessJwt, nil
}

func (m *SessionManager) decodeSession(resp *internal.HTTPResponse, endpoint string) (*sessionResponse, error) {
	var sr sessionResponse
	if err := decodeResponse(resp, m.endpoint(endpoint), "session", endpoint, &sr); err != nil {
		return nil, err
	}
	if sr.AccessJwt == "" || sr.RefreshJwt == "" {
		return nil, internal.NewClientError(resp.StatusCode, "session response lacks credentials", internal.ErrDecode)
	}
	return &sr, nil
}

func (m *SessionManager) persist(ctx context.Context, sr *sessionResponse) error {
	now := m.now()

	if ttl := credentialTTL(sr.AccessJwt, m.accessTTL, now); ttl > 0 {
		if err := m.store.Set(ctx, AccessCredentialKey, sr.AccessJwt, ttl); err != nil {
			return err
		}
	}
	if ttl := credentialTTL(sr.RefreshJwt, m.refreshTTL, now); ttl > 0 {
		if err := m.store.Set(ctx, RefreshCredentialKey, sr.RefreshJwt, ttl); err != nil {
			return err
		}
	}

	m.mutex.Lock()
	m.session.AccessCredential = sr.AccessJwt
	m.session.RefreshCredential = sr.RefreshJwt
	if sr.DID != "" {
		m.session.DID = sr.DID
	}
	if sr.Handle != "" {
		m.session.Handle = sr.Handle
	}
	m.mutex.Unlock()
	return nil
}

// credentialTTL shortens fallback to the token's own exp claim when that is
// sooner. The claim is read without verifying the signature.
func credentialTTL(token string, fallback time.Duration, now time.Time) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	if remaining := exp.Sub(now); remaining > 0 && remaining < fallback {
		return remaining
	}
	return fallback
}

func (m *SessionManager) clear(ctx context.Context) error {
	m.mutex.Lock()
	m.session.AccessCredential = ""
	m.session.RefreshCredential = ""
	m.mutex.Unlock()

	if err := m.store.Delete(ctx, AccessCredentialKey); err != nil {
		return err
	}
	return m.store.Delete(ctx, RefreshCredentialKey)
}

// discard clears the credentials unless another caller has already
// replaced rejected with a newer access credential
func (m *SessionManager) discard(ctx context.Context, rejected string) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	token, ok, err := m.store.Get(ctx, AccessCredentialKey)
	if err != nil {
		return err
	}
	if ok && token != rejected {
		return nil
	}
	return m.clear(ctx)
}

// Logout revokes the session on the service when possible and deletes the
// persisted credentials. Revocation failures are only logged.
func (m *SessionManager) Logout(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	refresh, ok, err := m.store.Get(ctx, RefreshCredentialKey)
	if err != nil {
		return err
	}
	if ok {
		resp, err := m.doer.Do(ctx, &internal.HTTPRequest{
			Method:  http.MethodPost,
			URL:     m.endpoint(deleteSessionEndpoint),
			Headers: map[string]string{"Authorization": "Bearer " + refresh},
		})
		switch {
		case err != nil:
			internal.LogWarn("Session revocation failed: %v", err)
		case !resp.Success():
			internal.LogWarn("Session revocation returned status %d", resp.StatusCode)
		}
	}

	if err := m.clear(ctx); err != nil {
		return err
	}
	internal.LogInfo("Stored credentials removed")
	return nil
}

// AuthenticatedRequest sends the request with the current access credential.
// If the service rejects the credential, the session is refreshed and the
// request is sent exactly once more. Callers only see the rejection when the
// refresh or the retried request fails too.
func (m *SessionManager) AuthenticatedRequest(ctx context.Context, method, url string, body interface{}) (*internal.HTTPResponse, error) {
	token, err := m.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := m.send(ctx, method, url, body, token)
	if err != nil || !isAuthFailure(resp) {
		return resp, err
	}

	internal.LogDebug("Access credential rejected with status %d, refreshing", resp.StatusCode)

	token, err = m.refreshStored(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = m.send(ctx, method, url, body, token)
	if err != nil {
		return nil, err
	}
	if isAuthFailure(resp) {
		if cerr := m.discard(ctx, token); cerr != nil {
			internal.LogWarn("Failed to clear credentials: %v", cerr)
		}
		xe := parseXRPCError(resp)
		return nil, internal.NewAuthenticationError("request rejected after refresh",
			internal.NewRemoteStatusError(resp.StatusCode, xe.Error, xe.Message))
	}
	return resp, nil
}

// send builds and performs one request; the retry path reuses it unchanged
func (m *SessionManager) send(ctx context.Context, method, url string, body interface{}, token string) (*internal.HTTPResponse, error) {
	req := &internal.HTTPRequest{
		Method: method,
		URL:    url,
		Body:   body,
	}
	if token != "" {
		req.Headers = map[string]string{"Authorization": "Bearer " + token}
	}
	return m.doer.Do(ctx, req)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
