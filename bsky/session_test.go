package bsky

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bskyfetch/internal"
)

func TestSessionManager_EnsureAuthenticatedLogsInOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.client.Session()

	first, err := session.EnsureAuthenticated(ctx)
	if err != nil {
		t.Fatalf("EnsureAuthenticated failed: %v", err)
	}
	second, err := session.EnsureAuthenticated(ctx)
	if err != nil {
		t.Fatalf("second EnsureAuthenticated failed: %v", err)
	}

	if first != "access-1" || second != "access-1" {
		t.Errorf("Expected access-1 twice, got %q and %q", first, second)
	}
	if got := env.server.count(createSessionEndpoint); got != 1 {
		t.Errorf("Expected 1 createSession call, got %d", got)
	}

	if v, ok, _ := env.store.Get(ctx, AccessCredentialKey); !ok || v != "access-1" {
		t.Errorf("Expected stored access credential access-1, got %q (present=%v)", v, ok)
	}
	if v, ok, _ := env.store.Get(ctx, RefreshCredentialKey); !ok || v != "refresh-1" {
		t.Errorf("Expected stored refresh credential refresh-1, got %q (present=%v)", v, ok)
	}

	s := session.Session()
	if s.DID != "did:plc:alice" || s.Handle != "alice.example" {
		t.Errorf("Expected session for did:plc:alice/alice.example, got %s/%s", s.DID, s.Handle)
	}
}

func TestSessionManager_EnsureAuthenticatedConcurrent(t *testing.T) {
	env := newTestEnv(t)
	session := env.client.Session()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := session.EnsureAuthenticated(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("EnsureAuthenticated failed: %v", err)
	}
	if got := env.server.count(createSessionEndpoint); got != 1 {
		t.Errorf("Expected 1 createSession call, got %d", got)
	}
}

func TestSessionManager_MissingCredentials(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
	}{
		{"no username", "", "app-password"},
		{"no password", "alice.example", ""},
		{"neither", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnvWithConfig(t, func(c *internal.Config) {
				c.Username = tt.username
				c.Password = tt.password
			})

			_, err := env.client.Session().EnsureAuthenticated(context.Background())
			if !internal.IsType(err, internal.ErrConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			if got := env.server.total(); got != 0 {
				t.Errorf("Expected no requests, got %d", got)
			}
		})
	}
}

func TestSessionManager_UsesStoredAccessCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.Set(ctx, AccessCredentialKey, "stored-access", time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	token, err := env.client.Session().EnsureAuthenticated(ctx)
	if err != nil {
		t.Fatalf("EnsureAuthenticated failed: %v", err)
	}
	if token != "stored-access" {
		t.Errorf("Expected stored-access, got %s", token)
	}
	if got := env.server.total(); got != 0 {
		t.Errorf("Expected no requests, got %d", got)
	}
}

func TestSessionManager_RefreshesWithStoredRefreshCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// log in once so the fake service knows refresh-1, then drop the access credential
	if err := env.client.Session().Login(ctx); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := env.store.Delete(ctx, AccessCredentialKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	token, err := env.client.Session().EnsureAuthenticated(ctx)
	if err != nil {
		t.Fatalf("EnsureAuthenticated failed: %v", err)
	}
	if token != "access-2" {
		t.Errorf("Expected access-2, got %s", token)
	}
	if got := env.server.count(refreshSessionEndpoint); got != 1 {
		t.Errorf("Expected 1 refreshSession call, got %d", got)
	}
	if got := env.server.count(createSessionEndpoint); got != 1 {
		t.Errorf("Expected login only once, got %d createSession calls", got)
	}
}

func TestSessionManager_RejectedStoredRefreshFallsBackToLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.Set(ctx, RefreshCredentialKey, "revoked", time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	token, err := env.client.Session().EnsureAuthenticated(ctx)
	if err != nil {
		t.Fatalf("EnsureAuthenticated failed: %v", err)
	}
	if token != "access-1" {
		t.Errorf("Expected access-1 from login, got %s", token)
	}
	if got := env.server.count(refreshSessionEndpoint); got != 1 {
		t.Errorf("Expected 1 refreshSession call, got %d", got)
	}
	if got := env.server.count(createSessionEndpoint); got != 1 {
		t.Errorf("Expected 1 createSession call, got %d", got)
	}
}

func TestSessionManager_LoginFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "wrong password",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusUnauthorized, XRPCError{Error: "AuthenticationRequired", Message: "Invalid identifier or password"})
			},
		},
		{
			name: "missing tokens",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"handle": "alice.example"})
			},
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("<html>maintenance</html>"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.server.handle(createSessionEndpoint, tt.handler)
			ctx := context.Background()

			err := env.client.Session().Login(ctx)
			if !internal.IsType(err, internal.ErrAuthentication) {
				t.Fatalf("Expected authentication error, got %v", err)
			}
			if env.store.Len() != 0 {
				t.Errorf("Expected nothing stored, got %d entries", env.store.Len())
			}
		})
	}
}

func TestSessionManager_AuthenticatedRequestRefreshesOnce(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		xrpcErr  string
		expected int
	}{
		{"401", http.StatusUnauthorized, "AuthenticationRequired", 1},
		{"403", http.StatusForbidden, "", 1},
		{"400 expired token", http.StatusBadRequest, "ExpiredToken", 1},
		{"400 invalid token", http.StatusBadRequest, "InvalidToken", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.server.handle("app.bsky.actor.getProfile", func(w http.ResponseWriter, r *http.Request) {
				if bearer(r) == "access-1" {
					writeJSON(w, tt.status, XRPCError{Error: tt.xrpcErr, Message: "Token has expired"})
					return
				}
				writeJSON(w, http.StatusOK, profileJSON("did:plc:bob", "bob.example"))
			})

			profile, err := env.client.GetProfile(context.Background(), "bob.example")
			if err != nil {
				t.Fatalf("GetProfile failed: %v", err)
			}
			if profile.DID != "did:plc:bob" {
				t.Errorf("Expected did:plc:bob, got %s", profile.DID)
			}
			if got := env.server.count(refreshSessionEndpoint); got != tt.expected {
				t.Errorf("Expected %d refreshSession call, got %d", tt.expected, got)
			}
			if got := env.server.count("app.bsky.actor.getProfile"); got != 2 {
				t.Errorf("Expected the request to be sent twice, got %d", got)
			}
		})
	}
}

func TestSessionManager_BadRequestIsNotAuthFailure(t *testing.T) {
	env := newTestEnv(t)
	env.server.handle("app.bsky.feed.searchPosts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, XRPCError{Error: "InvalidRequest", Message: "bad cursor"})
	})

	_, err := env.client.SearchPosts(context.Background(), SearchQuery{Q: "go"})
	if !internal.IsType(err, internal.ErrRemoteStatus) {
		t.Fatalf("Expected remote status error, got %v", err)
	}
	if got := env.server.count(refreshSessionEndpoint); got != 0 {
		t.Errorf("Expected no refresh, got %d", got)
	}
}

func TestSessionManager_RefreshFailureClearsCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.server.handle("app.bsky.actor.getProfile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, XRPCError{Error: "AuthenticationRequired"})
	})
	env.server.handle(refreshSessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, XRPCError{Error: "ExpiredToken", Message: "Token has been revoked"})
	})

	_, err := env.client.GetProfile(ctx, "bob.example")
	if !internal.IsType(err, internal.ErrAuthentication) {
		t.Fatalf("Expected authentication error, got %v", err)
	}

	if _, ok, _ := env.store.Get(ctx, AccessCredentialKey); ok {
		t.Error("Expected access credential to be deleted")
	}
	if _, ok, _ := env.store.Get(ctx, RefreshCredentialKey); ok {
		t.Error("Expected refresh credential to be deleted")
	}
	if got := env.server.count("app.bsky.actor.getProfile"); got != 1 {
		t.Errorf("Expected no retry after failed refresh, got %d requests", got)
	}
	if s := env.client.Session().Session(); s.AccessCredential != "" || s.RefreshCredential != "" {
		t.Error("Expected in-memory credentials to be cleared")
	}
}

func TestSessionManager_RetryRejectedAfterRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.server.handle("app.bsky.actor.getProfile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, XRPCError{Error: "AuthenticationRequired"})
	})

	_, err := env.client.GetProfile(ctx, "bob.example")
	if !internal.IsType(err, internal.ErrAuthentication) {
		t.Fatalf("Expected authentication error, got %v", err)
	}
	if got := env.server.count(refreshSessionEndpoint); got != 1 {
		t.Errorf("Expected exactly 1 refresh, got %d", got)
	}
	if got := env.server.count("app.bsky.actor.getProfile"); got != 2 {
		t.Errorf("Expected exactly 2 requests, got %d", got)
	}
	if _, ok, _ := env.store.Get(ctx, AccessCredentialKey); ok {
		t.Error("Expected access credential to be deleted")
	}
}

func TestSessionManager_ConcurrentRefreshDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.server.handle("app.bsky.actor.getProfile", func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) == "access-1" {
			writeJSON(w, http.StatusBadRequest, XRPCError{Error: "ExpiredToken"})
			return
		}
		writeJSON(w, http.StatusOK, profileJSON("did:plc:bob", "bob.example"))
	})

	if err := env.client.Session().Login(ctx); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.client.GetProfile(ctx, "bob.example"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("GetProfile failed: %v", err)
	}
	if got := env.server.count(refreshSessionEndpoint); got != 1 {
		t.Errorf("Expected 1 refreshSession call, got %d", got)
	}
}

// trackRefreshes wraps the default refreshSession handler, recording the
// largest number of calls in flight at once
func trackRefreshes(env *testEnv, delay time.Duration) func() int {
	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	env.server.handle(refreshSessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(delay)
		env.server.defaultRefreshSession(w, r)

		mu.Lock()
		inFlight--
		mu.Unlock()
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return peak
	}
}

func TestSessionManager_RefreshAndEnsureDoNotOverlap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.server.nextCredentials()
	if err := env.store.Set(ctx, RefreshCredentialKey, issued.RefreshJwt, time.Hour); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}
	peak := trackRefreshes(env, 50*time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := env.client.Session().Refresh(ctx); err != nil {
			errs <- err
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := env.client.Session().EnsureAuthenticated(ctx); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Unexpected error: %v", err)
	}
	if got := peak(); got != 1 {
		t.Errorf("Expected refreshes to run one at a time, got %d in flight", got)
	}
	if got := env.server.count(createSessionEndpoint); got != 0 {
		t.Errorf("Expected no login, got %d createSession calls", got)
	}
	if v, ok, _ := env.store.Get(ctx, RefreshCredentialKey); !ok || v != env.server.currentRefresh() {
		t.Errorf("Expected the latest refresh credential to be stored, got %q (present=%v)", v, ok)
	}
}

func TestSessionManager_RejectedRequestAndExpiredAccessRefreshOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.server.nextCredentials()
	if err := env.store.Set(ctx, AccessCredentialKey, issued.AccessJwt, time.Hour); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}
	if err := env.store.Set(ctx, RefreshCredentialKey, issued.RefreshJwt, time.Hour); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}

	env.server.handle("app.bsky.actor.getProfile", func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) == issued.AccessJwt {
			writeJSON(w, http.StatusUnauthorized, XRPCError{Error: "AuthenticationRequired"})
			return
		}
		writeJSON(w, http.StatusOK, profileJSON("did:plc:bob", "bob.example"))
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.server.handle(refreshSessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		env.server.defaultRefreshSession(w, r)
	})

	profileErr := make(chan error, 1)
	go func() {
		_, err := env.client.GetProfile(ctx, "bob.example")
		profileErr <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("refreshSession was never called")
	}

	// the access credential expires while the refresh is in flight
	if err := env.store.Delete(ctx, AccessCredentialKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	type ensureResult struct {
		token string
		err   error
	}
	ensured := make(chan ensureResult, 1)
	go func() {
		token, err := env.client.Session().EnsureAuthenticated(ctx)
		ensured <- ensureResult{token, err}
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-profileErr; err != nil {
		t.Errorf("GetProfile failed: %v", err)
	}
	res := <-ensured
	if res.err != nil {
		t.Errorf("EnsureAuthenticated failed: %v", res.err)
	}
	if res.token != "access-2" {
		t.Errorf("Expected EnsureAuthenticated to reuse access-2, got %q", res.token)
	}
	if got := env.server.count(refreshSessionEndpoint); got != 1 {
		t.Errorf("Expected 1 refreshSession call, got %d", got)
	}
	if got := env.server.count(createSessionEndpoint); got != 0 {
		t.Errorf("Expected no login, got %d createSession calls", got)
	}
}

func TestSessionManager_WaitingForRenewalHonoursContext(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	env.server.handle(createSessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		env.server.defaultCreateSession(w, r)
	})

	loginErr := make(chan error, 1)
	go func() {
		_, err := env.client.Session().EnsureAuthenticated(context.Background())
		loginErr <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := env.client.Session().EnsureAuthenticated(ctx)
	close(release)

	if !internal.IsType(err, internal.ErrTransport) {
		t.Errorf("Expected transport error for the abandoned wait, got %v", err)
	}
	if err := <-loginErr; err != nil {
		t.Errorf("First login failed: %v", err)
	}
	if got := env.server.count(createSessionEndpoint); got != 1 {
		t.Errorf("Expected 1 createSession call, got %d", got)
	}
}

func TestSessionManager_Refresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.client.Session().Refresh(ctx)
	if !internal.IsType(err, internal.ErrAuthentication) {
		t.Fatalf("Expected authentication error without a refresh credential, got %v", err)
	}
	if got := env.server.count(refreshSessionEndpoint); got != 0 {
		t.Errorf("Expected no refreshSession call, got %d", got)
	}

	if err := env.client.Session().Login(ctx); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := env.client.Session().Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if v, _, _ := env.store.Get(ctx, AccessCredentialKey); v != "access-2" {
		t.Errorf("Expected access-2 after refresh, got %s", v)
	}
	if v, _, _ := env.store.Get(ctx, RefreshCredentialKey); v != "refresh-2" {
		t.Errorf("Expected refresh-2 after refresh, got %s", v)
	}
}

func TestSessionManager_Logout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var revoked string
	env.server.handle(deleteSessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		revoked = bearer(r)
		w.WriteHeader(http.StatusOK)
	})

	if err := env.client.Session().Login(ctx); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := env.client.Session().Logout(ctx); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	if revoked != "refresh-1" {
		t.Errorf("Expected deleteSession with refresh-1, got %q", revoked)
	}
	if env.store.Len() != 0 {
		t.Errorf("Expected empty store after logout, got %d entries", env.store.Len())
	}
}

func TestSessionManager_LogoutIgnoresRevocationFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.server.handle(deleteSessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, XRPCError{Error: "InternalServerError"})
	})

	if err := env.client.Session().Login(ctx); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := env.client.Session().Logout(ctx); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if env.store.Len() != 0 {
		t.Errorf("Expected empty store after logout, got %d entries", env.store.Len())
	}
}

func TestCredentialTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		return token
	}

	tests := []struct {
		name     string
		token    string
		fallback time.Duration
		expected time.Duration
	}{
		{"opaque token", "access-1", time.Hour, time.Hour},
		{"no exp claim", sign(jwt.MapClaims{"sub": "did:plc:alice"}), time.Hour, time.Hour},
		{"exp sooner", sign(jwt.MapClaims{"exp": now.Add(10 * time.Minute).Unix()}), time.Hour, 10 * time.Minute},
		{"exp later", sign(jwt.MapClaims{"exp": now.Add(48 * time.Hour).Unix()}), time.Hour, time.Hour},
		{"already expired", sign(jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}), time.Hour, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := credentialTTL(tt.token, tt.fallback, now); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}
