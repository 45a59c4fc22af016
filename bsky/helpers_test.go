package bsky

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bskyfetch/internal"
	"bskyfetch/store"
	"bskyfetch/utils"
)

// fakeXRPC is an httptest server that dispatches by XRPC method name and
// counts calls per method
type fakeXRPC struct {
	t        *testing.T
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]http.HandlerFunc
	server   *httptest.Server

	// credentials issued by the default session handlers
	issued int
}

func newFakeXRPC(t *testing.T) *fakeXRPC {
	t.Helper()
	f := &fakeXRPC{
		t:        t,
		calls:    make(map[string]int),
		handlers: make(map[string]http.HandlerFunc),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)

	f.handle(createSessionEndpoint, f.defaultCreateSession)
	f.handle(refreshSessionEndpoint, f.defaultRefreshSession)
	f.handle(deleteSessionEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return f
}

func (f *fakeXRPC) serve(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/xrpc/")

	f.mu.Lock()
	f.calls[method]++
	h := f.handlers[method]
	f.mu.Unlock()

	if h == nil {
		writeJSON(w, http.StatusNotImplemented, XRPCError{Error: "MethodNotImplemented"})
		return
	}
	h(w, r)
}

func (f *fakeXRPC) handle(method string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeXRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeXRPC) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeXRPC) baseURL() string {
	return f.server.URL + "/xrpc"
}

// nextCredentials issues access-N / refresh-N pairs
func (f *fakeXRPC) nextCredentials() sessionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	return sessionResponse{
		AccessJwt:  fmt.Sprintf("access-%d", f.issued),
		RefreshJwt: fmt.Sprintf("refresh-%d", f.issued),
		Handle:     "alice.example",
		DID:        "did:plc:alice",
	}
}

func (f *fakeXRPC) currentRefresh() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("refresh-%d", f.issued)
}

func (f *fakeXRPC) defaultCreateSession(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, XRPCError{Error: "InvalidRequest"})
		return
	}
	if body["identifier"] != "alice.example" || body["password"] != "app-password" {
		writeJSON(w, http.StatusUnauthorized, XRPCError{Error: "AuthenticationRequired", Message: "Invalid identifier or password"})
		return
	}
	writeJSON(w, http.StatusOK, f.nextCredentials())
}

func (f *fakeXRPC) defaultRefreshSession(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.currentRefresh() {
		writeJSON(w, http.StatusUnauthorized, XRPCError{Error: "ExpiredToken", Message: "Token has been revoked"})
		return
	}
	writeJSON(w, http.StatusOK, f.nextCredentials())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func testConfig(baseURL string) *internal.Config {
	config := internal.DefaultConfig()
	config.BaseURL = baseURL
	config.Username = "alice.example"
	config.Password = "app-password"
	config.Timeout = 5 * time.Second
	config.StoreBackend = internal.StoreMemory
	return config
}

type testEnv struct {
	server *fakeXRPC
	config *internal.Config
	store  *store.Memory
	client *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, nil)
}

func newTestEnvWithConfig(t *testing.T, mutate func(*internal.Config)) *testEnv {
	t.Helper()
	server := newFakeXRPC(t)
	config := testConfig(server.baseURL())
	if mutate != nil {
		mutate(config)
	}

	httpClient, err := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{Timeout: config.Timeout})
	if err != nil {
		t.Fatalf("failed to create HTTP client: %v", err)
	}

	mem := store.NewMemory()
	session := NewSessionManager(httpClient, mem, config)
	return &testEnv{
		server: server,
		config: config,
		store:  mem,
		client: NewClient(session, httpClient, config),
	}
}

func profileJSON(did, handle string) map[string]interface{} {
	return map[string]interface{}{
		"did":         did,
		"handle":      handle,
		"displayName": strings.Split(handle, ".")[0],
	}
}

func listItems(start, n int) []internal.ListItem {
	items := make([]internal.ListItem, 0, n)
	for i := start; i < start+n; i++ {
		items = append(items, internal.ListItem{
			URI: fmt.Sprintf("at://did:plc:owner/app.bsky.graph.listitem/%d", i),
			Subject: internal.Profile{
				DID:    fmt.Sprintf("did:plc:member%d", i),
				Handle: fmt.Sprintf("member%d.example", i),
			},
		})
	}
	return items
}
