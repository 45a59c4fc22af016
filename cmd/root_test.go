package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bskyfetch/internal"
)

func newFakeService(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, "/xrpc/") {
		case "com.atproto.server.createSession":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"accessJwt":  "access",
				"refreshJwt": "refresh",
				"did":        "did:plc:alice",
				"handle":     "alice.example",
			})
		case "app.bsky.actor.getProfile":
			if r.Header.Get("Authorization") != "Bearer access" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"AuthenticationRequired"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"did":    "did:plc:XYZ",
				"handle": r.URL.Query().Get("actor"),
			})
		default:
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte(`{"error":"MethodNotImplemented"}`))
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func resetFlags() {
	username, storeBackend, storePath, passphrase = "", "", "", ""
	rateLimit, proxyURL, logLevel, logFile = "", "", "", ""
	retries = 1
	quiet, debug = false, false
}

func TestLoadConfiguration_FlagsOverrideEnv(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)
	t.Setenv("BSKYFETCH_STORE", "file")
	t.Setenv("BSKYFETCH_RATE_LIMIT", "5/s")
	t.Setenv("BSKYFETCH_USERNAME", "env.example")

	storeBackend = internal.StoreMemory
	username = "flag.example"
	debug = true

	if err := loadConfiguration(); err != nil {
		t.Fatalf("loadConfiguration failed: %v", err)
	}

	if config.StoreBackend != internal.StoreMemory {
		t.Errorf("Expected store from flag, got %s", config.StoreBackend)
	}
	if config.Username != "flag.example" {
		t.Errorf("Expected username from flag, got %s", config.Username)
	}
	if config.RateLimit != "5/s" {
		t.Errorf("Expected rate limit from env, got %s", config.RateLimit)
	}
	if !config.EnableDebug || config.LogLevel != "debug" {
		t.Errorf("Expected debug logging, got debug=%v level=%s", config.EnableDebug, config.LogLevel)
	}
}

func TestLoadConfiguration_Invalid(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)
	t.Setenv("BSKYFETCH_BASE_URL", "not a url")

	err := loadConfiguration()
	if !internal.IsType(err, internal.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestProfileCommand(t *testing.T) {
	resetFlags()
	t.Cleanup(resetFlags)
	server := newFakeService(t)
	t.Setenv("BSKYFETCH_BASE_URL", server.URL+"/xrpc")
	t.Setenv("BSKYFETCH_USERNAME", "alice.example")
	t.Setenv("BSKYFETCH_PASSWORD", "app-password")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"profile", "alice.example", "--store", "memory", "--quiet"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	if err := Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var profile internal.Profile
	if err := json.Unmarshal(out.Bytes(), &profile); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", out.String(), err)
	}
	if profile.DID != "did:plc:XYZ" || profile.Handle != "alice.example" {
		t.Errorf("Unexpected profile %+v", profile)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, resolveResult{Input: "https://bsky.app/profile/a&b", URI: "at://did:plc:XYZ"}); err != nil {
		t.Fatalf("writeJSON failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"input": "https://bsky.app/profile/a&b"`) {
		t.Errorf("Expected unescaped indented output, got %s", got)
	}
	if !strings.HasSuffix(got, "}\n") {
		t.Errorf("Expected trailing newline, got %q", got)
	}
}
