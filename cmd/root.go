package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"bskyfetch/bsky"
	"bskyfetch/internal"
	"bskyfetch/store"
	"bskyfetch/utils"
)

var (
	username     string
	storeBackend string
	storePath    string
	passphrase   string
	rateLimit    string
	proxyURL     string
	retries      int
	quiet        bool
	debug        bool
	logLevel     string
	logFile      string
	config       *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "bskyfetch",
	Short:   "Fetch profiles, posts, feeds and lists from Bluesky",
	Version: "v1.0.0",
	Long: `bskyfetch is a command line client for the Bluesky XRPC API.

It logs in with an app password, keeps the session in a local secret store
and refreshes it silently. Results are printed as JSON on stdout.

Examples:
  bskyfetch profile alice.bsky.social
  bskyfetch post https://bsky.app/profile/alice.bsky.social/post/3k2a4b
  bskyfetch search --sort top "golang"
  bskyfetch starter-pack https://bsky.app/starter-pack/alice.bsky.social/3kabc

Environment Variables:
  BSKYFETCH_USERNAME          Account handle or email
  BSKYFETCH_PASSWORD          App password
  BSKYFETCH_STORE             Secret store backend (memory, file, redis)
  BSKYFETCH_STORE_PASSPHRASE  Encrypt stored credentials with this passphrase
  BSKYFETCH_RATE_LIMIT        Request rate (e.g. 5/s, 300/m)
  BSKYFETCH_PROXY             Proxy URL`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(); err != nil {
			return fmt.Errorf("configuration error: %v", err)
		}

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %v", err)
		}

		internal.LogDebug("Configuration loaded: base=%s, store=%s, timeout=%v, quiet=%v",
			config.BaseURL, config.StoreBackend, config.Timeout, config.QuietMode)
		return nil
	},
}

// loadConfiguration merges defaults, environment and CLI flags, in that order
func loadConfiguration() error {
	config = internal.DefaultConfig()
	config.LoadFromEnv()

	if username != "" {
		config.Username = username
	}
	if storeBackend != "" {
		config.StoreBackend = storeBackend
	}
	if storePath != "" {
		config.StorePath = storePath
	}
	if passphrase != "" {
		config.StorePassphrase = passphrase
	}
	if rateLimit != "" {
		config.RateLimit = rateLimit
	}
	if proxyURL != "" {
		config.ProxyURL = proxyURL
	}

	if debug {
		config.EnableDebug = true
		config.LogLevel = "debug"
	}
	if quiet {
		config.QuietMode = true
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFile != "" {
		config.LogFile = logFile
	}

	return config.ValidateConfig()
}

// app bundles the wired client stack for one command invocation
type app struct {
	client     *bsky.Client
	aggregator *bsky.Aggregator
	closeStore func() error
}

func newApp(ctx context.Context, needsLogin bool) (*app, error) {
	if needsLogin && config.Username != "" && config.Password == "" {
		pw, err := promptPassword(config.Username)
		if err != nil {
			return nil, err
		}
		config.Password = pw
	}

	limiter, err := utils.NewRequestLimiterFromString(config.RateLimit)
	if err != nil {
		return nil, err
	}

	retryConfig := utils.DefaultRetryConfig()
	retryConfig.MaxAttempts = retries

	httpClient, err := utils.NewHTTPClientWithConfig(&utils.HTTPClientConfig{
		Timeout:     config.Timeout,
		ProxyURL:    config.ProxyURL,
		UserAgent:   config.UserAgent,
		RetryConfig: retryConfig,
		Limiter:     limiter,
	})
	if err != nil {
		return nil, err
	}

	secrets, closeStore, err := store.Open(ctx, config)
	if err != nil {
		return nil, err
	}

	session := bsky.NewSessionManager(httpClient, secrets, config)
	client := bsky.NewClient(session, httpClient, config)
	return &app{
		client:     client,
		aggregator: bsky.NewAggregator(client, secrets, config),
		closeStore: closeStore,
	}, nil
}

func (a *app) Close() {
	if err := a.closeStore(); err != nil {
		internal.LogWarn("Closing secret store: %v", err)
	}
}

// promptPassword reads the app password from the terminal without echo.
// Non-interactive sessions get a configuration error instead.
func promptPassword(user string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", internal.NewConfigurationError("password", "password is required to log in").
			WithSuggestion("Set BSKYFETCH_PASSWORD or run interactively")
	}

	fmt.Fprintf(os.Stderr, "App password for %s: ", user)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", internal.NewConfigurationError("password", "failed to read password").WithCause(err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			internal.LogInfo("Received signal %v, cancelling", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// runWithApp wires the client stack, runs fn and prints its result as JSON
func runWithApp(cmd *cobra.Command, needsLogin bool, fn func(ctx context.Context, a *app) (interface{}, error)) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, needsLogin)
	if err != nil {
		internal.LogClientError(err)
		return err
	}
	defer a.Close()

	result, err := fn(ctx, a)
	if err != nil {
		internal.LogClientError(err)
		return err
	}
	if result == nil {
		return nil
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func init() {
	config = internal.DefaultConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&username, "username", "u", "", "Account handle or email (env: BSKYFETCH_USERNAME)")
	flags.StringVar(&storeBackend, "store", "", "Secret store backend: memory, file or redis (env: BSKYFETCH_STORE)")
	flags.StringVar(&storePath, "store-path", "", "Path of the file secret store (env: BSKYFETCH_STORE_PATH)")
	flags.StringVar(&passphrase, "passphrase", "", "Encrypt stored secrets with this passphrase (env: BSKYFETCH_STORE_PASSPHRASE)")
	flags.StringVarP(&rateLimit, "rate", "r", "", "Request rate limit, e.g. 5/s or 300/m (env: BSKYFETCH_RATE_LIMIT)")
	flags.StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS proxy URL (env: BSKYFETCH_PROXY)")
	flags.IntVar(&retries, "retries", 1, "Attempts per request for 429 and 5xx responses")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	flags.BoolVarP(&debug, "debug", "d", false, "Enable debug logging (env: BSKYFETCH_DEBUG)")
	flags.StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error) (env: BSKYFETCH_LOG_LEVEL)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr (env: BSKYFETCH_LOG_FILE)")

	addCommands(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
