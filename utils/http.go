package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"

	"bskyfetch/internal"
)

// maxBodyBytes bounds how much of a response body is read into memory
const maxBodyBytes = 16 << 20

// RetryConfig defines retry behavior configuration.
// MaxAttempts of 1 disables retries.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterPercent float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   1,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	Timeout     time.Duration
	ProxyURL    string
	UserAgent   string
	RetryConfig *RetryConfig
	Limiter     internal.RateLimiter
}

// HTTPClient performs JSON exchanges with the XRPC service
type HTTPClient struct {
	client      *http.Client
	userAgent   string
	retryConfig *RetryConfig
	limiter     internal.RateLimiter
}

// NewHTTPClient creates a new HTTP client with default configuration
func NewHTTPClient() *HTTPClient {
	client, _ := NewHTTPClientWithConfig(&HTTPClientConfig{
		Timeout:     30 * time.Second,
		RetryConfig: DefaultRetryConfig(),
	})
	return client
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) (*HTTPClient, error) {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig()
	}
	if config.RetryConfig.MaxAttempts < 1 {
		config.RetryConfig.MaxAttempts = 1
	}
	if config.UserAgent == "" {
		config.UserAgent = "bskyfetch/1.0"
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.ProxyURL != "" {
		if err := configureProxy(transport, config.ProxyURL); err != nil {
			return nil, internal.NewConfigurationError("proxy_url", err.Error())
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{
		client:      client,
		userAgent:   config.UserAgent,
		retryConfig: config.RetryConfig,
		limiter:     config.Limiter,
	}, nil
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// UserAgent returns the user agent sent with every request
func (c *HTTPClient) UserAgent() string {
	return c.userAgent
}

// Do performs the request. Any received status is returned as a response;
// only network and timeout failures become errors.
func (c *HTTPClient) Do(ctx context.Context, req *internal.HTTPRequest) (*internal.HTTPResponse, error) {
	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, internal.NewInvalidArgumentError("body", err.Error()).WithCause(err)
	}

	requestID := uuid.NewString()
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.calculateDelay(attempt)
			if retryAfter > 0 && retryAfter < c.retryConfig.MaxDelay {
				delay = retryAfter
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, internal.NewTransportError(req.Method+" "+req.URL, ctx.Err())
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, internal.NewTransportError("rate limit wait", err)
			}
		}

		retryAfter = 0
		resp, err := c.doOnce(ctx, requestID, req, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if c.shouldRetryStatus(resp.StatusCode) && attempt+1 < c.retryConfig.MaxAttempts {
			retryAfter, _ = RetryAfter(resp.Header)
			internal.LogDebug("Retrying [%s] after status %d (attempt %d/%d)", requestID, resp.StatusCode, attempt+1, c.retryConfig.MaxAttempts)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, requestID string, req *internal.HTTPRequest, payload []byte) (*internal.HTTPResponse, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, internal.NewInvalidArgumentError("url", err.Error()).WithCause(err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	logger := internal.GetLogger()
	logger.LogHTTPRequest(requestID, httpReq)
	start := time.Now()

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, internal.NewTransportError(req.Method+" "+redactQuery(req.URL), err)
	}
	defer httpResp.Body.Close()

	logger.LogHTTPResponse(requestID, httpResp, time.Since(start))

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, internal.NewTransportError("reading response body", err)
	}

	return &internal.HTTPResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		IsJSON:     len(data) > 0 && json.Valid(data),
	}, nil
}

// encodeBody serializes a request body. Raw bytes are sent unchanged.
func encodeBody(body interface{}) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func (c *HTTPClient) shouldRetryStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// calculateDelay calculates the delay for the next retry attempt
func (c *HTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retryConfig.BaseDelay) * math.Pow(c.retryConfig.Multiplier, float64(attempt-1))

	jitter := delay * c.retryConfig.JitterPercent * (rand.Float64()*2 - 1)
	delay += jitter

	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}
	if delay < 0 {
		delay = float64(c.retryConfig.BaseDelay)
	}

	return time.Duration(delay)
}

// RetryAfter parses a Retry-After header in seconds
func RetryAfter(header http.Header) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// IsTimeout reports whether err was caused by a deadline or network timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func redactQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	return u.String()
}
