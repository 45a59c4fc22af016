package internal

import (
	"context"
	"time"
)

// SecretStore is an opaque key/value store with per-key expiry.
// A ttl <= 0 stores the value without expiry.
type SecretStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Doer performs one HTTP exchange
type Doer interface {
	Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// ProfileGetter fetches an actor profile by handle or DID
type ProfileGetter interface {
	GetProfile(ctx context.Context, actor string) (*Profile, error)
}

// LinkResolver converts web links into canonical AT-URIs
type LinkResolver interface {
	Resolve(ctx context.Context, link string) (string, error)
}

// RateLimiter paces outbound requests
type RateLimiter interface {
	Wait(ctx context.Context) error
}
