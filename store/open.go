package store

import (
	"context"

	"bskyfetch/internal"
)

// Open builds the SecretStore selected by config, wrapped with encryption
// when a passphrase is configured. The returned close function releases
// backend resources and is never nil.
func Open(ctx context.Context, config *internal.Config) (internal.SecretStore, func() error, error) {
	var (
		s       internal.SecretStore
		closeFn = func() error { return nil }
	)

	switch config.StoreBackend {
	case internal.StoreMemory:
		s = NewMemory()
	case internal.StoreFile, "":
		s = NewFile(config.StorePath)
	case internal.StoreRedis:
		r, err := NewRedisFromOptions(ctx, RedisOptions{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
		if err != nil {
			return nil, closeFn, err
		}
		s, closeFn = r, r.Close
	default:
		return nil, closeFn, internal.NewConfigurationError("store", "unknown store backend "+config.StoreBackend)
	}

	if config.StorePassphrase != "" {
		enc, err := NewEncrypted(ctx, s, config.StorePassphrase)
		if err != nil {
			closeFn()
			return nil, func() error { return nil }, err
		}
		s = enc
	}

	internal.LogDebug("Using %s secret store (encrypted: %t)", backendName(config.StoreBackend), config.StorePassphrase != "")
	return s, closeFn, nil
}

func backendName(b string) string {
	if b == "" {
		return internal.StoreFile
	}
	return b
}
