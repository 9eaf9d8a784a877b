package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	pkgsecrets "github.com/Checker-Finance/books-gateway/pkg/secrets"
)

// Resolver resolves named credential bundles (Intuit app keys, Google OAuth
// client) from a secrets provider, caching parsed values locally.
//
// Secret naming convention: {env}/{service}/{name}
type Resolver[T any] struct {
	logger   *zap.Logger
	env      string
	service  string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
}

// NewResolver constructs a cached resolver for one credential type.
func NewResolver[T any](
	logger *zap.Logger,
	env string,
	service string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
) *Resolver[T] {
	return &Resolver[T]{
		logger:   logger,
		env:      env,
		service:  service,
		provider: provider,
		cache:    cache,
	}
}

// SecretName builds the provider key for name.
func (r *Resolver[T]) SecretName(name string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, r.service, name))
}

// Resolve fetches or returns the cached T for name.
// parse extracts T from the raw secret map; it should validate required fields.
func (r *Resolver[T]) Resolve(ctx context.Context, name string, parse func(map[string]string) (T, error)) (T, error) {
	key := r.SecretName(name)

	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}

	raw, err := r.provider.GetSecret(ctx, key)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed",
			zap.String("key", key),
			zap.Error(err))
		var zero T
		return zero, fmt.Errorf("resolve secret %q: %w", name, err)
	}

	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse secret %q: %w", key, err)
	}

	r.cache.Put(key, v)

	r.logger.Info("secrets.resolved", zap.String("key", key))
	return v, nil
}

// Invalidate drops the cached value for name so the next Resolve refetches it.
func (r *Resolver[T]) Invalidate(name string) {
	r.cache.Bust(r.SecretName(name))
}
