// Package credstore persists small credential documents (OAuth token records,
// Google client secrets, messaging session credentials) as whole JSON values.
//
// Every backend has overwrite semantics: Save replaces the stored value, there
// is no partial update and no locking, so the last writer wins.
package credstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Load when nothing has been saved yet.
	ErrNotFound = errors.New("credential not found")
	// ErrStoreIO wraps read/write/encode failures of the underlying medium.
	ErrStoreIO = errors.New("credential store io")
)

// Store loads and saves one document of type T.
type Store[T any] interface {
	Load(ctx context.Context) (T, error)
	Save(ctx context.Context, v T) error
	Delete(ctx context.Context) error
}

// HealthChecker is implemented by remote backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// LoadOr returns the stored value, or def when nothing is stored or the store
// fails. The error is returned alongside def so callers can log it.
func LoadOr[T any](ctx context.Context, s Store[T], def T) (T, error) {
	v, err := s.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return def, nil
		}
		return def, err
	}
	return v, nil
}
