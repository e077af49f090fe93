// Package storage provides the durable key/value stores a console session is mirrored into.
//
// Values are plain strings. Multi-key writes and deletes are applied together: a reader never
// observes only part of a Set or Delete call.
package storage

import (
	"context"
	"errors"
)

var (
	ErrLocked = errors.New("storage is locked by another process")
	ErrClosed = errors.New("storage is closed")
)

type Storage interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes all the given values at once.
	Set(ctx context.Context, values map[string]string) error
	// Delete removes all the given keys at once, missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	Close() error
}
