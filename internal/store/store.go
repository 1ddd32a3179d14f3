// Package store persists merged keypoints per image and match sets per image
// pair. Entries are written once and become visible atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"dimatch/internal/config"
	"dimatch/internal/features"
	"dimatch/internal/imageio"
)

var (
	// ErrNotFound is returned for missing images or pairs.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned when a key is written twice.
	ErrExists = errors.New("store: entry already exists")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// PairKey identifies a match set; A < B.
type PairKey struct {
	A, B int
}

func (k PairKey) String() string { return fmt.Sprintf("%d-%d", k.A, k.B) }

// FeatureStore maps image id to its keypoint set.
type FeatureStore interface {
	PutFeatures(ctx context.Context, im imageio.Image, f features.Features) error
	GetFeatures(ctx context.Context, id int) (imageio.Image, features.Features, error)
	Images(ctx context.Context) ([]imageio.Image, error)
	Close() error
}

// MatchStore maps image pairs to match sets.
type MatchStore interface {
	PutMatches(ctx context.Context, k PairKey, ms []features.Match) error
	GetMatches(ctx context.Context, k PairKey) ([]features.Match, error)
	Pairs(ctx context.Context) ([]PairKey, error)
	Close() error
}

// Store is implemented by every backend; a run opens one instance for
// features and one for matches.
type Store interface {
	FeatureStore
	MatchStore
}

// Open opens or creates a store at path.
func Open(backend config.StoreBackend, path string) (Store, error) {
	switch backend {
	case config.BackendSQLite, "":
		return OpenSQLite(path)
	case config.BackendPebble:
		return OpenPebble(path)
	}
	_, err := config.ParseStoreBackend(string(backend))
	return nil, err
}

// Create removes anything at path, including sqlite journal sidecars left
// by an interrupted run, and opens a fresh store.
func Create(backend config.StoreBackend, path string) (Store, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("reset store %s: %w", path, err)
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reset store %s: %w", path, err)
		}
	}
	return Open(backend, path)
}

func checkPair(k PairKey) error {
	if k.A >= k.B || k.A < 0 {
		return fmt.Errorf("store: pair %s is not canonical", k)
	}
	return nil
}
