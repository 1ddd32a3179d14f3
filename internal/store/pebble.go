package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"dimatch/internal/features"
	"dimatch/internal/imageio"
)

// Key layout:
//
//	'I' id      -> image record
//	'F' id      -> features blob
//	'M' a b     -> matches blob
//
// ids are big-endian uint32 so iteration yields ascending order.
const (
	prefixImage    = 'I'
	prefixFeatures = 'F'
	prefixMatches  = 'M'
)

// Pebble keeps features and matches in a pebble LSM directory.
type Pebble struct {
	db     *pebble.DB
	mu     sync.Mutex // guards probe-then-write
	closed atomic.Bool
}

// OpenPebble opens (or creates) the pebble directory at path.
func OpenPebble(path string) (*Pebble, error) {
	opts := pebble.Options{ErrorIfNotExists: false}
	db, err := pebble.Open(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &Pebble{db: db}, nil
}

func idKey(prefix byte, ids ...int) []byte {
	key := make([]byte, 1, 1+4*len(ids))
	key[0] = prefix
	for _, id := range ids {
		key = binary.BigEndian.AppendUint32(key, uint32(id))
	}
	return key
}

func (p *Pebble) check() error {
	if p == nil || p.db == nil || p.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (p *Pebble) get(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (p *Pebble) exists(key []byte) (bool, error) {
	_, err := p.get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PutFeatures writes the image record and its keypoints in one batch.
func (p *Pebble) PutFeatures(ctx context.Context, im imageio.Image, f features.Features) error {
	if err := p.check(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	key := idKey(prefixFeatures, im.ID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok, err := p.exists(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("features for image %d: %w", im.ID, ErrExists)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(idKey(prefixImage, im.ID), encodeImage(im), nil); err != nil {
		return err
	}
	if err := b.Set(key, encodeFeatures(f), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// GetFeatures loads the keypoints of one image.
func (p *Pebble) GetFeatures(ctx context.Context, id int) (imageio.Image, features.Features, error) {
	if err := p.check(); err != nil {
		return imageio.Image{}, features.Features{}, err
	}
	raw, err := p.get(idKey(prefixImage, id))
	if err != nil {
		return imageio.Image{ID: id}, features.Features{}, fmt.Errorf("image %d: %w", id, err)
	}
	im, err := decodeImage(raw)
	if err != nil {
		return im, features.Features{}, err
	}
	raw, err = p.get(idKey(prefixFeatures, id))
	if err != nil {
		return im, features.Features{}, fmt.Errorf("image %d: %w", id, err)
	}
	f, err := decodeFeatures(raw)
	return im, f, err
}

// Images lists stored images ordered by id.
func (p *Pebble) Images(ctx context.Context) ([]imageio.Image, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	var out []imageio.Image
	err := p.scan(prefixImage, func(_, val []byte) error {
		im, err := decodeImage(val)
		if err != nil {
			return err
		}
		out = append(out, im)
		return nil
	})
	return out, err
}

// PutMatches stores the match set of one pair.
func (p *Pebble) PutMatches(ctx context.Context, k PairKey, ms []features.Match) error {
	if err := p.check(); err != nil {
		return err
	}
	if err := checkPair(k); err != nil {
		return err
	}
	key := idKey(prefixMatches, k.A, k.B)
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok, err := p.exists(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("matches for pair %s: %w", k, ErrExists)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Set(key, encodeMatches(ms), pebble.Sync)
}

// GetMatches loads the match set of one pair.
func (p *Pebble) GetMatches(ctx context.Context, k PairKey) ([]features.Match, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	raw, err := p.get(idKey(prefixMatches, k.A, k.B))
	if err != nil {
		return nil, fmt.Errorf("pair %s: %w", k, err)
	}
	return decodeMatches(raw)
}

// Pairs lists stored pairs in (A, B) order.
func (p *Pebble) Pairs(ctx context.Context) ([]PairKey, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	var out []PairKey
	err := p.scan(prefixMatches, func(key, _ []byte) error {
		if len(key) != 9 {
			return fmt.Errorf("store: malformed match key %x", key)
		}
		out = append(out, PairKey{
			A: int(binary.BigEndian.Uint32(key[1:5])),
			B: int(binary.BigEndian.Uint32(key[5:9])),
		})
		return nil
	})
	return out, err
}

func (p *Pebble) scan(prefix byte, fn func(key, val []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return err
	}
	for it.SeekGE([]byte{prefix}); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			_ = it.Close()
			return err
		}
	}
	return it.Close()
}

// Close flushes and releases the directory. Further calls return ErrClosed.
func (p *Pebble) Close() error {
	if p == nil || p.db == nil || p.closed.Swap(true) {
		return nil
	}
	return p.db.Close()
}
