package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"dimatch/internal/features"
	"dimatch/internal/imageio"
)

// SQLite keeps features and matches in a single SQLite file.
type SQLite struct {
	DB     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens (or creates) the database at path and ensures schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection serialises writers
	db.SetMaxOpenConns(1)
	s := &SQLite{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS features (
            image_id INTEGER PRIMARY KEY,
            name TEXT NOT NULL,
            path TEXT,
            width INTEGER,
            height INTEGER,
            keypoints INTEGER NOT NULL,
            data BLOB NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS matches (
            image_a INTEGER NOT NULL,
            image_b INTEGER NOT NULL,
            count INTEGER NOT NULL,
            data BLOB NOT NULL,
            PRIMARY KEY (image_a, image_b)
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) check() error {
	if s == nil || s.DB == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// PutFeatures stores the merged keypoints of one image.
func (s *SQLite) PutFeatures(ctx context.Context, im imageio.Image, f features.Features) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	return s.insertOnce(ctx,
		`SELECT 1 FROM features WHERE image_id = ?`, []any{im.ID},
		`INSERT INTO features (image_id, name, path, width, height, keypoints, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		[]any{im.ID, im.Name, im.Path, im.Width, im.Height, f.Len(), encodeFeatures(f)},
		fmt.Sprintf("features for image %d", im.ID))
}

// GetFeatures loads the keypoints of one image.
func (s *SQLite) GetFeatures(ctx context.Context, id int) (imageio.Image, features.Features, error) {
	if err := s.check(); err != nil {
		return imageio.Image{}, features.Features{}, err
	}
	im := imageio.Image{ID: id}
	var (
		path sql.NullString
		data []byte
	)
	row := s.DB.QueryRowContext(ctx, `SELECT name, path, width, height, data FROM features WHERE image_id = ?`, id)
	if err := row.Scan(&im.Name, &path, &im.Width, &im.Height, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return im, features.Features{}, fmt.Errorf("image %d: %w", id, ErrNotFound)
		}
		return im, features.Features{}, err
	}
	im.Path = path.String
	f, err := decodeFeatures(data)
	return im, f, err
}

// Images lists stored images ordered by id.
func (s *SQLite) Images(ctx context.Context) ([]imageio.Image, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT image_id, name, path, width, height FROM features ORDER BY image_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []imageio.Image
	for rows.Next() {
		var (
			im   imageio.Image
			path sql.NullString
		)
		if err := rows.Scan(&im.ID, &im.Name, &path, &im.Width, &im.Height); err != nil {
			return nil, err
		}
		im.Path = path.String
		out = append(out, im)
	}
	return out, rows.Err()
}

// PutMatches stores the match set of one pair.
func (s *SQLite) PutMatches(ctx context.Context, k PairKey, ms []features.Match) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := checkPair(k); err != nil {
		return err
	}
	return s.insertOnce(ctx,
		`SELECT 1 FROM matches WHERE image_a = ? AND image_b = ?`, []any{k.A, k.B},
		`INSERT INTO matches (image_a, image_b, count, data) VALUES (?, ?, ?, ?)`,
		[]any{k.A, k.B, len(ms), encodeMatches(ms)},
		"matches for pair "+k.String())
}

// GetMatches loads the match set of one pair.
func (s *SQLite) GetMatches(ctx context.Context, k PairKey) ([]features.Match, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var data []byte
	row := s.DB.QueryRowContext(ctx, `SELECT data FROM matches WHERE image_a = ? AND image_b = ?`, k.A, k.B)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pair %s: %w", k, ErrNotFound)
		}
		return nil, err
	}
	return decodeMatches(data)
}

// Pairs lists stored pairs in (A, B) order.
func (s *SQLite) Pairs(ctx context.Context) ([]PairKey, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT image_a, image_b FROM matches ORDER BY image_a, image_b`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairKey
	for rows.Next() {
		var k PairKey
		if err := rows.Scan(&k.A, &k.B); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Close releases the database. Further calls return ErrClosed.
func (s *SQLite) Close() error {
	if s == nil || s.DB == nil || s.closed.Swap(true) {
		return nil
	}
	return s.DB.Close()
}

// insertOnce runs probe and insert in one transaction so a row is either
// fully written or absent.
func (s *SQLite) insertOnce(ctx context.Context, probe string, probeArgs []any, insert string, args []any, what string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	switch err := tx.QueryRowContext(ctx, probe, probeArgs...).Scan(&one); {
	case err == nil:
		return fmt.Errorf("%s: %w", what, ErrExists)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return tx.Commit()
}
