// Package export writes feature and match stores to a COLMAP database.
package export

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"dimatch/internal/features"
	"dimatch/internal/imageio"
	"dimatch/internal/store"
)

const maxImageID = 2147483647

// two_view_geometries.config for matches accepted without verification.
const configCalibrated = 2

// PairID is COLMAP's packed image pair key; ids are COLMAP image ids.
func PairID(id1, id2 int64) int64 {
	if id1 > id2 {
		id1, id2 = id2, id1
	}
	return id1*maxImageID + id2
}

// SplitPairID reverses PairID.
func SplitPairID(pairID int64) (int64, int64) {
	id2 := pairID % maxImageID
	return (pairID - id2) / maxImageID, id2
}

// Summary counts what was exported.
type Summary struct {
	Cameras int
	Images  int
	Pairs   int
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cameras (
        camera_id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
        model INTEGER NOT NULL,
        width INTEGER NOT NULL,
        height INTEGER NOT NULL,
        params BLOB,
        prior_focal_length INTEGER NOT NULL);`,
	`CREATE TABLE IF NOT EXISTS images (
        image_id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
        name TEXT NOT NULL UNIQUE,
        camera_id INTEGER NOT NULL,
        prior_qw REAL, prior_qx REAL, prior_qy REAL, prior_qz REAL,
        prior_tx REAL, prior_ty REAL, prior_tz REAL,
        CONSTRAINT image_id_check CHECK(image_id >= 0 and image_id < 2147483647),
        FOREIGN KEY(camera_id) REFERENCES cameras(camera_id));`,
	`CREATE TABLE IF NOT EXISTS keypoints (
        image_id INTEGER PRIMARY KEY NOT NULL,
        rows INTEGER NOT NULL,
        cols INTEGER NOT NULL,
        data BLOB,
        FOREIGN KEY(image_id) REFERENCES images(image_id) ON DELETE CASCADE);`,
	`CREATE TABLE IF NOT EXISTS descriptors (
        image_id INTEGER PRIMARY KEY NOT NULL,
        rows INTEGER NOT NULL,
        cols INTEGER NOT NULL,
        data BLOB,
        FOREIGN KEY(image_id) REFERENCES images(image_id) ON DELETE CASCADE);`,
	`CREATE TABLE IF NOT EXISTS matches (
        pair_id INTEGER PRIMARY KEY NOT NULL,
        rows INTEGER NOT NULL,
        cols INTEGER NOT NULL,
        data BLOB);`,
	`CREATE TABLE IF NOT EXISTS two_view_geometries (
        pair_id INTEGER PRIMARY KEY NOT NULL,
        rows INTEGER NOT NULL,
        cols INTEGER NOT NULL,
        data BLOB,
        config INTEGER NOT NULL,
        F BLOB, E BLOB, H BLOB, qvec BLOB, tvec BLOB);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS index_name ON images(name);`,
}

// Colmap writes a fresh database at path from the two stores.
func Colmap(ctx context.Context, path string, fs store.FeatureStore, ms store.MatchStore, cams CameraOptions, log *slog.Logger) (Summary, error) {
	var sum Summary
	if log == nil {
		log = slog.Default()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return sum, fmt.Errorf("remove old database: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return sum, err
	}
	defer db.Close()
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return sum, fmt.Errorf("create colmap schema: %w", err)
		}
	}

	images, err := fs.Images(ctx)
	if err != nil {
		return sum, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	assign := newAssigner(cams)
	colmapID := make(map[int]int64, len(images))
	for _, im := range images {
		camID, created, err := assign.camera(ctx, tx, im)
		if err != nil {
			return sum, err
		}
		if created {
			sum.Cameras++
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO images (name, camera_id) VALUES (?, ?)`, im.Name, camID)
		if err != nil {
			return sum, fmt.Errorf("insert image %s: %w", im.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return sum, err
		}
		colmapID[im.ID] = id

		_, f, err := fs.GetFeatures(ctx, im.ID)
		if err != nil {
			return sum, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO keypoints (image_id, rows, cols, data) VALUES (?, ?, ?, ?)`,
			id, f.Len(), 2, keypointBlob(f.Keypoints)); err != nil {
			return sum, fmt.Errorf("insert keypoints %s: %w", im.Name, err)
		}
		sum.Images++
	}

	pairs, err := ms.Pairs(ctx)
	if err != nil {
		return sum, err
	}
	for _, k := range pairs {
		a, okA := colmapID[k.A]
		b, okB := colmapID[k.B]
		if !okA || !okB {
			log.Warn("skipping pair without features", "pair", k.String())
			continue
		}
		matches, err := ms.GetMatches(ctx, k)
		if err != nil {
			return sum, err
		}
		if a > b {
			matches = swapMatches(matches)
		}
		pid := PairID(a, b)
		blob := matchBlob(matches)
		if _, err := tx.ExecContext(ctx, `INSERT INTO matches (pair_id, rows, cols, data) VALUES (?, ?, ?, ?)`,
			pid, len(matches), 2, blob); err != nil {
			return sum, fmt.Errorf("insert matches %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO two_view_geometries (pair_id, rows, cols, data, config) VALUES (?, ?, ?, ?, ?)`,
			pid, len(matches), 2, blob, configCalibrated); err != nil {
			return sum, fmt.Errorf("insert geometry %s: %w", k, err)
		}
		sum.Pairs++
	}
	return sum, tx.Commit()
}

// keypointBlob stores x, y as float32 in COLMAP's pixel-centre convention.
func keypointBlob(kps []features.Keypoint) []byte {
	out := make([]byte, 0, 8*len(kps))
	for _, kp := range kps {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(kp.X+0.5)))
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(kp.Y+0.5)))
	}
	return out
}

func matchBlob(ms []features.Match) []byte {
	out := make([]byte, 0, 8*len(ms))
	for _, m := range ms {
		out = binary.LittleEndian.AppendUint32(out, uint32(m.A))
		out = binary.LittleEndian.AppendUint32(out, uint32(m.B))
	}
	return out
}

func swapMatches(ms []features.Match) []features.Match {
	out := make([]features.Match, len(ms))
	for i, m := range ms {
		out[i] = features.Match{A: m.B, B: m.A, Score: m.Score}
	}
	return out
}

func paramBlob(params []float64) []byte {
	out := make([]byte, 0, 8*len(params))
	for _, p := range params {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(p))
	}
	return out
}

type assigner struct {
	opts   CameraOptions
	byName map[string]int // image name -> index into opts.Cameras
	ids    map[int]int64  // camera index -> camera_id
	shared int64
}

func newAssigner(opts CameraOptions) *assigner {
	a := &assigner{opts: opts, byName: map[string]int{}, ids: map[int]int64{}}
	for i, cam := range opts.Cameras {
		for _, name := range cam.Images {
			a.byName[name] = i
		}
	}
	return a
}

func (a *assigner) camera(ctx context.Context, tx *sql.Tx, im imageio.Image) (int64, bool, error) {
	if i, ok := a.byName[im.Name]; ok {
		if id, ok := a.ids[i]; ok {
			return id, false, nil
		}
		cam := a.opts.Cameras[i]
		id, err := insertCamera(ctx, tx, cam.Model, cam.Params, im)
		a.ids[i] = id
		return id, err == nil, err
	}
	if a.opts.SingleCamera && a.shared != 0 {
		return a.shared, false, nil
	}
	id, err := insertCamera(ctx, tx, a.opts.Model, nil, im)
	if a.opts.SingleCamera {
		a.shared = id
	}
	return id, err == nil, err
}

func insertCamera(ctx context.Context, tx *sql.Tx, model CameraModel, params []float64, im imageio.Image) (int64, error) {
	prior := 1
	if params == nil {
		params = model.DefaultParams(im.Width, im.Height)
		prior = 0
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO cameras (model, width, height, params, prior_focal_length) VALUES (?, ?, ?, ?, ?)`,
		int(model), im.Width, im.Height, paramBlob(params), prior)
	if err != nil {
		return 0, fmt.Errorf("insert camera for %s: %w", im.Name, err)
	}
	return res.LastInsertId()
}
