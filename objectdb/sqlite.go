package objectdb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	// sqlite driver registered as "sqlite".
	_ "modernc.org/sqlite"

	"go.viam.com/tod/logging"
	"go.viam.com/tod/vision/keypoints/descriptors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS models (
	object_id        TEXT NOT NULL,
	method           TEXT NOT NULL,
	id               TEXT NOT NULL,
	session_id       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	descriptor_words INTEGER NOT NULL,
	points           BLOB,
	descriptors      BLOB,
	metadata         TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (object_id, method)
)`

const upsertModel = `
INSERT INTO models (object_id, method, id, session_id, created_at, descriptor_words, points, descriptors, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (object_id, method) DO UPDATE SET
	id = excluded.id,
	session_id = excluded.session_id,
	created_at = excluded.created_at,
	descriptor_words = excluded.descriptor_words,
	points = excluded.points,
	descriptors = excluded.descriptors,
	metadata = excluded.metadata`

const selectModelColumns = `SELECT object_id, method, id, session_id, created_at, descriptor_words, points, descriptors, metadata FROM models`

// modelMetadata holds the model fields stored as JSON.
type modelMetadata struct {
	Submethod    map[string]interface{} `json:"submethod,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Observations []int                  `json:"observations,omitempty"`
}

type sqliteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewSQLiteStore opens, creating it if needed, a sqlite database at path.
func NewSQLiteStore(ctx context.Context, path string, logger logging.Logger) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open sqlite database %q", path)
	}
	// a single connection keeps in-memory databases alive and serialises writers
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "cannot prepare sqlite database %q", path), db.Close())
		}
	}
	logger.Debugw("opened model store", "type", "sqlite", "path", path)
	return &sqliteStore{db: db, logger: logger}, nil
}

func (ss *sqliteStore) SaveModel(ctx context.Context, model *Model) error {
	if err := model.Validate(); err != nil {
		return err
	}
	descBlob, words, err := descriptors.MarshalDescriptors(model.Descriptors)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(modelMetadata{
		Submethod:    model.Submethod,
		Parameters:   model.Parameters,
		Observations: model.Observations,
	})
	if err != nil {
		return errors.Wrap(err, "cannot encode model metadata")
	}
	_, err = ss.db.ExecContext(ctx, upsertModel,
		model.ObjectID,
		model.Method,
		model.ID,
		model.SessionID,
		model.CreatedAt.UnixNano(),
		words,
		marshalPoints(model.Points),
		descBlob,
		string(metadata),
	)
	if err != nil {
		return errors.Wrapf(err, "cannot save model of object %q", model.ObjectID)
	}
	ss.logger.Debugw("saved model", "object_id", model.ObjectID, "method", model.Method, "points", len(model.Points))
	return nil
}

func (ss *sqliteStore) LoadModels(ctx context.Context, method string, objectIDs []string) ([]*Model, error) {
	if len(objectIDs) == 0 {
		rows, err := ss.db.QueryContext(ctx, selectModelColumns+" WHERE method = ? ORDER BY object_id", method)
		if err != nil {
			return nil, errors.Wrap(err, "cannot query models")
		}
		models := make([]*Model, 0)
		for rows.Next() {
			m, err := scanModel(rows)
			if err != nil {
				return nil, multierr.Combine(err, rows.Close())
			}
			models = append(models, m)
		}
		return models, multierr.Combine(rows.Err(), rows.Close())
	}

	models := make([]*Model, 0, len(objectIDs))
	for _, id := range objectIDs {
		row := ss.db.QueryRowContext(ctx, selectModelColumns+" WHERE object_id = ? AND method = ?", id, method)
		m, err := scanModel(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewModelNotFoundError(id, method)
		}
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

func (ss *sqliteStore) Close(ctx context.Context) error {
	return ss.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(row rowScanner) (*Model, error) {
	var (
		m          Model
		createdAt  int64
		words      int
		pointsBlob []byte
		descBlob   []byte
		metadata   string
	)
	if err := row.Scan(&m.ObjectID, &m.Method, &m.ID, &m.SessionID, &createdAt, &words, &pointsBlob, &descBlob, &metadata); err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	points, err := unmarshalPoints(pointsBlob)
	if err != nil {
		return nil, errors.Wrapf(err, "model of object %q", m.ObjectID)
	}
	m.Points = points
	descs, err := descriptors.UnmarshalDescriptors(descBlob, words)
	if err != nil {
		return nil, errors.Wrapf(err, "model of object %q", m.ObjectID)
	}
	m.Descriptors = descs
	var md modelMetadata
	if err := json.Unmarshal([]byte(metadata), &md); err != nil {
		return nil, errors.Wrapf(err, "cannot decode metadata of object %q", m.ObjectID)
	}
	m.Submethod = md.Submethod
	m.Parameters = md.Parameters
	m.Observations = md.Observations
	return &m, nil
}

func marshalPoints(points []r3.Vector) []byte {
	out := make([]byte, 0, 24*len(points))
	for _, p := range points {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(p.X))
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(p.Y))
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(p.Z))
	}
	return out
}

func unmarshalPoints(data []byte) ([]r3.Vector, error) {
	if len(data)%24 != 0 {
		return nil, errors.Errorf("points blob of %d bytes is not a multiple of 24", len(data))
	}
	points := make([]r3.Vector, len(data)/24)
	for i := range points {
		off := 24 * i
		points[i] = r3.Vector{
			X: math.Float64frombits(binary.LittleEndian.Uint64(data[off:])),
			Y: math.Float64frombits(binary.LittleEndian.Uint64(data[off+8:])),
			Z: math.Float64frombits(binary.LittleEndian.Uint64(data[off+16:])),
		}
	}
	return points, nil
}
