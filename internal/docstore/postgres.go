package docstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Schema creates the single table backing every collection.
const Schema = `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id         TEXT NOT NULL,
		data       JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, id)
	);
`

// Postgres implements Client on top of a JSONB table.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres creates a new Postgres document store.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// EnsureSchema creates the documents table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return classifyError("EnsureSchema", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return classifyError("Ping", s.db.PingContext(ctx))
}

func (s *Postgres) GetOne(ctx context.Context, collection, id string) (Document, error) {
	query := `
		SELECT data
		FROM documents
		WHERE collection = $1 AND id = $2;
	`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, classifyError("GetOne", err)
	}
	return decodeDocument(id, raw)
}

func (s *Postgres) GetMany(ctx context.Context, collection string, predicates ...Predicate) ([]Document, error) {
	queryArgs := []interface{}{collection}
	whereClauses := []string{"collection = $1"}
	argID := 2

	for _, p := range predicates {
		if err := p.validate(); err != nil {
			return nil, err
		}
		clause, args, err := predicateClause(p, argID)
		if err != nil {
			return nil, err
		}
		whereClauses = append(whereClauses, clause)
		queryArgs = append(queryArgs, args...)
		argID += len(args)
	}

	query := "SELECT id, data FROM documents WHERE " + strings.Join(whereClauses, " AND ") + " ORDER BY id ASC;"
	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, classifyError("GetMany", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, classifyError("GetMany", err)
		}
		doc, err := decodeDocument(id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("GetMany", err)
	}
	return docs, nil
}

func (s *Postgres) SetOne(ctx context.Context, collection, id string, fields Fields) error {
	return s.execOperation(ctx, s.db, Set(collection, id, fields))
}

func (s *Postgres) UpdateOne(ctx context.Context, collection, id string, fields Fields) error {
	return s.execOperation(ctx, s.db, Update(collection, id, fields))
}

func (s *Postgres) DeleteOne(ctx context.Context, collection, id string) error {
	return s.execOperation(ctx, s.db, Delete(collection, id))
}

// CommitBatch runs every operation inside one SQL transaction.
func (s *Postgres) CommitBatch(ctx context.Context, ops []Operation) error {
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyError("CommitBatch", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, op := range ops {
		if err := s.execOperation(ctx, tx, op); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyError("CommitBatch", err)
	}
	s.logger.Debug("committed document batch", zap.Int("operations", len(ops)))
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Postgres) execOperation(ctx context.Context, ex execer, op Operation) error {
	if err := op.validate(); err != nil {
		return err
	}
	switch op.Kind {
	case OpSet:
		data, err := encodeFields(op.Fields)
		if err != nil {
			return err
		}
		query := `
			INSERT INTO documents (collection, id, data, updated_at)
			VALUES ($1, $2, $3::jsonb, CURRENT_TIMESTAMP)
			ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = CURRENT_TIMESTAMP;
		`
		if _, err := ex.ExecContext(ctx, query, op.Collection, op.ID, data); err != nil {
			return classifyError("SetOne", err)
		}
	case OpUpdate:
		data, err := encodeFields(op.Fields)
		if err != nil {
			return err
		}
		query := `
			UPDATE documents
			SET data = data || $3::jsonb, updated_at = CURRENT_TIMESTAMP
			WHERE collection = $1 AND id = $2;
		`
		result, err := ex.ExecContext(ctx, query, op.Collection, op.ID, data)
		if err != nil {
			return classifyError("UpdateOne", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return classifyError("UpdateOne", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("docstore: update %s/%s: %w", op.Collection, op.ID, ErrNotFound)
		}
	case OpDelete:
		query := `DELETE FROM documents WHERE collection = $1 AND id = $2;`
		if _, err := ex.ExecContext(ctx, query, op.Collection, op.ID); err != nil {
			return classifyError("DeleteOne", err)
		}
	}
	return nil
}

func predicateClause(p Predicate, argID int) (string, []interface{}, error) {
	field := fmt.Sprintf("data -> $%d::text", argID)
	fieldText := fmt.Sprintf("data ->> $%d::text", argID)

	switch p.Op {
	case OpEqual, OpNotEqual:
		if p.Value == nil {
			if p.Op == OpEqual {
				return fmt.Sprintf("(%s IS NULL OR %s = 'null'::jsonb)", field, field), []interface{}{p.Field}, nil
			}
			return fmt.Sprintf("(%s IS NOT NULL AND %s <> 'null'::jsonb)", field, field), []interface{}{p.Field}, nil
		}
		raw, err := json.Marshal(p.Value)
		if err != nil {
			return "", nil, fmt.Errorf("docstore: encode predicate value for %q: %w", p.Field, err)
		}
		if p.Op == OpEqual {
			return fmt.Sprintf("%s = $%d::jsonb", field, argID+1), []interface{}{p.Field, string(raw)}, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> $%d::jsonb)", field, field, argID+1), []interface{}{p.Field, string(raw)}, nil
	}

	value := derefValue(p.Value)
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("(jsonb_typeof(%s) = 'string' AND %s %s $%d)", field, fieldText, p.Op, argID+1),
			[]interface{}{p.Field, v}, nil
	case int, int32, int64, float32, float64:
		return fmt.Sprintf("(CASE WHEN jsonb_typeof(%s) = 'number' THEN (%s)::numeric %s $%d ELSE false END)", field, fieldText, p.Op, argID+1),
			[]interface{}{p.Field, v}, nil
	default:
		return "", nil, fmt.Errorf("docstore: range predicate on %q needs a string or number, got %T", p.Field, p.Value)
	}
}

func derefValue(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	return rv.Interface()
}

func encodeFields(f Fields) (string, error) {
	if f == nil {
		f = Fields{}
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("docstore: encode fields: %w", err)
	}
	return string(raw), nil
}

func decodeDocument(id string, raw []byte) (Document, error) {
	fields := Fields{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Document{}, fmt.Errorf("docstore: decode document %q: %w", id, err)
		}
	}
	return Document{ID: id, Fields: fields}, nil
}

// transientCodes are PostgreSQL error codes worth retrying besides the
// connection exception class (08).
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// classifyError wraps transient driver failures with ErrUnavailable.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" || transientCodes[pqErr.Code] {
			return fmt.Errorf("docstore: %s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("docstore: %s failed: %w", op, err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("docstore: %s: %w: %w", op, ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("docstore: %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("docstore: %s failed: %w", op, err)
}

// Close closes the underlying connection pool.
func (s *Postgres) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("closing database connection pool")
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close database connection pool", zap.Error(err))
		return err
	}
	return nil
}
