package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

// uniqueViolation is the SQLSTATE raised when an insert collides with the
// primary key on lock_id.
const uniqueViolation = "23505"

// PostgresStore implements Store using a PostgreSQL backend. Conditional
// updates and deletes compile the filter into a WHERE clause so each
// transition is one statement; the primary key on lock_id provides the
// uniqueness constraint for creation races.
//
// Expected schema:
//
//	CREATE TABLE lock_records (
//	    lock_id    TEXT PRIMARY KEY,
//	    writer     TEXT NOT NULL DEFAULT '',
//	    readers    TEXT[] NOT NULL DEFAULT '{}',
//	    expires_at TIMESTAMPTZ
//	);
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore returns a new PostgresStore using the provided pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// whereClause renders the filter conditions, appending bind values to args.
// The lock_id predicate is assumed to be $1; expired rows never match.
func whereClause(f Filter, args *[]interface{}) string {
	conds := []string{"lock_id = $1", "(expires_at IS NULL OR expires_at > NOW())"}
	if f.WriterIn != nil {
		*args = append(*args, f.WriterIn)
		conds = append(conds, fmt.Sprintf("writer = ANY($%d)", len(*args)))
	}
	if f.NoReaders {
		conds = append(conds, "cardinality(readers) = 0")
	}
	if f.SoleReader != "" {
		*args = append(*args, f.SoleReader)
		conds = append(conds, fmt.Sprintf("readers = ARRAY[$%d]", len(*args)))
	}
	if f.HasReader != "" {
		*args = append(*args, f.HasReader)
		conds = append(conds, fmt.Sprintf("$%d = ANY(readers)", len(*args)))
	}
	return strings.Join(conds, " AND ")
}

// FindOne implements Store.FindOne.
func (s *PostgresStore) FindOne(ctx context.Context, lockID string) (Record, bool, error) {
	rec := Record{LockID: lockID}
	err := s.db.QueryRow(ctx,
		`SELECT writer, readers, expires_at FROM lock_records
		 WHERE lock_id = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		lockID).Scan(&rec.Writer, &rec.Readers, &rec.ExpiresAt)
	if err != nil {
		if stdErrors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// UpdateOne implements Store.UpdateOne.
func (s *PostgresStore) UpdateOne(ctx context.Context, f Filter, u Update, upsert bool) (UpdateResult, error) {
	args := []interface{}{f.LockID}
	var sets []string
	if u.SetWriter != nil {
		args = append(args, *u.SetWriter)
		sets = append(sets, fmt.Sprintf("writer = $%d", len(args)))
	}
	if u.AddReader != "" {
		args = append(args, u.AddReader)
		n := len(args)
		sets = append(sets, fmt.Sprintf(
			"readers = CASE WHEN $%d = ANY(readers) THEN readers ELSE array_append(readers, $%d) END", n, n))
	}
	if u.RemoveReader != "" {
		args = append(args, u.RemoveReader)
		sets = append(sets, fmt.Sprintf("readers = array_remove(readers, $%d)", len(args)))
	}
	if u.SetExpiresAt != nil {
		args = append(args, *u.SetExpiresAt)
		sets = append(sets, fmt.Sprintf("expires_at = $%d", len(args)))
	}
	if len(sets) == 0 {
		sets = append(sets, "lock_id = lock_id")
	}
	where := whereClause(f, &args)
	tag, err := s.db.Exec(ctx,
		fmt.Sprintf("UPDATE lock_records SET %s WHERE %s", strings.Join(sets, ", "), where),
		args...)
	if err != nil {
		return UpdateResult{}, err
	}
	if tag.RowsAffected() > 0 {
		return UpdateResult{Matched: true}, nil
	}
	if !upsert {
		return UpdateResult{}, nil
	}

	// Expired rows still occupy the primary key; clear them so the insert
	// below only collides with a live record.
	if _, err := s.db.Exec(ctx,
		"DELETE FROM lock_records WHERE lock_id = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()",
		f.LockID); err != nil {
		return UpdateResult{}, err
	}

	writer := ""
	if u.SetWriter != nil {
		writer = *u.SetWriter
	}
	readers := []string{}
	if u.AddReader != "" {
		readers = append(readers, u.AddReader)
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO lock_records (lock_id, writer, readers, expires_at) VALUES ($1, $2, $3, $4)",
		f.LockID, writer, readers, u.SetExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stdErrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return UpdateResult{}, rwerrors.ErrConflict
		}
		return UpdateResult{}, err
	}
	return UpdateResult{Upserted: true}, nil
}

// DeleteOne implements Store.DeleteOne.
func (s *PostgresStore) DeleteOne(ctx context.Context, f Filter) (bool, error) {
	args := []interface{}{f.LockID}
	where := whereClause(f, &args)
	tag, err := s.db.Exec(ctx, "DELETE FROM lock_records WHERE "+where, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Cleanup removes expired records. Expiry already excludes them from every
// filter; this reclaims the rows and should run periodically.
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM lock_records WHERE expires_at IS NOT NULL AND expires_at <= NOW()")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
