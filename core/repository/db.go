package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"math"
	"net"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"pht-monitor/core/errors"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DB is the relational Store backend. Records are kept as statements
// (namespace, subject, predicate, object); ordered lists live in list_items.
type DB struct {
	*sql.DB
	driver string
}

// NewDB opens a postgres or sqlite3 database and verifies the connection
func NewDB(driverName, dsn string) (*DB, error) {
	switch driverName {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, errors.InvalidArgument("store", "unsupported sql driver "+driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.StoreUnavailable("store", "open "+driverName, err)
	}
	if driverName == DriverSQLite {
		// sqlite allows one writer; a single connection also keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.StoreUnavailable("store", "ping "+driverName, err)
	}

	return &DB{DB: db, driver: driverName}, nil
}

// InitSchema creates the tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	seqColumn := "seq BIGSERIAL PRIMARY KEY"
	if db.driver == DriverSQLite {
		seqColumn = "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS subjects (
			%s,
			namespace TEXT NOT NULL,
			subject TEXT NOT NULL,
			UNIQUE (namespace, subject)
		)`, seqColumn),
		`
		CREATE TABLE IF NOT EXISTS statements (
			namespace TEXT NOT NULL,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			PRIMARY KEY (namespace, subject, predicate)
		)`,
		`
		CREATE TABLE IF NOT EXISTS list_items (
			list TEXT NOT NULL,
			position BIGINT NOT NULL,
			item TEXT NOT NULL,
			PRIMARY KEY (list, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_list_items_item ON list_items (list, item)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return translateSQLErr("schema", "create schema", err)
		}
	}
	return nil
}

// Insert creates a subject with its attributes
func (db *DB) Insert(ctx context.Context, ns Namespace, id string, attrs Attributes) error {
	return db.withTx(ctx, string(ns), func(tx *sql.Tx) error {
		exists, err := subjectExists(ctx, tx, ns, id)
		if err != nil {
			return err
		}
		if exists {
			return errors.AlreadyExists(string(ns), fmt.Sprintf("%s (%s) already exists", ns, id))
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subjects (namespace, subject) VALUES ($1, $2)`, ns, id); err != nil {
			return err
		}
		return upsertStatements(ctx, tx, ns, id, attrs)
	})
}

// Get returns the attributes of a subject
func (db *DB) Get(ctx context.Context, ns Namespace, id string) (Attributes, error) {
	query := `
		SELECT st.predicate, st.object
		FROM subjects s
		LEFT JOIN statements st ON st.namespace = s.namespace AND st.subject = s.subject
		WHERE s.namespace = $1 AND s.subject = $2
	`

	rows, err := db.QueryContext(ctx, query, ns, id)
	if err != nil {
		return nil, translateSQLErr(string(ns), "get", err)
	}
	defer rows.Close()

	found := false
	attrs := Attributes{}
	for rows.Next() {
		found = true
		var pred, obj sql.NullString
		if err := rows.Scan(&pred, &obj); err != nil {
			return nil, translateSQLErr(string(ns), "scan", err)
		}
		if pred.Valid {
			attrs[pred.String] = obj.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translateSQLErr(string(ns), "get", err)
	}
	if !found {
		return nil, errors.NotFound(string(ns), fmt.Sprintf("%s (%s) not found", ns, id))
	}

	return attrs, nil
}

// Patch sets the given attributes of an existing subject in one transaction
func (db *DB) Patch(ctx context.Context, ns Namespace, id string, attrs Attributes) error {
	return db.withTx(ctx, string(ns), func(tx *sql.Tx) error {
		exists, err := subjectExists(ctx, tx, ns, id)
		if err != nil {
			return err
		}
		if !exists {
			return errors.NotFound(string(ns), fmt.Sprintf("%s (%s) not found", ns, id))
		}
		return upsertStatements(ctx, tx, ns, id, attrs)
	})
}

// Delete removes a subject and all of its statements
func (db *DB) Delete(ctx context.Context, ns Namespace, id string) error {
	return db.withTx(ctx, string(ns), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM subjects WHERE namespace = $1 AND subject = $2`, ns, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.NotFound(string(ns), fmt.Sprintf("%s (%s) not found", ns, id))
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM statements WHERE namespace = $1 AND subject = $2`, ns, id)
		return err
	})
}

// List returns a page of subjects in insertion order
func (db *DB) List(ctx context.Context, ns Namespace, offset, limit int) ([]Record, error) {
	if offset < 0 {
		offset = 0
	}
	var pageSize int64 = math.MaxInt64
	if limit > 0 {
		pageSize = int64(limit)
	}

	query := `
		SELECT s.subject, st.predicate, st.object
		FROM (
			SELECT subject, seq FROM subjects
			WHERE namespace = $1
			ORDER BY seq
			LIMIT $2 OFFSET $3
		) s
		LEFT JOIN statements st ON st.namespace = $1 AND st.subject = s.subject
		ORDER BY s.seq
	`

	rows, err := db.QueryContext(ctx, query, ns, pageSize, offset)
	if err != nil {
		return nil, translateSQLErr(string(ns), "list", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var subject string
		var pred, obj sql.NullString
		if err := rows.Scan(&subject, &pred, &obj); err != nil {
			return nil, translateSQLErr(string(ns), "scan", err)
		}

		if len(records) == 0 || records[len(records)-1].ID != subject {
			records = append(records, Record{ID: subject, Attrs: Attributes{}})
		}
		if pred.Valid {
			records[len(records)-1].Attrs[pred.String] = obj.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translateSQLErr(string(ns), "list", err)
	}

	return records, nil
}

// Count returns the number of subjects in a namespace
func (db *DB) Count(ctx context.Context, ns Namespace) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subjects WHERE namespace = $1`, ns).Scan(&count)
	if err != nil {
		return 0, translateSQLErr(string(ns), "count", err)
	}
	return count, nil
}

// ListAppend adds item at the end of list
func (db *DB) ListAppend(ctx context.Context, list, item string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO list_items (list, position, item)
		VALUES ($1, (SELECT COALESCE(MAX(position), 0) + 1 FROM list_items WHERE list = $1), $2)
	`, list, item)
	if err != nil {
		return translateSQLErr("list", "append", err)
	}
	return nil
}

// ListItems returns the items of list in order
func (db *DB) ListItems(ctx context.Context, list string) ([]string, error) {
	return queryItems(ctx, db.DB, list)
}

// ListRemove deletes the first occurrence of item from list
func (db *DB) ListRemove(ctx context.Context, list, item string) (bool, error) {
	removed := false
	err := db.withTx(ctx, "list", func(tx *sql.Tx) error {
		var position int64
		err := tx.QueryRowContext(ctx, `
			SELECT position FROM list_items
			WHERE list = $1 AND item = $2
			ORDER BY position
			LIMIT 1
		`, list, item).Scan(&position)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM list_items WHERE list = $1 AND position = $2`, list, position); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// ListLen returns the number of items in list
func (db *DB) ListLen(ctx context.Context, list string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM list_items WHERE list = $1`, list).Scan(&count)
	if err != nil {
		return 0, translateSQLErr("list", "length", err)
	}
	return count, nil
}

// ListClear deletes every item of list and returns them in order
func (db *DB) ListClear(ctx context.Context, list string) ([]string, error) {
	var items []string
	err := db.withTx(ctx, "list", func(tx *sql.Tx) error {
		var err error
		items, err = queryItems(ctx, tx, list)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM list_items WHERE list = $1`, list)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func queryItems(ctx context.Context, q queryer, list string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT item FROM list_items WHERE list = $1 ORDER BY position`, list)
	if err != nil {
		return nil, translateSQLErr("list", "items", err)
	}
	defer rows.Close()

	items := []string{}
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, translateSQLErr("list", "scan", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, translateSQLErr("list", "items", err)
	}
	return items, nil
}

func subjectExists(ctx context.Context, q queryer, ns Namespace, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM subjects WHERE namespace = $1 AND subject = $2`, ns, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func upsertStatements(ctx context.Context, tx *sql.Tx, ns Namespace, id string, attrs Attributes) error {
	for pred, obj := range attrs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO statements (namespace, subject, predicate, object)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (namespace, subject, predicate) DO UPDATE SET object = excluded.object
		`, ns, id, pred, obj)
		if err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn in a transaction, committing on success
func (db *DB) withTx(ctx context.Context, entity string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return translateSQLErr(entity, "begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return translateSQLErr(entity, "transaction", err)
	}
	if err := tx.Commit(); err != nil {
		return translateSQLErr(entity, "commit", err)
	}
	return nil
}

// translateSQLErr maps driver errors onto the domain taxonomy. Domain
// errors pass through unchanged.
func translateSQLErr(entity, op string, err error) error {
	var de *errors.DomainError
	if stderrors.As(err, &de) {
		return err
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(entity, op+": no rows")
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) ||
		stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.StoreUnavailable(entity, op, err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.StoreUnavailable(entity, op, err)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return errors.AlreadyExists(entity, op+": "+pqErr.Message)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return errors.StoreUnavailable(entity, op, err)
		}
	}

	var liteErr sqlite3.Error
	if stderrors.As(err, &liteErr) {
		switch {
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return errors.AlreadyExists(entity, op+": "+liteErr.Error())
		case liteErr.Code == sqlite3.ErrBusy, liteErr.Code == sqlite3.ErrLocked,
			liteErr.Code == sqlite3.ErrCantOpen:
			return errors.StoreUnavailable(entity, op, err)
		}
	}

	return errors.Internal(entity, op, err)
}
