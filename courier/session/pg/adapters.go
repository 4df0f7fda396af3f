package pg

import (
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type commandResult struct {
	tag pgconn.CommandTag
}

func (r commandResult) RowsAffected() (int64, error) {
	return r.tag.RowsAffected(), nil
}

type rows struct {
	pgx.Rows
}

func (r rows) Close() error {
	r.Rows.Close()
	return nil
}

// row defers the query end notification to Scan: pgx runs the statement of
// QueryRow lazily.
type row struct {
	conn    *connection
	query   string
	args    []any
	started time.Time
	row     pgx.Row
	err     error
}

func (r *row) Err() error {
	return r.err
}

func (r *row) Scan(dest ...any) error {
	r.err = r.row.Scan(dest...)
	r.conn.notify(r.query, r.args, r.started, r.err)
	return r.err
}
