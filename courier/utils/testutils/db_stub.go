package testutils

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/krew-solutions/courier-go/courier/session"
)

// Query is a statement captured by DbSessionStub.
type Query struct {
	SQL    string
	Params []any
}

func NewDbSessionStub(rows *RowsStub) *DbSessionStub {
	stub := &DbSessionStub{Rows: rows}
	stub.conn = &connectionStub{session: stub}
	return stub
}

// DbSessionStub records statements instead of running them. Query and QueryRow
// read from Rows; Exec fails with ExecErr when it is set.
type DbSessionStub struct {
	Rows         *RowsStub
	ActualQuery  string
	ActualParams []any
	ExecErr      error
	AtomicCalls  int

	mu      sync.Mutex
	queries []Query
	conn    *connectionStub
}

func (s *DbSessionStub) Context() context.Context {
	return context.Background()
}

func (s *DbSessionStub) Atomic(callback session.SessionCallback) error {
	s.mu.Lock()
	s.AtomicCalls++
	s.mu.Unlock()
	return callback(s)
}

func (s *DbSessionStub) Connection() session.DbConnection {
	return s.conn
}

// Queries returns every statement in the order it was issued.
func (s *DbSessionStub) Queries() []Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Query(nil), s.queries...)
}

func (s *DbSessionStub) record(query string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ActualQuery = query
	s.ActualParams = args
	s.queries = append(s.queries, Query{SQL: query, Params: args})
}

// SessionPoolStub hands out the same session stub for every call.
type SessionPoolStub struct {
	DbSession *DbSessionStub
	Err       error
}

func (p *SessionPoolStub) Session(_ context.Context, callback session.SessionPoolCallback) error {
	if p.Err != nil {
		return p.Err
	}
	return callback(p.DbSession)
}

type connectionStub struct {
	session *DbSessionStub
}

func (c *connectionStub) Exec(query string, args ...any) (session.Result, error) {
	c.session.record(query, args)
	if c.session.ExecErr != nil {
		return nil, c.session.ExecErr
	}
	return ResultStub(1), nil
}

func (c *connectionStub) Query(query string, args ...any) (session.Rows, error) {
	c.session.record(query, args)
	if c.session.Rows == nil {
		return NewRowsStub(), nil
	}
	return c.session.Rows, nil
}

func (c *connectionStub) QueryRow(query string, args ...any) session.Row {
	c.session.record(query, args)
	rows := c.session.Rows
	if rows == nil {
		rows = NewRowsStub()
	}
	return &RowStub{rows: rows}
}

// ResultStub reports itself as the number of affected rows.
type ResultStub int64

func (r ResultStub) RowsAffected() (int64, error) {
	return int64(r), nil
}

func NewRowsStub(rows ...[]any) *RowsStub {
	return &RowsStub{
		rows:   rows,
		idx:    -1,
		Closed: false,
	}
}

type RowsStub struct {
	rows   [][]any
	idx    int
	Closed bool
}

func (r *RowsStub) Close() error {
	r.Closed = true
	return nil
}

func (r *RowsStub) Err() error {
	return nil
}

func (r *RowsStub) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *RowsStub) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.rows) {
		return errors.New("no current row")
	}

	row := r.rows[r.idx]
	for i, val := range row {
		if i >= len(dest) {
			break
		}

		switch d := dest[i].(type) {
		case *int:
			*d = toInt(val)
		case *int64:
			*d = toInt64(val)
		case *string:
			*d = val.(string)
		case *bool:
			*d = val.(bool)
		case *[]byte:
			*d = val.([]byte)
		case *time.Time:
			*d = val.(time.Time)
		case *any:
			*d = val
		case sql.Scanner:
			if err := d.Scan(val); err != nil {
				return err
			}
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

func toInt(val any) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	default:
		panic("cannot convert to int")
	}
}

func toInt64(val any) int64 {
	switch v := val.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	default:
		panic("cannot convert to int64")
	}
}

// RowStub reads the next row of its RowsStub and reports pgx.ErrNoRows when
// there is none, like a pgx row.
type RowStub struct {
	rows *RowsStub
	err  error
}

func (r *RowStub) Err() error {
	return r.err
}

func (r *RowStub) Scan(dest ...any) error {
	if !r.rows.Next() {
		r.err = pgx.ErrNoRows
		return r.err
	}
	r.err = r.rows.Scan(dest...)
	return r.err
}
