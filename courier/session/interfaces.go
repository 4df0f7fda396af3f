package session

import (
	"context"
)

type SessionCallback func(Session) error

// Session is a unit of work bound to one connection. Atomic runs callback in
// a transaction, or in a savepoint when the session is already transactional;
// the transaction commits when callback returns nil.
type Session interface {
	Context() context.Context
	Atomic(SessionCallback) error
}

type SessionPoolCallback func(Session) error

// SessionPool lends a session for the duration of the callback.
type SessionPool interface {
	Session(context.Context, SessionPoolCallback) error
}

type Result interface {
	RowsAffected() (int64, error)
}

type Rows interface {
	Close() error
	Err() error
	Next() bool
	Scan(dest ...any) error
}

// Row is a single-row result. Scan reports pgx.ErrNoRows when the query
// returned nothing.
type Row interface {
	Err() error
	Scan(dest ...any) error
}

type DbConnection interface {
	Exec(query string, args ...any) (Result, error)
	Query(query string, args ...any) (Rows, error)
	QueryRow(query string, args ...any) Row
}

type DbSession interface {
	Session
	Connection() DbConnection
}
