package pg

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/session"
	"github.com/krew-solutions/courier-go/courier/signals"
)

// Session represents a database session without transaction
type Session struct {
	ctx          context.Context
	conn         *pgxpool.Conn
	onQueryEnded signals.Signal[session.QueryEndedEvent]
}

func NewSession(ctx context.Context, conn *pgxpool.Conn, onQueryEnded signals.Signal[session.QueryEndedEvent]) *Session {
	return &Session{
		ctx:          ctx,
		conn:         conn,
		onQueryEnded: onQueryEnded,
	}
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.conn, onQueryEnded: s.onQueryEnded}
}

func (s *Session) Atomic(callback session.SessionCallback) error {
	tx, err := s.conn.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start transaction")
	}
	return runInTx(s.ctx, tx, NewAtomicSession(s.ctx, tx, s.onQueryEnded), callback, "transaction")
}

// AtomicSession represents a session inside transaction. Nested Atomic calls
// use savepoints.
type AtomicSession struct {
	ctx          context.Context
	tx           pgx.Tx
	onQueryEnded signals.Signal[session.QueryEndedEvent]
}

func NewAtomicSession(ctx context.Context, tx pgx.Tx, onQueryEnded signals.Signal[session.QueryEndedEvent]) *AtomicSession {
	return &AtomicSession{
		ctx:          ctx,
		tx:           tx,
		onQueryEnded: onQueryEnded,
	}
}

func (s *AtomicSession) Context() context.Context {
	return s.ctx
}

func (s *AtomicSession) Connection() session.DbConnection {
	return &connection{ctx: s.ctx, exec: s.tx, onQueryEnded: s.onQueryEnded}
}

func (s *AtomicSession) Atomic(callback session.SessionCallback) error {
	nestedTx, err := s.tx.Begin(s.ctx)
	if err != nil {
		return errors.Wrap(err, "unable to start savepoint")
	}
	return runInTx(s.ctx, nestedTx, NewAtomicSession(s.ctx, nestedTx, s.onQueryEnded), callback, "savepoint")
}

func runInTx(ctx context.Context, tx pgx.Tx, s session.Session, callback session.SessionCallback, kind string) error {
	err := callback(s)
	if err != nil {
		if txErr := tx.Rollback(ctx); txErr != nil {
			return multierror.Append(err, txErr)
		}
		return err
	}

	if txErr := tx.Commit(ctx); txErr != nil {
		return errors.Wrapf(txErr, "failed to commit %s", kind)
	}

	return nil
}

// executor interface for both *pgxpool.Conn and pgx.Tx
type executor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

// connection implements session.DbConnection
type connection struct {
	ctx          context.Context
	exec         executor
	onQueryEnded signals.Signal[session.QueryEndedEvent]
}

func (c *connection) Exec(query string, args ...any) (session.Result, error) {
	started := time.Now()
	tag, err := c.exec.Exec(c.ctx, query, args...)
	c.notify(query, args, started, err)
	if err != nil {
		return nil, err
	}

	return commandResult{tag: tag}, nil
}

func (c *connection) Query(query string, args ...any) (session.Rows, error) {
	started := time.Now()
	pgRows, err := c.exec.Query(c.ctx, query, args...)
	c.notify(query, args, started, err)
	if err != nil {
		return nil, err
	}
	return rows{Rows: pgRows}, nil
}

func (c *connection) QueryRow(query string, args ...any) session.Row {
	return &row{
		conn:    c,
		query:   query,
		args:    args,
		started: time.Now(),
		row:     c.exec.QueryRow(c.ctx, query, args...),
	}
}

func (c *connection) notify(query string, args []any, started time.Time, err error) {
	if c.onQueryEnded == nil {
		return
	}
	c.onQueryEnded.Notify(session.QueryEndedEvent{
		Query:        query,
		Params:       args,
		ResponseTime: time.Since(started),
		Err:          err,
	})
}
