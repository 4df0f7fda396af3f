package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/krew-solutions/courier-go/courier/session"
	"github.com/krew-solutions/courier-go/courier/signals"
)

type SessionPool struct {
	pool         *pgxpool.Pool
	onQueryEnded *signals.SignalImp[session.QueryEndedEvent]
}

func NewSessionPool(pool *pgxpool.Pool) *SessionPool {
	return &SessionPool{
		pool:         pool,
		onQueryEnded: signals.NewSignal[session.QueryEndedEvent](),
	}
}

// OnQueryEnded is notified after every statement run by sessions of this pool.
func (p *SessionPool) OnQueryEnded() signals.Signal[session.QueryEndedEvent] {
	return p.onQueryEnded
}

func (p *SessionPool) Session(ctx context.Context, callback session.SessionPoolCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return callback(NewSession(ctx, conn, p.onQueryEnded))
}
