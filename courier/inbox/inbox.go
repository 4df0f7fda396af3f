package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/session"
)

var _ Inbox = (*PgInbox)(nil)

// PgInbox keeps delivery keys in a PostgreSQL table.
type PgInbox struct {
	sessionPool session.SessionPool
	table       string
	sequence    string
	now         func() time.Time
}

func NewInbox(sessionPool session.SessionPool, table string, sequence string) *PgInbox {
	if table == "" {
		table = "inbox"
	}
	if sequence == "" {
		sequence = table + "_received_position_seq"
	}
	return &PgInbox{
		sessionPool: sessionPool,
		table:       table,
		sequence:    sequence,
		now:         time.Now,
	}
}

func (i *PgInbox) Seen(ctx context.Context, key string) (bool, error) {
	sql := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE delivery_key = $1)`, i.table)

	var seen bool
	err := session.Run(ctx, i.sessionPool, func(s session.DbSession) error {
		return s.Connection().QueryRow(sql, key).Scan(&seen)
	})
	if err != nil {
		return false, errors.Wrapf(err, "unable to look up delivery %s", key)
	}
	return seen, nil
}

// Remember is idempotent. Deliveries of one routing slip are handled by a
// single worker, so a concurrent insert of the same key does not occur.
func (i *PgInbox) Remember(ctx context.Context, key string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (delivery_key, received_at)
		VALUES ($1, $2)
		ON CONFLICT (delivery_key) DO NOTHING
	`, i.table)

	err := session.Run(ctx, i.sessionPool, func(s session.DbSession) error {
		_, err := s.Connection().Exec(sql, key, i.now().UTC())
		return err
	})
	return errors.Wrapf(err, "unable to remember delivery %s", key)
}

func (i *PgInbox) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE received_at < $1`, i.table)

	var purged int64
	err := session.Run(ctx, i.sessionPool, func(s session.DbSession) error {
		result, err := s.Connection().Exec(sql, i.now().Add(-olderThan).UTC())
		if err != nil {
			return err
		}
		purged, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "unable to purge inbox")
	}
	return purged, nil
}

func (i *PgInbox) Setup(ctx context.Context) error {
	return i.sessionPool.Session(ctx, func(s session.Session) error {
		return s.Atomic(func(txSession session.Session) error {
			dbSession := txSession.(session.DbSession)
			if err := i.createSequence(dbSession); err != nil {
				return err
			}
			return i.createTable(dbSession)
		})
	})
}

func (i *PgInbox) createSequence(s session.DbSession) error {
	sql := fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", i.sequence)
	_, err := s.Connection().Exec(sql)
	return err
}

func (i *PgInbox) createTable(s session.DbSession) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			delivery_key varchar(512) NOT NULL,
			received_position bigint NOT NULL UNIQUE DEFAULT nextval('%s'),
			received_at timestamptz NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT %s_pk PRIMARY KEY (delivery_key)
		)
	`, i.table, i.sequence, i.table)

	if _, err := s.Connection().Exec(sql); err != nil {
		return err
	}

	sql = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_received_at_idx ON %s (received_at)`, i.table, i.table)
	_, err := s.Connection().Exec(sql)
	return err
}
