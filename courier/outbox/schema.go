package outbox

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/session"
)

// Setup creates the outbox and offsets tables if they do not exist. The
// unique index on message_id rejects a second publication of an envelope.
func (o *PgOutbox) Setup(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"position" BIGSERIAL,
				"uri" VARCHAR(255) NOT NULL,
				"payload" JSONB NOT NULL,
				"metadata" JSONB NOT NULL,
				"created_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				"transaction_id" xid8 NOT NULL,
				PRIMARY KEY ("transaction_id", "position")
			)`, o.outboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_uri_idx ON %[1]s ("uri", "transaction_id", "position")`, o.outboxTable),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_message_id_uniq ON %[1]s ((metadata->>'message_id'))`, o.outboxTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				"consumer_group" VARCHAR(255) NOT NULL,
				"uri" VARCHAR(255) NOT NULL,
				"offset_acked" BIGINT NOT NULL DEFAULT 0,
				"last_processed_transaction_id" xid8 NOT NULL DEFAULT '0',
				"updated_at" TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY ("consumer_group", "uri")
			)`, o.offsetsTable),
	}

	return o.sessionPool.Session(ctx, func(s session.Session) error {
		return s.Atomic(func(txSession session.Session) error {
			conn := txSession.(session.DbSession).Connection()
			for _, q := range statements {
				if _, err := conn.Exec(q); err != nil {
					return errors.Wrap(err, "unable to create outbox schema")
				}
			}
			return nil
		})
	})
}
