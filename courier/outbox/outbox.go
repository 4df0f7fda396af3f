package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/session"
)

const (
	metadataMessageID    = "message_id"
	metadataMessageType  = "message_type"
	metadataPartitionKey = "partition_key"
)

// PgOutbox is a PostgreSQL table read as a log. Rows are ordered by
// (transaction_id, position) and become visible to consumers only when no
// older transaction is still running, so a reader never skips a row that
// commits late. Every (consumer group, uri) pair keeps its own offset.
type PgOutbox struct {
	sessionPool  session.SessionPool
	outboxTable  string
	offsetsTable string
	batchSize    int
	logger       *slog.Logger
}

func NewOutbox(
	sessionPool session.SessionPool,
	outboxTable string,
	offsetsTable string,
	batchSize int,
) *PgOutbox {
	if outboxTable == "" {
		outboxTable = "outbox"
	}
	if offsetsTable == "" {
		offsetsTable = "outbox_offsets"
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PgOutbox{
		sessionPool:  sessionPool,
		outboxTable:  outboxTable,
		offsetsTable: offsetsTable,
		batchSize:    batchSize,
		logger:       slog.Default(),
	}
}

// SetLogger replaces the logger used to report failed dispatches.
func (o *PgOutbox) SetLogger(logger *slog.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// Publish appends message within the transaction of s.
func (o *PgOutbox) Publish(s session.DbSession, message *OutboxMessage) error {
	metadata, err := json.Marshal(message.Metadata)
	if err != nil {
		return errors.Wrap(err, "unable to encode outbox metadata")
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (uri, payload, metadata, transaction_id)
		VALUES ($1, $2, $3, pg_current_xact_id())
	`, o.outboxTable)
	_, err = s.Connection().Exec(q, message.URI, []byte(message.Payload), metadata)
	return errors.Wrapf(err, "unable to publish to %s", message.URI)
}

func consumerGroupOf(consumerGroup string, workerID, numWorkers int) string {
	if numWorkers > 1 {
		return consumerGroup + ":" + strconv.Itoa(workerID)
	}
	return consumerGroup
}

// Dispatch hands the next batch for uri to subscriber and moves the offset
// past it, all in one transaction. Subscribers see that transaction through
// session.FromContext. With several workers each worker owns the partition
// keys hashing to workerID and keeps an offset of its own.
func (o *PgOutbox) Dispatch(ctx context.Context, subscriber Subscriber, consumerGroup string, uri string, workerID int, numWorkers int) (bool, error) {
	group := consumerGroupOf(consumerGroup, workerID, numWorkers)

	var dispatched bool
	err := o.sessionPool.Session(ctx, func(s session.Session) error {
		return s.Atomic(func(txSession session.Session) error {
			tx := txSession.(session.DbSession)
			if err := o.ensureConsumerGroup(tx, group, uri); err != nil {
				return err
			}
			batch, err := o.fetchMessages(tx, group, uri, workerID, numWorkers)
			if err != nil || len(batch) == 0 {
				return err
			}

			txCtx := session.WithSession(ctx, tx)
			for _, msg := range batch {
				if err := subscriber(txCtx, msg); err != nil {
					return errors.Wrapf(err, "message %d:%d on %s", msg.TransactionID, msg.Position, msg.URI)
				}
			}

			last := batch[len(batch)-1]
			if err := o.ackMessage(tx, group, uri, last.TransactionID, last.Position); err != nil {
				return err
			}
			dispatched = true
			return nil
		})
	})
	return dispatched && err == nil, err
}

// Run keeps concurrency workers dispatching uri until ctx is done. Worker ids
// are global across processes: processID*concurrency + local id.
func (o *PgOutbox) Run(ctx context.Context, subscriber Subscriber, consumerGroup string, uri string, processID int, numProcesses int, concurrency int, pollInterval time.Duration) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if numProcesses < 1 {
		numProcesses = 1
	}

	errCh := make(chan error, concurrency)
	for local := 0; local < concurrency; local++ {
		w := &worker{
			outbox:        o,
			subscriber:    subscriber,
			consumerGroup: consumerGroup,
			uri:           uri,
			id:            processID*concurrency + local,
			total:         numProcesses * concurrency,
			pollInterval:  pollInterval,
		}
		go func() {
			errCh <- w.loop(ctx)
		}()
	}

	err := <-errCh
	for i := 1; i < concurrency; i++ {
		<-errCh
	}
	return err
}

type worker struct {
	outbox        *PgOutbox
	subscriber    Subscriber
	consumerGroup string
	uri           string
	id            int
	total         int
	pollInterval  time.Duration
}

// loop drains the partition and sleeps when it is empty or a dispatch failed.
// A failed batch is retried from the same offset.
func (w *worker) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		dispatched, err := w.outbox.Dispatch(ctx, w.subscriber, w.consumerGroup, w.uri, w.id, w.total)
		if err != nil && ctx.Err() == nil {
			w.outbox.logger.Error("outbox dispatch failed",
				slog.String("uri", w.uri),
				slog.Int("worker", w.id),
				slog.Any("error", err),
			)
		}
		if dispatched {
			continue
		}
		timer := time.NewTimer(w.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	return ctx.Err()
}

func (o *PgOutbox) GetPosition(s session.DbSession, consumerGroup string, uri string) (int64, int64, error) {
	q := fmt.Sprintf(`
		SELECT last_processed_transaction_id::text::bigint, offset_acked
		FROM %s
		WHERE consumer_group = $1 AND uri = $2
	`, o.offsetsTable)

	var transactionID, offset int64
	err := s.Connection().QueryRow(q, consumerGroup, uri).Scan(&transactionID, &offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return transactionID, offset, nil
}

func (o *PgOutbox) SetPosition(s session.DbSession, consumerGroup string, uri string, transactionID int64, offset int64) error {
	return o.ackMessage(s, consumerGroup, uri, transactionID, offset)
}

func (o *PgOutbox) ensureConsumerGroup(s session.DbSession, consumerGroup string, uri string) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (consumer_group, uri)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, o.offsetsTable)
	_, err := s.Connection().Exec(q, consumerGroup, uri)
	return err
}

// fetchMessages locks the offset row of the group, so two workers sharing a
// group never read the same batch.
func (o *PgOutbox) fetchMessages(s session.DbSession, consumerGroup string, uri string, workerID int, numWorkers int) ([]*OutboxMessage, error) {
	args := []any{consumerGroup, uri}
	partition := ""
	if numWorkers > 1 {
		partition = "AND abs(hashtext(m.metadata->>'partition_key')::bigint) % $3 = $4"
		args = append(args, numWorkers, workerID)
	}

	q := fmt.Sprintf(`
		SELECT m."position", m.transaction_id::text::bigint, m.uri, m.payload, m.metadata, m.created_at
		FROM %s AS m, (
			SELECT last_processed_transaction_id, offset_acked
			FROM %s
			WHERE consumer_group = $1 AND uri = $2
			FOR UPDATE
		) AS c
		WHERE m.uri = $2
		  AND (m.transaction_id, m."position") > (c.last_processed_transaction_id, c.offset_acked)
		  AND m.transaction_id < pg_snapshot_xmin(pg_current_snapshot())
		  %s
		ORDER BY m.transaction_id, m."position"
		LIMIT %d
	`, o.outboxTable, o.offsetsTable, partition, o.batchSize)

	rows, err := s.Connection().Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []*OutboxMessage
	for rows.Next() {
		var (
			msg      OutboxMessage
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(&msg.Position, &msg.TransactionID, &msg.URI, &payload, &metadata, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, errors.Wrapf(err, "outbox message %d:%d has invalid metadata", msg.TransactionID, msg.Position)
		}
		batch = append(batch, &msg)
	}
	return batch, rows.Err()
}

func (o *PgOutbox) ackMessage(s session.DbSession, consumerGroup string, uri string, transactionID int64, position int64) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (consumer_group, uri, offset_acked, last_processed_transaction_id, updated_at)
		VALUES ($1, $2, $3, $4::text::xid8, CURRENT_TIMESTAMP)
		ON CONFLICT (consumer_group, uri) DO UPDATE SET
			offset_acked = EXCLUDED.offset_acked,
			last_processed_transaction_id = EXCLUDED.last_processed_transaction_id,
			updated_at = EXCLUDED.updated_at
	`, o.offsetsTable)
	_, err := s.Connection().Exec(q, consumerGroup, uri, position, strconv.FormatInt(transactionID, 10))
	return err
}
