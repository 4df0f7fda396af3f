package outbox

import (
	"context"
	"time"

	"github.com/krew-solutions/courier-go/courier/session"
)

// Subscriber processes a dispatched message. ctx carries the transaction the
// message was fetched in (see session.FromContext); returning an error rolls
// it back and the message is dispatched again.
type Subscriber func(ctx context.Context, message *OutboxMessage) error

type Outbox interface {
	Publish(s session.DbSession, message *OutboxMessage) error
	Dispatch(ctx context.Context, subscriber Subscriber, consumerGroup string, uri string, workerID int, numWorkers int) (bool, error)
	Run(ctx context.Context, subscriber Subscriber, consumerGroup string, uri string, processID int, numProcesses int, concurrency int, pollInterval time.Duration) error
	GetPosition(s session.DbSession, consumerGroup string, uri string) (int64, int64, error)
	SetPosition(s session.DbSession, consumerGroup string, uri string, transactionID int64, offset int64) error
	Setup(ctx context.Context) error
}
