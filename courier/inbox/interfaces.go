package inbox

import (
	"context"
	"time"

	"github.com/krew-solutions/courier-go/courier/saga"
)

// Inbox records the deliveries an activity host has processed.
//
// Seen and Remember run in the transaction carried by the context (see
// session.WithSession) when there is one. Inside an outbox batch this makes
// the record part of the same commit as the messages the delivery produced:
// a rolled back batch forgets the delivery and it is processed again.
type Inbox interface {
	saga.DeliveryGuard

	// Setup creates the table if needed.
	Setup(ctx context.Context) error

	// Purge removes records received more than olderThan ago and returns
	// how many were removed.
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}
