package outbox

import (
	"encoding/json"
	"time"
)

// OutboxMessage is a row of the outbox table. URI is the destination address;
// Payload holds the encoded transport envelope.
type OutboxMessage struct {
	URI           string
	Payload       json.RawMessage
	Metadata      map[string]any
	CreatedAt     time.Time
	Position      int64
	TransactionID int64
}

// PartitionKey returns the metadata value used to spread messages over workers.
func (m *OutboxMessage) PartitionKey() string {
	key, _ := m.Metadata[metadataPartitionKey].(string)
	return key
}
