package session

import "time"

// QueryEndedEvent is emitted by a session pool after every statement.
type QueryEndedEvent struct {
	Query        string
	Params       []any
	ResponseTime time.Duration
	Err          error
}
