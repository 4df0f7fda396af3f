package mediator

// EventHandler handles an event of type E.
type EventHandler[S, E any] = func(session S, event E) error

// BroadcastPipelineHandler wraps the delivery of every published event.
type BroadcastPipelineHandler[S any] = func(session S, event any, next func(S, any) error) error
