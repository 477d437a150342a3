package queue

import "context"

// Job defines a queue job handler.
type Job interface {
	// Name is used in logs.
	Name() string

	// Type returns the message type the job handles.
	Type() string

	Handle(ctx context.Context, payload interface{}) error
}

// Keyed payloads are deduplicated by key while they wait in the queue.
type Keyed interface {
	QueueKey() string
}

func keyOf(payload interface{}) string {
	if k, ok := payload.(Keyed); ok {
		return k.QueueKey()
	}
	return ""
}
