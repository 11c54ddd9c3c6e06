package jobqueue

import (
	"context"
	"encoding/json"
)

// Handler processes claimed jobs of one kind.
type Handler interface {
	Kind() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// JobHandlerFunc handles a decoded job payload.
type JobHandlerFunc[T any] func(ctx context.Context, payload T) error

// NewJobHandler wraps a typed function as a Handler. The handler's kind is
// the payload type name, matching what Enqueue derives for the same type.
func NewJobHandler[T any](handler JobHandlerFunc[T]) Handler {
	var payload T
	return &jobHandler[T]{
		kind:    payloadKind(payload),
		handler: handler,
	}
}

type jobHandler[T any] struct {
	kind    string
	handler JobHandlerFunc[T]
}

func (h *jobHandler[T]) Kind() string {
	return h.kind
}

func (h *jobHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return err
	}
	return h.handler(ctx, t)
}
