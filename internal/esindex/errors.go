package esindex

import "errors"

var (
	// ErrSchemaConflict marks a bulk write rejected for structural-mapping
	// reasons (field-count limit, mapping type clash). Surfaced distinctly
	// from transport faults so operators can see it was not transient.
	ErrSchemaConflict = errors.New("schema conflict: mapping rejected documents")

	// ErrCapacityExceeded marks a refusal to create an index because the
	// cluster-wide shard ceiling would be breached. Operator action is
	// needed, typically raising the configured ceiling.
	ErrCapacityExceeded = errors.New("capacity exceeded: shard limit nearly reached")

	// ErrTransientIO marks a transport failure that persisted through the
	// bounded retries.
	ErrTransientIO = errors.New("transient backend error")

	// ErrZeroAcknowledged marks a bulk write where the backend returned
	// success but acknowledged none of a non-empty batch. Recording such a
	// write as successful would silently lose every record in it.
	ErrZeroAcknowledged = errors.New("bulk write acknowledged zero documents for a non-empty batch")
)
