package workflow

import "context"

// Store is the persistence interface for workflow instances.
type Store interface {
	Get(ctx context.Context, id string) (*Instance, bool, error)
	GetByAlert(ctx context.Context, alertID string) (*Instance, bool, error)
	// List returns up to limit instances, most recently created first.
	List(ctx context.Context, limit int) ([]*Instance, error)
	Put(ctx context.Context, inst *Instance) error
}
