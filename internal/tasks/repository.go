package tasks

import "context"

// Repository persists tasks.
//
// Rules:
// - Create fails with ErrDuplicate if the account already has a task for FileURL.
// - Update refuses to change a stored terminal task.
type Repository interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	Update(ctx context.Context, t Task) error
	FindByFileURL(ctx context.Context, accountID, fileURL string) (Task, bool, error)
}
