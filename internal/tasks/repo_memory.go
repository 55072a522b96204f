package tasks

import (
	"context"
	"fmt"
	"sync"
)

type MemoryRepo struct {
	mu     sync.Mutex
	tasks  map[string]Task
	byFile map[string]string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{tasks: map[string]Task{}, byFile: map[string]string{}}
}

func fileKey(accountID, fileURL string) string { return accountID + "\x00" + fileURL }

func (r *MemoryRepo) Create(ctx context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("tasks: id %s exists", t.ID)
	}
	k := fileKey(t.AccountID, t.FileURL)
	if _, ok := r.byFile[k]; ok {
		return ErrDuplicate
	}
	r.tasks[t.ID] = t
	r.byFile[k] = t.ID
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepo) Update(ctx context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, cur.Status)
	}
	r.tasks[t.ID] = t
	return nil
}

func (r *MemoryRepo) FindByFileURL(ctx context.Context, accountID, fileURL string) (Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byFile[fileKey(accountID, fileURL)]
	if !ok {
		return Task{}, false, nil
	}
	return r.tasks[id], true, nil
}
