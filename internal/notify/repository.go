package notify

import (
	"context"
	"sync"

	"quran-academy/pkg/utils"
)

type Repository interface {
	Insert(ctx context.Context, n Notification) error
}

type PostgresRepo struct {
	db utils.DBTX
}

func NewPostgresRepo(db utils.DBTX) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, n Notification) error {
	const q = `
INSERT INTO notifications (id, user_id, type, title, message, data, is_read, created_at)
VALUES ($1,$2,$3,$4,$5,COALESCE(NULLIF($6,'')::jsonb, '{}'::jsonb),$7,$8)
`
	_, err := r.db.ExecContext(ctx, q, n.ID, n.UserID, n.Type, n.Title, n.Message, n.Data, n.IsRead, n.CreatedAt)
	return err
}

// MemoryRepo is an in-memory repository for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	items []Notification

	// FailInsert, when set, is returned by Insert.
	FailInsert error
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailInsert != nil {
		return r.FailInsert
	}
	r.items = append(r.items, n)
	return nil
}

func (r *MemoryRepo) ForUser(userID string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
