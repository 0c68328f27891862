package repository

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EventRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Event, error)
}

type eventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) EventRepository {
	return &eventRepository{pool: pool}
}

const eventCols = `id, title, host_id, location, status, starts_at, ends_at`

// GetByID returns domain.ErrEventNotFound when no event has the id.
func (r *eventRepository) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	const q = `SELECT ` + eventCols + ` FROM events WHERE id=$1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var e domain.Event
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&e.ID, &e.Title, &e.HostID, &e.Location, &e.Status, &e.StartsAt, &e.EndsAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
