package repository

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/eventcheckin/services/checkin/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CheckInRepository interface {
	Insert(ctx context.Context, eventID string, who domain.Attendee, at time.Time) (*domain.CheckInRecord, error)
	ListByEvent(ctx context.Context, eventID string) ([]domain.CheckInRecord, error)
	Roster(ctx context.Context, eventID string) ([]string, *time.Time, error)
}

type checkInRepository struct {
	pool *pgxpool.Pool
}

func NewCheckInRepository(pool *pgxpool.Pool) CheckInRepository {
	return &checkInRepository{pool: pool}
}

const checkInCols = `id, event_id, user_id, user_name, device_info, checked_in_at`

// Insert stores one record per (event, user). A second insert for the same
// pair writes nothing and returns domain.ErrAlreadyCheckedIn.
func (r *checkInRepository) Insert(ctx context.Context, eventID string, who domain.Attendee, at time.Time) (*domain.CheckInRecord, error) {
	const q = `INSERT INTO checkins (` + checkInCols + `)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (event_id, user_id) DO NOTHING
	RETURNING ` + checkInCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var c domain.CheckInRecord
	err := r.pool.QueryRow(ctx, q,
		uuid.NewString(), eventID, who.UserID, who.UserName, who.DeviceInfo, at.UTC(),
	).Scan(&c.ID, &c.EventID, &c.UserID, &c.UserName, &c.DeviceInfo, &c.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAlreadyCheckedIn
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *checkInRepository) ListByEvent(ctx context.Context, eventID string) ([]domain.CheckInRecord, error) {
	const q = `SELECT ` + checkInCols + ` FROM checkins WHERE event_id=$1 ORDER BY checked_in_at ASC, id ASC`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CheckInRecord, 0)
	for rows.Next() {
		var c domain.CheckInRecord
		if err := rows.Scan(&c.ID, &c.EventID, &c.UserID, &c.UserName, &c.DeviceInfo, &c.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Roster returns the ids of every checked-in user and the time of the latest check-in.
func (r *checkInRepository) Roster(ctx context.Context, eventID string) ([]string, *time.Time, error) {
	const q = `SELECT user_id, checked_in_at FROM checkins WHERE event_id=$1`
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	users := make([]string, 0)
	var last *time.Time
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, nil, err
		}
		users = append(users, id)
		if last == nil || at.After(*last) {
			last = &at
		}
	}
	return users, last, rows.Err()
}
