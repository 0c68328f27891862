package repository

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/eventcheckin/services/auth/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository interface {
	Create(ctx context.Context, email, name, role, passwordHash string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userCols = `id, role, email, password_hash, name, created_at`

const uniqueViolation = "23505"

func (r *userRepository) Create(ctx context.Context, email, name, role, passwordHash string) (*domain.User, error) {
	const q = `
		INSERT INTO users (id, role, email, password_hash, name)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userCols

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var u domain.User
	err := r.pool.QueryRow(ctx, q, uuid.NewString(), role, email, passwordHash, name).Scan(
		&u.ID, &u.Role, &u.Email, &u.PasswordHash, &u.Name, &u.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, domain.ErrEmailTaken
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindByEmail returns domain.ErrUserNotFound when no account uses email.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE email = $1`
	return r.findOne(ctx, q, email)
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id = $1`
	return r.findOne(ctx, q, id)
}

func (r *userRepository) findOne(ctx context.Context, q string, arg string) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var u domain.User
	err := r.pool.QueryRow(ctx, q, arg).Scan(
		&u.ID, &u.Role, &u.Email, &u.PasswordHash, &u.Name, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
