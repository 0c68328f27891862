package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/diagnosis/eventcheckin/pkg/auth"
	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/diagnosis/eventcheckin/services/auth/internal/domain"
	"github.com/diagnosis/eventcheckin/services/auth/internal/repository"
)

type AuthService interface {
	Register(ctx context.Context, req *domain.RegisterRequest) (*domain.User, error)
	Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

type authService struct {
	userRepo  repository.UserRepository
	jwtSecret string
	tokenTTL  time.Duration
	params    *argon2id.Params
}

func NewAuthService(userRepo repository.UserRepository, jwtSecret string, tokenTTL time.Duration) AuthService {
	return &authService{
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		params:    argon2id.DefaultParams,
	}
}

func (s *authService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.User, error) {
	req.Normalize()
	if req.Role == "" {
		req.Role = auth.RoleAttendee
	}

	passwordHash, err := argon2id.CreateHash(req.Password, s.params)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.userRepo.Create(ctx, req.Email, req.Name, req.Role, passwordHash)
	if err != nil {
		if errors.Is(err, domain.ErrEmailTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	logger.InfoContext(ctx, "User registered", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// Login checks the password and issues an access token carrying the
// user's id, name and role.
func (s *authService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	req.Normalize()

	user, err := s.userRepo.FindByEmail(ctx, req.Email)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	valid, err := argon2id.ComparePasswordAndHash(req.Password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !valid {
		return nil, domain.ErrInvalidCredentials
	}

	accessToken, err := auth.NewAccessToken(user.ID, user.Name, user.Role, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}

	return &domain.LoginResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.tokenTTL.Seconds()),
		User:        user.ToUserInfo(),
	}, nil
}

func (s *authService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.userRepo.FindByID(ctx, id)
}
