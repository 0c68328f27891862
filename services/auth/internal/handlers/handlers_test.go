package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/eventcheckin/pkg/auth"
	"github.com/diagnosis/eventcheckin/services/auth/internal/domain"
)

const secret = "test-jwt-secret"

type stubAuth struct {
	registered []*domain.RegisterRequest
}

func (s *stubAuth) Register(_ context.Context, req *domain.RegisterRequest) (*domain.User, error) {
	if req.Email == "taken@example.com" {
		return nil, domain.ErrEmailTaken
	}
	s.registered = append(s.registered, req)
	return &domain.User{ID: "u-1", Email: req.Email, Name: req.Name, Role: auth.RoleAttendee}, nil
}

func (s *stubAuth) Login(_ context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	if req.Password != "correct-horse" {
		return nil, domain.ErrInvalidCredentials
	}
	tok, err := auth.NewAccessToken("u-1", "Alice", auth.RoleAttendee, secret, time.Hour)
	if err != nil {
		return nil, err
	}
	return &domain.LoginResponse{AccessToken: tok, ExpiresIn: 3600, User: &domain.UserInfo{ID: "u-1"}}, nil
}

func (s *stubAuth) GetUser(_ context.Context, id string) (*domain.User, error) {
	if id != "u-1" {
		return nil, domain.ErrUserNotFound
	}
	return &domain.User{ID: "u-1", Email: "alice@example.com", Name: "Alice", Role: auth.RoleAttendee}, nil
}

func newRouter(svc *stubAuth) http.Handler {
	r := chi.NewRouter()
	New(svc, secret).Routes(r, nil)
	return r
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestRegister(t *testing.T) {
	svc := &stubAuth{}
	h := newRouter(svc)

	rec := post(t, h, "/v1/auth/register", map[string]string{"email": "alice@example.com", "password": "correct-horse", "name": "Alice"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, svc.registered, 1)

	rec = post(t, h, "/v1/auth/register", map[string]string{"email": "taken@example.com", "password": "correct-horse", "name": "Alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(t, h, "/v1/auth/register", map[string]string{"email": "not-an-email", "password": "short", "name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "/v1/auth/register", map[string]string{"email": "bob@example.com", "password": "correct-horse", "name": "Bob", "role": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginAndMe(t *testing.T) {
	h := newRouter(&stubAuth{})

	rec := post(t, h, "/v1/auth/login", map[string]string{"email": "alice@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h, "/v1/auth/login", map[string]string{"email": "alice@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	me := httptest.NewRecorder()
	h.ServeHTTP(me, req)
	require.Equal(t, http.StatusOK, me.Code)
	assert.Contains(t, me.Body.String(), `"email":"alice@example.com"`)

	me = httptest.NewRecorder()
	h.ServeHTTP(me, httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, me.Code)
}
