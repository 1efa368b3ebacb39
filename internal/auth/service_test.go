package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/config"
	"github.com/pulsechat/pulsechat-server/internal/disposable"
	"github.com/pulsechat/pulsechat-server/internal/user"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// fakeRepository implements user.Repository for unit tests.
type fakeRepository struct {
	users         map[string]*user.User // keyed by email
	createErr     error
	getByEmailErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		users: make(map[string]*user.User),
	}
}

func (r *fakeRepository) Create(_ context.Context, params user.CreateParams) (uuid.UUID, error) {
	if r.createErr != nil {
		return uuid.Nil, r.createErr
	}
	if _, exists := r.users[params.Email]; exists {
		return uuid.Nil, user.ErrAlreadyExists
	}
	id := uuid.New()
	r.users[params.Email] = &user.User{
		ID:           id,
		Email:        params.Email,
		Username:     params.Username,
		PasswordHash: params.PasswordHash,
		Status:       user.StatusOffline,
		Active:       true,
	}
	return id, nil
}

func (r *fakeRepository) GetByEmail(_ context.Context, email string) (*user.User, error) {
	if r.getByEmailErr != nil {
		return nil, r.getByEmailErr
	}
	u, ok := r.users[email]
	if !ok {
		return nil, user.ErrNotFound
	}
	cpy := *u
	return &cpy, nil
}

func (r *fakeRepository) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			cpy := *u
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeRepository) Update(_ context.Context, id uuid.UUID, params user.UpdateParams) (*user.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			if params.DisplayName != nil {
				u.DisplayName = params.DisplayName
			}
			if params.Bio != nil {
				u.Bio = params.Bio
			}
			if params.AvatarKey != nil {
				u.AvatarKey = params.AvatarKey
			}
			cpy := *u
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeRepository) UpdateStatus(_ context.Context, id uuid.UUID, status user.Status) error {
	for _, u := range r.users {
		if u.ID == id {
			u.Status = status
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeRepository) UpdateHideReadStatus(_ context.Context, id uuid.UUID, hide bool) error {
	for _, u := range r.users {
		if u.ID == id {
			u.HideReadStatus = hide
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeRepository) UpdatePasswordHash(_ context.Context, userID uuid.UUID, hash string) error {
	for _, u := range r.users {
		if u.ID == userID {
			u.PasswordHash = hash
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeRepository) TouchLastSeen(_ context.Context, id uuid.UUID, at time.Time) error {
	for _, u := range r.users {
		if u.ID == id {
			u.Status = user.StatusOffline
			u.LastSeenAt = &at
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeRepository) Deactivate(_ context.Context, id uuid.UUID) error {
	for _, u := range r.users {
		if u.ID == id {
			u.Active = false
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeRepository) Search(_ context.Context, query string, excludeIDs []uuid.UUID, limit int) ([]user.Public, error) {
	return nil, nil
}

func testConfig() *config.Config {
	return &config.Config{
		JWTAccessSecret:   "test-access-secret-at-least-32-chars!!",
		JWTRefreshSecret:  "test-refresh-secret-at-least-32-chars!!",
		JWTAccessTTL:      15 * time.Minute,
		JWTRefreshTTL:     7 * 24 * time.Hour,
		Argon2Memory:      64 * 1024,
		Argon2Iterations:  1, // fast for tests
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
	}
}

func newTestService(t *testing.T, repo *fakeRepository) *Service {
	t.Helper()
	_, rdb := setupMiniredis(t)
	bl := disposable.NewBlocklist("", false)
	svc, err := NewService(repo, rdb, testConfig(), bl, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

// --- Register tests ---

func TestServiceRegisterSuccess(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if result.User.Email != "alice@example.com" {
		t.Errorf("Register() email = %q, want %q", result.User.Email, "alice@example.com")
	}
	if result.User.Username != "alice" {
		t.Errorf("Register() username = %q, want %q", result.User.Username, "alice")
	}
	if !result.User.Active {
		t.Error("Register() user should be active")
	}
	if result.AccessToken == "" {
		t.Error("Register() returned empty access token")
	}
	if result.RefreshToken == "" {
		t.Error("Register() returned empty refresh token")
	}
}

func TestServiceRegisterInvalidEmail(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "not-an-email",
		Username: "alice",
		Password: "strongpassword",
	})
	if !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("Register() error = %v, want ErrInvalidEmail", err)
	}
}

func TestServiceRegisterInvalidUsername(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Username: "a",
		Password: "strongpassword",
	})
	if !errors.Is(err, ErrUsernameLength) {
		t.Errorf("Register() error = %v, want ErrUsernameLength", err)
	}
}

func TestServiceRegisterInvalidPassword(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "short",
	})
	if !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("Register() error = %v, want ErrPasswordTooShort", err)
	}
}

func TestServiceRegisterDuplicateEmail(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	_, err = svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice2",
		Password: "strongpassword",
	})
	if !errors.Is(err, ErrEmailAlreadyTaken) {
		t.Errorf("second Register() error = %v, want ErrEmailAlreadyTaken", err)
	}
}

func TestServiceRegisterDisposableEmailBlocked(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	_, rdb := setupMiniredis(t)

	// Serve a blocklist containing "throwaway.email" so the blocklist can load it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, "throwaway.email")
		_, _ = fmt.Fprintln(w, "fakeinbox.com")
	}))
	t.Cleanup(srv.Close)

	bl := disposable.NewBlocklist(srv.URL, true)
	svc, err := NewService(repo, rdb, testConfig(), bl, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@throwaway.email",
		Username: "alice",
		Password: "strongpassword",
	})
	if !errors.Is(err, ErrDisposableEmail) {
		t.Errorf("Register() with disposable domain error = %v, want ErrDisposableEmail", err)
	}

	// Non-disposable domain should still succeed.
	result, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() with non-disposable domain error = %v", err)
	}
	if result == nil {
		t.Fatal("Register() returned nil result")
	}
}

func TestServiceRegisterCreateFails(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	repo.createErr = errors.New("database is down")
	svc := newTestService(t, repo)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err == nil {
		t.Fatal("Register() should fail when repo.Create fails")
	}
	if errors.Is(err, ErrEmailAlreadyTaken) {
		t.Error("Register() should not return ErrEmailAlreadyTaken for generic create error")
	}
}

// --- Login tests ---

func TestServiceLoginSuccess(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := svc.Login(ctx, LoginRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		IP:       "127.0.0.1",
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.User.Email != "alice@example.com" {
		t.Errorf("Login() email = %q, want %q", result.User.Email, "alice@example.com")
	}
	if result.AccessToken == "" {
		t.Error("Login() returned empty access token")
	}
	if result.RefreshToken == "" {
		t.Error("Login() returned empty refresh token")
	}
}

func TestServiceLoginInvalidEmail(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "bad",
		Password: "strongpassword",
		IP:       "127.0.0.1",
	})
	if !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("Login() error = %v, want ErrInvalidEmail", err)
	}
}

func TestServiceLoginUserNotFound(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "nobody@example.com",
		Password: "strongpassword",
		IP:       "127.0.0.1",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestServiceLoginWrongPassword(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err = svc.Login(ctx, LoginRequest{
		Email:    "alice@example.com",
		Password: "wrongpassword",
		IP:       "127.0.0.1",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestServiceLoginDeactivatedAccount(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	repo.users["alice@example.com"].Active = false

	_, err = svc.Login(ctx, LoginRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		IP:       "127.0.0.1",
	})
	if !errors.Is(err, ErrAccountInactive) {
		t.Errorf("Login() error = %v, want ErrAccountInactive", err)
	}
}

func TestServiceLoginDeactivatedAccountWrongPasswordStillInvalidCredentials(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	repo.users["alice@example.com"].Active = false

	_, err = svc.Login(ctx, LoginRequest{
		Email:    "alice@example.com",
		Password: "wrongpassword",
		IP:       "127.0.0.1",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials (password check precedes inactive check)", err)
	}
}

func TestServiceLoginGetByEmailFails(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	repo.getByEmailErr = errors.New("database timeout")
	svc := newTestService(t, repo)

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		IP:       "127.0.0.1",
	})
	if err == nil {
		t.Fatal("Login() should fail when GetByEmail fails")
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Error("Login() should not return ErrInvalidCredentials for database error")
	}
}

// --- Refresh tests ---

func TestServiceRefreshSuccess(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tokens, err := svc.Refresh(ctx, result.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tokens.AccessToken == "" {
		t.Error("Refresh() returned empty access token")
	}
	if tokens.RefreshToken == "" {
		t.Error("Refresh() returned empty refresh token")
	}
	if tokens.RefreshToken == result.RefreshToken {
		t.Error("Refresh() returned same refresh token (should rotate)")
	}
}

func TestServiceRefreshTokenReused(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err = svc.Refresh(ctx, result.RefreshToken)
	if err != nil {
		t.Fatalf("first Refresh() error = %v", err)
	}

	_, err = svc.Refresh(ctx, result.RefreshToken)
	if !errors.Is(err, ErrRefreshTokenReused) {
		t.Errorf("second Refresh() error = %v, want ErrRefreshTokenReused", err)
	}
}

func TestServiceRefreshInvalidToken(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	_, err := svc.Refresh(context.Background(), "nonexistent-token")
	if err == nil {
		t.Fatal("Refresh() with invalid token should return error")
	}
}

// --- Logout tests ---

func TestServiceLogoutRevokesToken(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := svc.Logout(ctx, result.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if _, err := ValidateRefreshToken(ctx, svc.redis, result.RefreshToken); err == nil {
		t.Error("Logout() did not revoke the refresh token")
	}
}

func TestServiceLogoutDoesNotAffectOtherSessions(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	userID := result.User.ID
	secondToken, err := CreateRefreshToken(ctx, svc.redis, userID, svc.config.JWTRefreshTTL)
	if err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}

	if err := svc.Logout(ctx, result.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if _, err := ValidateRefreshToken(ctx, svc.redis, secondToken); err != nil {
		t.Errorf("Logout() should not revoke other sessions, got error = %v", err)
	}
}

// --- Token issuance integration ---

func TestServiceRegisterTokensAreValid(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	claims, err := ValidateAccessToken(result.AccessToken, svc.config.JWTAccessSecret, Issuer)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if claims.Subject != result.User.ID.String() {
		t.Errorf("access token subject = %q, want %q", claims.Subject, result.User.ID.String())
	}

	userID, err := ValidateRefreshToken(ctx, svc.redis, result.RefreshToken)
	if err != nil {
		t.Fatalf("ValidateRefreshToken() error = %v", err)
	}
	if userID != result.User.ID {
		t.Errorf("refresh token userID = %q, want %q", userID, result.User.ID)
	}
}

func TestServiceRefreshIssuesNewAccessToken(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tokens, err := svc.Refresh(ctx, result.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	claims, err := ValidateAccessToken(tokens.AccessToken, svc.config.JWTAccessSecret, Issuer)
	if err != nil {
		t.Fatalf("ValidateAccessToken() on refreshed token error = %v", err)
	}
	if claims.Subject != result.User.ID.String() {
		t.Errorf("refreshed access token subject = %q, want %q", claims.Subject, result.User.ID.String())
	}

	if tokens.RefreshToken == result.RefreshToken {
		t.Error("Refresh() returned same refresh token (should rotate)")
	}
}

// --- VerifyUserPassword tests ---

func TestServiceVerifyUserPasswordSuccess(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := svc.VerifyUserPassword(ctx, result.User.ID, "strongpassword"); err != nil {
		t.Errorf("VerifyUserPassword() error = %v", err)
	}
}

func TestServiceVerifyUserPasswordWrong(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err = svc.VerifyUserPassword(ctx, result.User.ID, "wrongpassword")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("VerifyUserPassword() error = %v, want ErrInvalidCredentials", err)
	}
}

// --- Account deactivation tests ---

func TestDeleteAccountSuccess(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	userID := repo.users["alice@example.com"].ID

	if err := svc.DeleteAccount(ctx, userID, "strongpassword"); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}

	if repo.users["alice@example.com"].Active {
		t.Error("DeleteAccount() did not deactivate the user")
	}
}

func TestDeleteAccountWrongPassword(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	userID := repo.users["alice@example.com"].ID

	err = svc.DeleteAccount(ctx, userID, "wrongpassword")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("DeleteAccount() error = %v, want ErrInvalidCredentials", err)
	}
	if !repo.users["alice@example.com"].Active {
		t.Error("DeleteAccount() should not deactivate on wrong password")
	}
}

func TestDeleteAccountUserNotFound(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)

	err := svc.DeleteAccount(context.Background(), uuid.New(), "strongpassword")
	if err == nil {
		t.Fatal("DeleteAccount() should fail for nonexistent user")
	}
}

func TestDeleteAccountRevokesRefreshTokens(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := svc.DeleteAccount(ctx, result.User.ID, "strongpassword"); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}

	if _, err := ValidateRefreshToken(ctx, svc.redis, result.RefreshToken); err == nil {
		t.Error("DeleteAccount() should revoke outstanding refresh tokens")
	}
}

// fakeNotifier records every event published through Notifier for assertions.
type fakeNotifier struct {
	room      string
	eventType wire.DispatchEvent
}

func (n *fakeNotifier) Publish(_ context.Context, room string, eventType wire.DispatchEvent, _ any) error {
	n.room = room
	n.eventType = eventType
	return nil
}

func TestDeleteAccountPublishesForceDisconnect(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	notifier := &fakeNotifier{}
	svc.SetNotifier(notifier)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := svc.DeleteAccount(ctx, result.User.ID, "strongpassword"); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}

	if notifier.eventType != wire.DispatchForceDisconnect {
		t.Errorf("published event = %q, want %q", notifier.eventType, wire.DispatchForceDisconnect)
	}
	if want := wire.UserRoom(result.User.ID.String()); notifier.room != want {
		t.Errorf("published room = %q, want %q", notifier.room, want)
	}
}
