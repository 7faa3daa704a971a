package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	userStore := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, userStore)
	_, err := manager.Login(domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := userStore.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestRegisterStoresPasswordHash(t *testing.T) {
	userStore := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, userStore)
	err := manager.Register(context.Background(), domain.RegisterRequest{
		Username: "kasirbaru",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	users, err := userStore.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "kasirbaru" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected new user to be saved")
	}
	if found.Password == "pass1234" {
		t.Fatalf("expected password to be hashed")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}
	if found.Role != "cashier" {
		t.Fatalf("expected default cashier role, got %s", found.Role)
	}

	_, err = manager.Login(domain.LoginRequest{
		Username: "kasirbaru",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("login with hashed password failed: %v", err)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})

	cases := []struct {
		name string
		req  domain.RegisterRequest
	}{
		{"short username", domain.RegisterRequest{Username: "ab", Password: "pass1234"}},
		{"username with space", domain.RegisterRequest{Username: "new user", Password: "pass1234"}},
		{"short password", domain.RegisterRequest{Username: "newuser", Password: "abc"}},
		{"unknown role", domain.RegisterRequest{Username: "newuser", Password: "pass1234", Role: "manager"}},
	}
	for _, tc := range cases {
		err := manager.Register(context.Background(), tc.req)
		if !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})

	req := domain.RegisterRequest{Username: "kasirbaru", Password: "pass1234"}
	if err := manager.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := manager.Register(context.Background(), req); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})

	token, err := manager.sign("cashier", "cashier", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	actor, err := manager.ParseToken(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if actor.Username != "cashier" || actor.Role != "cashier" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("a-different-secret", time.Hour, &userStoreStub{})
	if _, err := other.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}
