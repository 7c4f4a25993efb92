package authpw

import (
	"context"
	"database/sql"
	"testing"

	"folio/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.Email] = user
	return nil
}

func (f *fakeUserStore) CountUsers(_ context.Context) (int, error) {
	return len(f.users), nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "Harriet@Example.com",
		Password:    "correct horse",
		DisplayName: "Harriet",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.Email != "harriet@example.com" {
		t.Errorf("expected normalized email, got %q", user.Email)
	}
	if !user.IsAdmin {
		t.Error("first account should be admin")
	}

	signedIn, err := svc.SignIn(ctx, SignInRequest{Email: "harriet@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if signedIn.ID != user.ID {
		t.Errorf("SignIn returned user %s, want %s", signedIn.ID, user.ID)
	}
}

func TestSignUpSecondUserIsNotAdmin(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@example.com", Password: "password1", DisplayName: "A"}); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	second, err := svc.SignUp(ctx, SignUpRequest{Email: "b@example.com", Password: "password1", DisplayName: "B"})
	if err != nil {
		t.Fatalf("second SignUp() error = %v", err)
	}
	if second.IsAdmin {
		t.Error("second account should not be admin")
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@example.com", Password: "password1", DisplayName: "A"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@example.com", Password: "password2", DisplayName: "A2"}); err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Email: "a@example.com", Password: "short", DisplayName: "A"}); err == nil {
		t.Fatal("expected short password to be rejected")
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "a@example.com", Password: "password1", DisplayName: "A"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "a@example.com", Password: "password2"}); err == nil {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestSignInUnknownEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.SignIn(context.Background(), SignInRequest{Email: "nobody@example.com", Password: "password1"}); err == nil {
		t.Fatal("expected unknown email to be rejected")
	}
}
