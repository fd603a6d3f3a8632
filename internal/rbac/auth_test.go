package rbac

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

func testAuth(t *testing.T) (*Authenticator, store.Store, *models.User) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	org := &models.Organization{Name: "acme", Enabled: true}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatal(err)
	}
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	user := &models.User{
		Username:       "alice",
		PasswordHash:   hash,
		Role:           models.RoleUser,
		OrganizationID: org.ID,
		Enabled:        true,
	}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	return NewAuthenticator(s, "test-secret", zerolog.Nop()), s, user
}

func TestAPIKeyRoundTrip(t *testing.T) {
	a, s, user := testAuth(t)
	ctx := context.Background()

	gen, err := a.IssueAPIKey(ctx, user, "ci", 0, 0, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(gen.Plaintext, "wa-") {
		t.Fatalf("plaintext %q lacks wa- prefix", gen.Plaintext)
	}
	if strings.Contains(gen.Record.Hash, gen.Plaintext) {
		t.Fatal("stored hash must not contain plaintext")
	}

	uc, err := a.AuthenticateAPIKey(ctx, gen.Plaintext)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if uc.UserID != user.ID || uc.APIKeyID != gen.Record.ID {
		t.Errorf("wrong principal: %+v", uc)
	}

	// Touch updates last-used.
	rec, err := s.GetAPIKey(ctx, gen.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastUsed == nil {
		t.Error("last_used not set after successful authentication")
	}
}

func TestAPIKeyRejections(t *testing.T) {
	a, s, user := testAuth(t)
	ctx := context.Background()

	gen, err := a.IssueAPIKey(ctx, user, "ci", 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	wantAuthFail := func(t *testing.T, token string) {
		t.Helper()
		_, err := a.AuthenticateAPIKey(ctx, token)
		if !errdefs.IsKind(err, errdefs.AuthenticationFailed) {
			t.Errorf("expected authentication_failed, got %v", err)
		}
	}

	t.Run("malformed", func(t *testing.T) { wantAuthFail(t, "not-a-key") })
	t.Run("unknown key id", func(t *testing.T) { wantAuthFail(t, "wa-deadbeef-"+strings.Repeat("0", 32)) })
	t.Run("wrong secret", func(t *testing.T) {
		wantAuthFail(t, "wa-"+gen.Record.KeyID+"-"+strings.Repeat("0", 32))
	})

	t.Run("disabled key", func(t *testing.T) {
		rec := *gen.Record
		rec.Enabled = false
		if err := s.UpdateAPIKey(ctx, &rec); err != nil {
			t.Fatal(err)
		}
		wantAuthFail(t, gen.Plaintext)
		rec.Enabled = true
		if err := s.UpdateAPIKey(ctx, &rec); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("expired exactly now", func(t *testing.T) {
		fixed := time.Now().UTC()
		a.now = func() time.Time { return fixed }
		rec := *gen.Record
		rec.ExpiresAt = &fixed
		if err := s.UpdateAPIKey(ctx, &rec); err != nil {
			t.Fatal(err)
		}
		wantAuthFail(t, gen.Plaintext)
	})
}

func TestLoginAndJWT(t *testing.T) {
	a, _, user := testAuth(t)
	ctx := context.Background()

	token, uc, err := a.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if uc.UserID != user.ID {
		t.Errorf("principal user = %q, want %q", uc.UserID, user.ID)
	}

	got, err := a.VerifyJWT(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Username != "alice" || got.Role != models.RoleUser || got.OrganizationID != user.OrganizationID {
		t.Errorf("claims round trip mismatch: %+v", got)
	}

	if _, _, err := a.Login(ctx, "alice", "wrong"); !errdefs.IsKind(err, errdefs.AuthenticationFailed) {
		t.Errorf("wrong password: expected authentication_failed, got %v", err)
	}
	if _, _, err := a.Login(ctx, "nobody", "hunter2"); !errdefs.IsKind(err, errdefs.AuthenticationFailed) {
		t.Errorf("unknown user: expected authentication_failed, got %v", err)
	}
}

func TestJWTTamperRejected(t *testing.T) {
	a, _, _ := testAuth(t)
	token, _, err := a.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}

	other := NewAuthenticator(store.NewMemoryStore(), "different-secret", zerolog.Nop())
	if _, err := other.VerifyJWT(token); !errdefs.IsKind(err, errdefs.AuthenticationFailed) {
		t.Errorf("foreign-secret token: expected authentication_failed, got %v", err)
	}

	if _, err := a.VerifyJWT(token + "x"); !errdefs.IsKind(err, errdefs.AuthenticationFailed) {
		t.Errorf("tampered token: expected authentication_failed, got %v", err)
	}
}

func TestExpiredJWTRejected(t *testing.T) {
	a, _, _ := testAuth(t)
	a.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	token, _, err := a.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	a.now = time.Now
	if _, err := a.VerifyJWT(token); !errdefs.IsKind(err, errdefs.AuthenticationFailed) {
		t.Errorf("expired token: expected authentication_failed, got %v", err)
	}
}

func TestAuthenticateDispatch(t *testing.T) {
	a, _, user := testAuth(t)
	ctx := context.Background()

	gen, err := a.IssueAPIKey(ctx, user, "ci", 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(ctx, gen.Plaintext); err != nil {
		t.Errorf("api key dispatch: %v", err)
	}

	token, _, err := a.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(ctx, token); err != nil {
		t.Errorf("jwt dispatch: %v", err)
	}

	if _, err := a.Authenticate(ctx, ""); !errdefs.IsKind(err, errdefs.AuthenticationFailed) {
		t.Errorf("empty token: expected authentication_failed, got %v", err)
	}
}
