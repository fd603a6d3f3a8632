package rbac

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

const (
	keyPrefix   = "wa-"
	sessionTTL  = 24 * time.Hour
	bcryptCost  = bcrypt.DefaultCost
	keyIDBytes  = 4  // 8 hex chars
	secretBytes = 16 // 32 hex chars
)

// Authenticator verifies credentials (API keys, passwords, session tokens)
// and issues new ones.
type Authenticator struct {
	store     store.Store
	jwtSecret []byte
	log       zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func NewAuthenticator(s store.Store, jwtSecret string, log zerolog.Logger) *Authenticator {
	return &Authenticator{
		store:     s,
		jwtSecret: []byte(jwtSecret),
		log:       log.With().Str("component", "auth").Logger(),
		now:       time.Now,
	}
}

// ── API keys ────────────────────────────────────────────────

// GeneratedKey is the result of key issuance. Plaintext is shown exactly
// once; only the bcrypt hash is stored.
type GeneratedKey struct {
	Plaintext string
	Record    *models.APIKey
}

// IssueAPIKey mints a new credential of the form "wa-<key_id>-<secret>" for
// the given user, with optional quota overrides (zero inherits from the
// organization) and optional expiry.
func (a *Authenticator) IssueAPIKey(ctx context.Context, user *models.User, name string, dailyQuota, monthlyQuota int64, expiresAt *time.Time) (*GeneratedKey, error) {
	keyID, err := randomHex(keyIDBytes)
	if err != nil {
		return nil, errdefs.Internalf(err, "generate key id")
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, errdefs.Internalf(err, "generate key secret")
	}
	plaintext := keyPrefix + keyID + "-" + secret

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return nil, errdefs.Internalf(err, "hash api key")
	}

	rec := &models.APIKey{
		KeyID:             keyID,
		Hash:              string(hash),
		UserID:            user.ID,
		OrganizationID:    user.OrganizationID,
		Name:              name,
		TokenQuotaDaily:   dailyQuota,
		TokenQuotaMonthly: monthlyQuota,
		Enabled:           true,
		ExpiresAt:         expiresAt,
	}
	if err := a.store.CreateAPIKey(ctx, rec); err != nil {
		return nil, errdefs.Internalf(err, "store api key")
	}
	a.log.Info().Str("key_id", keyID).Str("user", user.Username).Msg("api key issued")
	return &GeneratedKey{Plaintext: plaintext, Record: rec}, nil
}

// AuthenticateAPIKey verifies a "wa-<key_id>-<secret>" credential and
// returns the principal behind it. Failures never say which check failed.
func (a *Authenticator) AuthenticateAPIKey(ctx context.Context, token string) (*UserContext, error) {
	keyID, ok := parseKeyID(token)
	if !ok {
		return nil, errdefs.New(errdefs.AuthenticationFailed, "invalid api key")
	}

	rec, err := a.store.GetAPIKeyByKeyID(ctx, keyID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, errdefs.New(errdefs.AuthenticationFailed, "invalid api key")
		}
		return nil, errdefs.Internalf(err, "lookup api key")
	}
	if !rec.Enabled || rec.Expired(a.now().UTC()) {
		return nil, errdefs.New(errdefs.AuthenticationFailed, "invalid api key")
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(token)) != nil {
		return nil, errdefs.New(errdefs.AuthenticationFailed, "invalid api key")
	}

	user, err := a.store.GetUser(ctx, rec.UserID)
	if err != nil || !user.Enabled {
		return nil, errdefs.New(errdefs.AuthenticationFailed, "invalid api key")
	}
	org, err := a.store.GetOrganization(ctx, rec.OrganizationID)
	if err != nil || !org.Enabled {
		return nil, errdefs.New(errdefs.AuthenticationFailed, "invalid api key")
	}

	// Best effort: a failed touch must not fail the request.
	if err := a.store.TouchAPIKey(ctx, rec.ID, a.now().UTC()); err != nil {
		a.log.Warn().Err(err).Str("key_id", keyID).Msg("touch api key failed")
	}

	return &UserContext{
		UserID:         user.ID,
		Username:       user.Username,
		Role:           user.Role,
		OrganizationID: rec.OrganizationID,
		ManagedOrgs:    user.ManagedOrgs,
		APIKeyID:       rec.ID,
	}, nil
}

// parseKeyID extracts the public key-id portion of a credential, requiring
// the full "wa-<key_id>-<secret>" shape.
func parseKeyID(token string) (string, bool) {
	if !strings.HasPrefix(token, keyPrefix) {
		return "", false
	}
	rest := token[len(keyPrefix):]
	i := strings.IndexByte(rest, '-')
	if i <= 0 || i == len(rest)-1 {
		return "", false
	}
	return rest[:i], true
}

// ── Password login ──────────────────────────────────────────

// HashPassword hashes a login password for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Login verifies a username/password pair and issues a session token.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, *UserContext, error) {
	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		if store.IsNotFound(err) {
			return "", nil, errdefs.New(errdefs.AuthenticationFailed, "invalid credentials")
		}
		return "", nil, errdefs.Internalf(err, "lookup user")
	}
	if !user.Enabled || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", nil, errdefs.New(errdefs.AuthenticationFailed, "invalid credentials")
	}

	uc := &UserContext{
		UserID:         user.ID,
		Username:       user.Username,
		Role:           user.Role,
		OrganizationID: user.OrganizationID,
		ManagedOrgs:    user.ManagedOrgs,
	}
	token, err := a.issueJWT(uc)
	if err != nil {
		return "", nil, errdefs.Internalf(err, "sign session token")
	}
	a.log.Info().Str("user", username).Msg("login succeeded")
	return token, uc, nil
}

// ── Session tokens ──────────────────────────────────────────

type sessionClaims struct {
	Username    string      `json:"username"`
	Role        models.Role `json:"role"`
	OrgID       string      `json:"org"`
	ManagedOrgs []string    `json:"managed_orgs,omitempty"`
	jwt.RegisteredClaims
}

func (a *Authenticator) issueJWT(uc *UserContext) (string, error) {
	now := a.now().UTC()
	claims := sessionClaims{
		Username:    uc.Username,
		Role:        uc.Role,
		OrgID:       uc.OrganizationID,
		ManagedOrgs: uc.ManagedOrgs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uc.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

// VerifyJWT validates a session token and rebuilds the principal. Only
// HS256 is accepted; expiry is enforced by the parser.
func (a *Authenticator) VerifyJWT(token string) (*UserContext, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, errdefs.New(errdefs.AuthenticationFailed, "invalid session token")
	}
	return &UserContext{
		UserID:         claims.Subject,
		Username:       claims.Username,
		Role:           claims.Role,
		OrganizationID: claims.OrgID,
		ManagedOrgs:    claims.ManagedOrgs,
	}, nil
}

// Authenticate dispatches on credential shape: "wa-" prefixed tokens are
// API keys, everything else is treated as a session token.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*UserContext, error) {
	if token == "" {
		return nil, errdefs.New(errdefs.AuthenticationFailed, "missing credentials")
	}
	if strings.HasPrefix(token, keyPrefix) {
		return a.AuthenticateAPIKey(ctx, token)
	}
	return a.VerifyJWT(token)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
