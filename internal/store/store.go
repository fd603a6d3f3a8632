// Package store provides the storage interface and implementations for the
// WaddleAI gateway. The in-memory store backs tests and zero-config runs;
// the SQL store persists to SQLite (embedded) or PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/waddleai/waddleai/pkg/models"
)

// Store is the primary storage interface. All pipeline code depends on this
// interface, making it easy to swap between in-memory (tests) and SQL
// (production) implementations.
type Store interface {
	OrganizationStore
	UserStore
	APIKeyStore
	LinkStore
	RateStore
	UsageStore
	SecurityStore

	// Ping checks if the datastore is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Organization Store ──────────────────────────────────────

type OrganizationStore interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationByName(ctx context.Context, name string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
	UpdateOrganization(ctx context.Context, org *models.Organization) error
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
}

// ── User Store ──────────────────────────────────────────────

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
	ListUsers(ctx context.Context, orgID string) ([]models.User, error)
}

// ── API Key Store ───────────────────────────────────────────

type APIKeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)

	// GetAPIKeyByKeyID locates a key record by the public key-id portion of
	// the credential, without needing the secret.
	GetAPIKeyByKeyID(ctx context.Context, keyID string) (*models.APIKey, error)

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	UpdateAPIKey(ctx context.Context, key *models.APIKey) error

	// TouchAPIKey updates the key's last-used timestamp. Best-effort: the
	// caller ignores errors.
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)
}

// ── Connection Link Store ───────────────────────────────────

type LinkStore interface {
	ListLinks(ctx context.Context) ([]models.ConnectionLink, error)
	GetLink(ctx context.Context, name string) (*models.ConnectionLink, error)
	CreateLink(ctx context.Context, link *models.ConnectionLink) error
	UpdateLink(ctx context.Context, link *models.ConnectionLink) error

	GetModelConfig(ctx context.Context, model string) (*models.ModelConfig, error)
	UpsertModelConfig(ctx context.Context, mc *models.ModelConfig) error
}

// ── Conversion Rate Store ───────────────────────────────────

type RateStore interface {
	// LatestRate returns the newest enabled conversion rate for the pair.
	LatestRate(ctx context.Context, provider models.ProviderKind, model string) (*models.ConversionRate, error)

	CreateRate(ctx context.Context, rate *models.ConversionRate) error
	ListRates(ctx context.Context) ([]models.ConversionRate, error)
}

// ── Usage Store ─────────────────────────────────────────────

type UsageStore interface {
	// RecordUsage appends one ledger row and increments the daily and
	// monthly usage-cache rows for the key, atomically. Implementations
	// must not lose concurrent increments.
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error

	// GetUsageCache returns the cache row for (key, period, periodStart),
	// or a zero-valued row when none exists yet.
	GetUsageCache(ctx context.Context, apiKeyID string, period models.QuotaPeriod, periodStart time.Time) (*models.UsageCache, error)

	// ListUsage returns ledger rows for a key with day >= since, newest first.
	ListUsage(ctx context.Context, apiKeyID string, since time.Time) ([]models.UsageRecord, error)

	// PruneUsage deletes ledger rows with day older than before, returning
	// how many were removed. Usage caches are left alone; they roll over
	// naturally with the calendar.
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// ── Security Store ──────────────────────────────────────────

// SecurityEventFilter narrows a security-event count or listing. All set
// fields apply together (intersection).
type SecurityEventFilter struct {
	Since    time.Time
	APIKeyID string
	UserID   string
	IP       string
}

type SecurityStore interface {
	AppendSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error
	CountSecurityEvents(ctx context.Context, filter SecurityEventFilter) (int64, error)
	ListSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]models.SecurityEvent, error)

	// PruneSecurityEvents deletes events older than before, returning how
	// many were removed.
	PruneSecurityEvents(ctx context.Context, before time.Time) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// ── Time helpers ────────────────────────────────────────────

// DayStart truncates t to the start of its UTC calendar day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart truncates t to the start of its UTC calendar month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
