package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// tokenPrefixLen is the number of leading token characters stored in
// plain text for indexed lookup; the full token is only ever stored as a
// bcrypt hash.
const tokenPrefixLen = 12

// CredentialStore abstracts DB queries for testability.
type CredentialStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*credentialRow, error)
}

type credentialRow struct {
	SubjectID string
	Role      string
	Scope     string
	TokenHash string
}

// sqlCredentialStore is the real implementation using *sql.DB.
type sqlCredentialStore struct {
	db *sql.DB
}

func (s *sqlCredentialStore) LookupByPrefix(ctx context.Context, prefix string) (*credentialRow, error) {
	row := &credentialRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id, role, scope, token_hash
		 FROM credentials
		 WHERE token_prefix = $1 AND revoked_at IS NULL`,
		prefix,
	).Scan(&row.SubjectID, &row.Role, &row.Scope, &row.TokenHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUnknownToken
		}
		return nil, fmt.Errorf("sqlCredentialStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates connection tokens against the
// credentials table. Uses Cache with stale-while-revalidate so the
// DB + bcrypt cost is off the dial path after the first connection.
type PostgresAuthenticator struct {
	store  CredentialStore
	cache  *Cache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlCredentialStore{db: cfg.DB},
		cache:  NewCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresAuthenticatorWithStore creates an authenticator with an
// injected store (for testing).
func newPostgresAuthenticatorWithStore(store CredentialStore, cache *Cache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the token against the database.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale identity, spawn background refresh
//     - Miss: full DB + bcrypt lookup synchronously
//  2. Prefix lookup narrows to one row; bcrypt compare proves possession
//     of the full token.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if len(token) < tokenPrefixLen {
		return nil, ErrInvalidToken
	}

	res := a.cache.Get(token)
	if res.Hit && res.NeedsRefresh {
		go a.refresh(token)
	}
	if res.Hit && res.Identity != nil {
		return res.Identity, nil
	}

	identity, err := a.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	a.cache.Set(token, identity)
	return identity, nil
}

func (a *PostgresAuthenticator) lookup(ctx context.Context, token string) (*Identity, error) {
	row, err := a.store.LookupByPrefix(ctx, token[:tokenPrefixLen])
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.TokenHash), []byte(token)); err != nil {
		return nil, ErrUnknownToken
	}

	role := Role(row.Role)
	if role != RoleOperator && role != RoleSupervisor {
		return nil, fmt.Errorf("credential %s has unknown role %q", row.SubjectID, row.Role)
	}
	return &Identity{
		SubjectID: row.SubjectID,
		Role:      role,
		Scope:     row.Scope,
	}, nil
}

// refresh re-validates a stale cache entry in the background. Failures
// evict the entry so the next connection attempt does the full lookup.
func (a *PostgresAuthenticator) refresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := a.lookup(ctx, token)
	if err != nil {
		a.logger.Warn("credential refresh failed, evicting", zap.Error(err))
		a.cache.Delete(token)
		return
	}
	a.cache.Set(token, identity)
}
