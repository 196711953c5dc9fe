// Package auth manages MCP gateway tokens: issuance, validation with a
// durable audit trail, and the administrative operations behind the token
// CLI.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"codemem/internal/apperr"
	"codemem/internal/logging"
	"codemem/internal/metrics"
)

// Audit actions. Every validation writes exactly one row with one of these
// before the caller sees the outcome.
const (
	ActionSuccess    = "success"
	ActionAuthFailed = "auth_failed"
	ActionRevoked    = "revoked"
	ActionExpired    = "expired"
	ActionDenied     = "denied"
)

const (
	tokenPrefix    = "cm_"
	tokenRandBytes = 32 // 256 bits of entropy
	prefixLen      = 12 // shown in listings
)

const migration = `
CREATE TABLE IF NOT EXISTS auth_tokens (
	token        TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at   TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ,
	permissions  JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS auth_audit (
	id            BIGSERIAL PRIMARY KEY,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	user_id       TEXT NOT NULL DEFAULT '',
	token         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	client_info   JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_auth_tokens_user ON auth_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_auth_audit_created ON auth_audit(created_at);
`

// Token is one gateway credential.
type Token struct {
	Token       string     `json:"token"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name,omitempty"`
	Email       string     `json:"email,omitempty"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
}

// Prefix returns the display form of the token.
func (t *Token) Prefix() string { return displayPrefix(t.Token) }

// ClientInfo identifies the remote peer that presented a token. It rides the
// request context so audit rows can record where a validation came from.
type ClientInfo struct {
	Addr      string `json:"addr,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type clientInfoKey struct{}

// WithClientInfo attaches the peer identity for later audit writes.
func WithClientInfo(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

func clientInfoFrom(ctx context.Context) ClientInfo {
	info, _ := ctx.Value(clientInfoKey{}).(ClientInfo)
	return info
}

// AuditEntry is one row of the validation trail. Token holds the literal
// credential the client presented, valid or not.
type AuditEntry struct {
	ID           int64      `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	UserID       string     `json:"user_id,omitempty"`
	Token        string     `json:"token,omitempty"`
	Action       string     `json:"action"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ClientInfo   ClientInfo `json:"client_info,omitempty"`
}

// TokenPrefix returns the display form of the presented token.
func (e *AuditEntry) TokenPrefix() string { return displayPrefix(e.Token) }

// Stats summarizes token usage for the CLI.
type Stats struct {
	TotalTokens      int        `json:"total_tokens"`
	ActiveTokens     int        `json:"active_tokens"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
	Logins30d        int        `json:"logins_30d"`
	SuccessfulLogins int        `json:"successful_logins_30d"`
	FailedLogins     int        `json:"failed_logins_30d"`
}

// Store is the token store: Postgres as source of truth, Redis as a short
// validation cache.
type Store struct {
	db       *sql.DB
	cache    *redis.Client // nil disables caching
	cacheTTL time.Duration
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewStore wires the store. cache may be nil; ttl above 60s is clamped so a
// revocation is never honored for longer than that.
func NewStore(db *sql.DB, cache *redis.Client, ttl time.Duration, logger logging.Logger, m *metrics.Metrics) *Store {
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	return &Store{
		db:       db,
		cache:    cache,
		cacheTTL: ttl,
		logger:   logger.WithComponent("auth"),
		metrics:  m,
		now:      time.Now,
	}
}

// Open connects to Postgres and runs the migration.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open auth db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping auth db: %w", err)
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate auth db: %w", err)
	}
	return db, nil
}

// NewTokenValue generates a fresh credential: the stable cm_ prefix followed
// by 256 bits of randomness, base64url without padding.
func NewTokenValue() (string, error) {
	buf := make([]byte, tokenRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a token for userID. expiresIn <= 0 means no expiry;
// permissions may be nil for an unrestricted token.
func (s *Store) Create(ctx context.Context, userID, displayName, email string, permissions []string, expiresIn time.Duration) (*Token, error) {
	if userID == "" {
		return nil, apperr.BadInput("user_id must not be empty")
	}
	value, err := NewTokenValue()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to generate token", err)
	}

	t := &Token{
		Token:       value,
		UserID:      userID,
		DisplayName: displayName,
		Email:       email,
		Enabled:     true,
		CreatedAt:   s.now().UTC(),
		Permissions: permissions,
	}
	if expiresIn > 0 {
		exp := t.CreatedAt.Add(expiresIn)
		t.ExpiresAt = &exp
	}

	perms, err := json.Marshal(t.Permissions)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to encode permissions", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (token, user_id, display_name, email, enabled, created_at, expires_at, permissions)
		 VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7)`,
		t.Token, t.UserID, t.DisplayName, t.Email, t.CreatedAt, t.ExpiresAt, perms,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to store token", err)
	}
	s.logger.InfoContext(ctx, "token created", "user_id", userID, "token_prefix", t.Prefix())
	return t, nil
}

// Validate checks a presented token for userID. The outcome is audited
// before it is returned; a success also bumps last_used_at.
func (s *Store) Validate(ctx context.Context, token, userID string) (*Token, error) {
	t, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	switch {
	case t == nil:
		return nil, s.deny(ctx, token, userID, ActionAuthFailed,
			apperr.Unauthenticated("Invalid authentication token"))
	case !t.Enabled:
		return nil, s.deny(ctx, token, userID, ActionRevoked,
			apperr.Unauthenticated("Token has been revoked"))
	case t.ExpiresAt != nil && !t.ExpiresAt.After(s.now()):
		return nil, s.deny(ctx, token, userID, ActionExpired,
			apperr.Unauthenticated(fmt.Sprintf("Token expired on %s", t.ExpiresAt.UTC().Format("2006-01-02"))))
	case t.UserID != userID:
		return nil, s.deny(ctx, token, userID, ActionDenied,
			apperr.Unauthenticated(fmt.Sprintf(
				"User ID mismatch. This token belongs to '%s', but you provided '%s'. Please use the correct user ID.",
				t.UserID, userID)))
	}

	used := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET last_used_at = $1 WHERE token = $2`, used, t.Token,
	); err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to record token use", err)
	}
	t.LastUsedAt = &used

	if err := s.audit(ctx, token, userID, ActionSuccess, ""); err != nil {
		return nil, err
	}
	s.metrics.AuthValidations.WithLabelValues(ActionSuccess).Inc()
	return t, nil
}

// deny audits a failed validation and hands back the caller-facing error.
// The audit write must land before the result; if it cannot, the store
// error wins.
func (s *Store) deny(ctx context.Context, token, userID, action string, cause error) error {
	if err := s.audit(ctx, token, userID, action, cause.Error()); err != nil {
		return err
	}
	s.metrics.AuthValidations.WithLabelValues(action).Inc()
	return cause
}

// audit appends one trail row recording the literal presented token.
func (s *Store) audit(ctx context.Context, token, userID, action, errorMessage string) error {
	info, err := json.Marshal(clientInfoFrom(ctx))
	if err != nil {
		info = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_audit (created_at, user_id, token, action, error_message, client_info)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.now().UTC(), userID, token, action, errorMessage, info,
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to write audit row", err)
	}
	return nil
}

// lookup fetches the token row, via cache when available. A nil result with
// nil error means the token does not exist.
func (s *Store) lookup(ctx context.Context, token string) (*Token, error) {
	if t, ok := s.cacheGet(ctx, token); ok {
		return t, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, display_name, email, enabled, created_at, expires_at, last_used_at, permissions
		 FROM auth_tokens WHERE token = $1`, token)
	t, err := scanToken(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to read token", err)
	}
	s.cacheSet(ctx, t)
	return t, nil
}

func scanToken(scan func(dest ...any) error) (*Token, error) {
	var t Token
	var perms []byte
	err := scan(&t.Token, &t.UserID, &t.DisplayName, &t.Email, &t.Enabled,
		&t.CreatedAt, &t.ExpiresAt, &t.LastUsedAt, &perms)
	if err != nil {
		return nil, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &t.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return &t, nil
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "codemem:auth:" + hex.EncodeToString(sum[:])
}

func (s *Store) cacheGet(ctx context.Context, token string) (*Token, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(token)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.logger.WarnContext(ctx, "auth cache read failed", "error", err.Error())
		return nil, false
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false
	}
	return &t, true
}

func (s *Store) cacheSet(ctx context.Context, t *Token) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(t.Token), raw, s.cacheTTL).Err(); err != nil {
		s.logger.WarnContext(ctx, "auth cache write failed", "error", err.Error())
	}
}

func (s *Store) cacheInvalidate(ctx context.Context, tokens []string) {
	if s.cache == nil || len(tokens) == 0 {
		return
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = cacheKey(t)
	}
	if err := s.cache.Del(ctx, keys...).Err(); err != nil {
		s.logger.WarnContext(ctx, "auth cache invalidation failed", "error", err.Error())
	}
}

func displayPrefix(token string) string {
	if len(token) <= prefixLen {
		return token
	}
	return token[:prefixLen]
}

// Revoke disables every token matching the prefix and returns how many.
func (s *Store) Revoke(ctx context.Context, prefix string) (int, error) {
	return s.setEnabled(ctx, prefix, false)
}

// Enable re-enables previously revoked tokens matching the prefix.
func (s *Store) Enable(ctx context.Context, prefix string) (int, error) {
	return s.setEnabled(ctx, prefix, true)
}

func (s *Store) setEnabled(ctx context.Context, prefix string, enabled bool) (int, error) {
	if prefix == "" {
		return 0, apperr.BadInput("token prefix must not be empty")
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE auth_tokens SET enabled = $1 WHERE token LIKE $2 RETURNING token`,
		enabled, prefix+"%")
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to update tokens", err)
	}
	tokens, err := collectTokens(rows)
	if err != nil {
		return 0, err
	}
	s.cacheInvalidate(ctx, tokens)
	return len(tokens), nil
}

// Delete removes tokens matching the prefix outright.
func (s *Store) Delete(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, apperr.BadInput("token prefix must not be empty")
	}
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM auth_tokens WHERE token LIKE $1 RETURNING token`, prefix+"%")
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to delete tokens", err)
	}
	tokens, err := collectTokens(rows)
	if err != nil {
		return 0, err
	}
	s.cacheInvalidate(ctx, tokens)
	return len(tokens), nil
}

func collectTokens(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to scan token", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// List returns all tokens, newest first.
func (s *Store) List(ctx context.Context) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, user_id, display_name, email, enabled, created_at, expires_at, last_used_at, permissions
		 FROM auth_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to list tokens", err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to scan token row", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Audit returns trail entries newer than since, newest first, capped at
// limit.
func (s *Store) Audit(ctx context.Context, since time.Time, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, user_id, token, action, error_message, client_info
		 FROM auth_audit WHERE created_at >= $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to read audit trail", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var info []byte
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.UserID, &e.Token, &e.Action, &e.ErrorMessage, &info); err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to scan audit row", err)
		}
		if len(info) > 0 {
			json.Unmarshal(info, &e.ClientInfo)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetStats aggregates usage for the CLI stats command.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), count(*) FILTER (WHERE enabled), max(last_used_at) FROM auth_tokens`,
	).Scan(&st.TotalTokens, &st.ActiveTokens, &st.LastActivity)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to read token stats", err)
	}

	cutoff := s.now().UTC().AddDate(0, 0, -30)
	err = s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE action = $1),
		        count(*) FILTER (WHERE action <> $1)
		 FROM auth_audit WHERE created_at >= $2`,
		ActionSuccess, cutoff,
	).Scan(&st.Logins30d, &st.SuccessfulLogins, &st.FailedLogins)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to read audit stats", err)
	}
	return &st, nil
}
