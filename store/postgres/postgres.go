// Package postgres implements the authkeep IdentityStore on PostgreSQL via
// pgx. Single-use token consumption runs inside a transaction with the token
// row locked, so concurrent consumers of the same value observe exactly one
// success.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voleyn/authkeep"
)

// Store implements authkeep.IdentityStore over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New returns a [Store] over pool. The pool stays owned by the caller.
func New(pool *pgxpool.Pool) *Store {
	return NewWithClock(pool, time.Now)
}

// NewWithClock returns a [Store] using now as its time source for token
// expiry checks. Tests pair this with the engine's injected clock so expiry
// decisions agree across stores.
func NewWithClock(pool *pgxpool.Pool, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{pool: pool, now: now}
}

// Open connects to dsn and returns a ready [Store].
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return New(pool), nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id              UUID PRIMARY KEY,
	email           TEXT NOT NULL UNIQUE,
	password_hash   TEXT NOT NULL DEFAULT '',
	display_name    TEXT NOT NULL DEFAULT '',
	email_status    SMALLINT NOT NULL DEFAULT 0,
	status          SMALLINT NOT NULL DEFAULT 0,
	session_version BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS security_tokens (
	id           UUID PRIMARY KEY,
	identity_id  UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	type         TEXT NOT NULL,
	value        TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	expires_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ,
	UNIQUE (identity_id, type),
	UNIQUE (type, value)
);

CREATE TABLE IF NOT EXISTS totp_enrollments (
	identity_id    UUID PRIMARY KEY REFERENCES identities(id) ON DELETE CASCADE,
	secret         TEXT NOT NULL,
	algorithm      TEXT NOT NULL,
	digits         INT NOT NULL,
	period         INT NOT NULL,
	confirmed      BOOLEAN NOT NULL DEFAULT FALSE,
	usage_count    BIGINT NOT NULL DEFAULT 0,
	last_used_step BIGINT NOT NULL DEFAULT 0,
	last_used_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS backup_codes (
	identity_id UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	hash        BYTEA NOT NULL,
	used        BOOLEAN NOT NULL DEFAULT FALSE,
	used_at     TIMESTAMPTZ,
	PRIMARY KEY (identity_id, hash)
);

CREATE TABLE IF NOT EXISTS oauth_connections (
	provider         TEXT NOT NULL,
	provider_user_id TEXT NOT NULL,
	identity_id      UUID NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	access_token     TEXT NOT NULL DEFAULT '',
	refresh_token    TEXT NOT NULL DEFAULT '',
	expires_at       TIMESTAMPTZ,
	scopes           TEXT[] NOT NULL DEFAULT '{}',
	raw_profile      BYTEA,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider, provider_user_id),
	UNIQUE (identity_id, provider)
);
`

// querier abstracts pool and transaction execution.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const identityColumns = `id, email, password_hash, display_name, email_status, status,
	session_version, created_at, updated_at, COALESCE(last_login_at, 'epoch'::timestamptz)`

func scanIdentity(row pgx.Row) (*authkeep.Identity, error) {
	var identity authkeep.Identity
	err := row.Scan(
		&identity.ID, &identity.Email, &identity.PasswordHash, &identity.DisplayName,
		&identity.EmailStatus, &identity.Status, &identity.SessionVersion,
		&identity.CreatedAt, &identity.UpdatedAt, &identity.LastLoginAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authkeep.ErrIdentityNotFound
		}
		return nil, err
	}
	return &identity, nil
}

func (s *Store) GetIdentity(ctx context.Context, identityID string) (*authkeep.Identity, error) {
	return getIdentity(ctx, s.pool, identityID)
}

func getIdentity(ctx context.Context, q querier, identityID string) (*authkeep.Identity, error) {
	return scanIdentity(q.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, identityID))
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (*authkeep.Identity, error) {
	return scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = lower($1)`, email))
}

func (s *Store) CreateIdentity(ctx context.Context, input authkeep.CreateIdentityInput) (*authkeep.Identity, error) {
	identity, err := scanIdentity(s.pool.QueryRow(ctx, `
		INSERT INTO identities (id, email, password_hash, display_name, email_status, status)
		VALUES ($1, lower($2), $3, $4, $5, $6)
		RETURNING `+identityColumns,
		uuid.NewString(), input.Email, input.PasswordHash, input.DisplayName,
		input.EmailStatus, input.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, authkeep.ErrEmailAlreadyInUse
		}
		return nil, err
	}
	return identity, nil
}

func (s *Store) SetStatus(ctx context.Context, identityID string, status authkeep.IdentityStatus) error {
	return execOne(ctx, s.pool,
		`UPDATE identities SET status = $2, updated_at = now() WHERE id = $1`,
		authkeep.ErrIdentityNotFound, identityID, status)
}

func (s *Store) TouchLastLogin(ctx context.Context, identityID string, at time.Time) error {
	return execOne(ctx, s.pool,
		`UPDATE identities SET last_login_at = $2 WHERE id = $1`,
		authkeep.ErrIdentityNotFound, identityID, at)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, identityID, hash string) error {
	return updatePasswordHash(ctx, s.pool, identityID, hash)
}

func (s *Store) UpdateEmail(ctx context.Context, identityID, email string, status authkeep.EmailStatus) error {
	return updateEmail(ctx, s.pool, identityID, email, status)
}

func (s *Store) SetEmailStatus(ctx context.Context, identityID string, status authkeep.EmailStatus) error {
	return setEmailStatus(ctx, s.pool, identityID, status)
}

func (s *Store) BumpSessionVersion(ctx context.Context, identityID string) (uint64, error) {
	return bumpSessionVersion(ctx, s.pool, identityID)
}

func (s *Store) DeleteIdentity(ctx context.Context, identityID string) error {
	return deleteIdentity(ctx, s.pool, identityID)
}

func updatePasswordHash(ctx context.Context, q querier, identityID, hash string) error {
	return execOne(ctx, q,
		`UPDATE identities SET password_hash = $2, updated_at = now() WHERE id = $1`,
		authkeep.ErrIdentityNotFound, identityID, hash)
}

func updateEmail(ctx context.Context, q querier, identityID, email string, status authkeep.EmailStatus) error {
	err := execOne(ctx, q, `
		UPDATE identities SET email = lower($2), email_status = $3, updated_at = now()
		WHERE id = $1`,
		authkeep.ErrIdentityNotFound, identityID, email, status)
	if isUniqueViolation(err) {
		return authkeep.ErrEmailAlreadyInUse
	}
	return err
}

func setEmailStatus(ctx context.Context, q querier, identityID string, status authkeep.EmailStatus) error {
	return execOne(ctx, q,
		`UPDATE identities SET email_status = $2, updated_at = now() WHERE id = $1`,
		authkeep.ErrIdentityNotFound, identityID, status)
}

func bumpSessionVersion(ctx context.Context, q querier, identityID string) (uint64, error) {
	var version uint64
	err := q.QueryRow(ctx, `
		UPDATE identities SET session_version = session_version + 1, updated_at = now()
		WHERE id = $1
		RETURNING session_version`, identityID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, authkeep.ErrIdentityNotFound
		}
		return 0, err
	}
	return version, nil
}

func deleteIdentity(ctx context.Context, q querier, identityID string) error {
	return execOne(ctx, q,
		`DELETE FROM identities WHERE id = $1`,
		authkeep.ErrIdentityNotFound, identityID)
}

func (s *Store) UpsertSecurityToken(ctx context.Context, tok authkeep.SecurityToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO security_tokens (id, identity_id, type, value, payload, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity_id, type) DO UPDATE SET
			id = EXCLUDED.id,
			value = EXCLUDED.value,
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			last_used_at = NULL`,
		tok.ID, tok.IdentityID, tok.Type, tok.Value, tok.Payload, tok.ExpiresAt, tok.CreatedAt)
	return err
}

const securityTokenColumns = `id, identity_id, type, value, payload, expires_at, created_at,
	COALESCE(last_used_at, 'epoch'::timestamptz)`

func scanSecurityToken(row pgx.Row) (*authkeep.SecurityToken, error) {
	var tok authkeep.SecurityToken
	err := row.Scan(&tok.ID, &tok.IdentityID, &tok.Type, &tok.Value, &tok.Payload,
		&tok.ExpiresAt, &tok.CreatedAt, &tok.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authkeep.ErrSecurityTokenInvalid
		}
		return nil, err
	}
	return &tok, nil
}

func (s *Store) GetSecurityToken(ctx context.Context, value string, typ authkeep.SecurityTokenType) (*authkeep.SecurityToken, error) {
	return scanSecurityToken(s.pool.QueryRow(ctx,
		`SELECT `+securityTokenColumns+` FROM security_tokens WHERE type = $1 AND value = $2`,
		typ, value))
}

func (s *Store) TouchSecurityToken(ctx context.Context, id string, at time.Time) error {
	return execOne(ctx, s.pool,
		`UPDATE security_tokens SET last_used_at = $2 WHERE id = $1`,
		authkeep.ErrSecurityTokenInvalid, id, at)
}

func (s *Store) DeleteSecurityTokens(ctx context.Context, identityID string, typ authkeep.SecurityTokenType) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM security_tokens WHERE identity_id = $1 AND type = $2`, identityID, typ)
	return err
}

func (s *Store) ConsumeSecurityToken(ctx context.Context, value string, typ authkeep.SecurityTokenType, apply func(ctx context.Context, tx authkeep.IdentityMutator, tok *authkeep.SecurityToken) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tok, err := scanSecurityToken(tx.QueryRow(ctx,
		`SELECT `+securityTokenColumns+` FROM security_tokens
		 WHERE type = $1 AND value = $2 FOR UPDATE`, typ, value))
	if err != nil {
		return err
	}
	if s.now().After(tok.ExpiresAt) {
		// Expired rows are garbage; drop eagerly and commit the cleanup.
		if _, err := tx.Exec(ctx, `DELETE FROM security_tokens WHERE id = $1`, tok.ID); err == nil {
			_ = tx.Commit(ctx)
		}
		return authkeep.ErrSecurityTokenInvalid
	}

	if err := apply(ctx, &txMutator{tx: tx}, tok); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM security_tokens WHERE identity_id = $1 AND type = $2`,
		tok.IdentityID, typ); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// txMutator exposes the mutation subset inside a consume transaction. Reads
// go through the transaction too, so validate-then-mutate callbacks observe
// the rows they are about to change.
type txMutator struct {
	tx pgx.Tx
}

func (m *txMutator) GetIdentity(ctx context.Context, identityID string) (*authkeep.Identity, error) {
	return getIdentity(ctx, m.tx, identityID)
}

func (m *txMutator) UpdatePasswordHash(ctx context.Context, identityID, hash string) error {
	return updatePasswordHash(ctx, m.tx, identityID, hash)
}

func (m *txMutator) UpdateEmail(ctx context.Context, identityID, email string, status authkeep.EmailStatus) error {
	return updateEmail(ctx, m.tx, identityID, email, status)
}

func (m *txMutator) SetEmailStatus(ctx context.Context, identityID string, status authkeep.EmailStatus) error {
	return setEmailStatus(ctx, m.tx, identityID, status)
}

func (m *txMutator) BumpSessionVersion(ctx context.Context, identityID string) (uint64, error) {
	return bumpSessionVersion(ctx, m.tx, identityID)
}

func (m *txMutator) DeleteIdentity(ctx context.Context, identityID string) error {
	return deleteIdentity(ctx, m.tx, identityID)
}

func (s *Store) GetTOTP(ctx context.Context, identityID string) (*authkeep.TOTPRecord, error) {
	var rec authkeep.TOTPRecord
	err := s.pool.QueryRow(ctx, `
		SELECT identity_id, secret, algorithm, digits, period, confirmed, usage_count,
		       last_used_step, COALESCE(last_used_at, 'epoch'::timestamptz)
		FROM totp_enrollments WHERE identity_id = $1`, identityID).
		Scan(&rec.IdentityID, &rec.Secret, &rec.Algorithm, &rec.Digits, &rec.Period,
			&rec.Confirmed, &rec.UsageCount, &rec.LastUsedStep, &rec.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authkeep.ErrMFANotEnrolled
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveTOTP(ctx context.Context, rec *authkeep.TOTPRecord) error {
	var lastUsedAt any
	if !rec.LastUsedAt.IsZero() {
		lastUsedAt = rec.LastUsedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO totp_enrollments (identity_id, secret, algorithm, digits, period,
			confirmed, usage_count, last_used_step, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identity_id) DO UPDATE SET
			secret = EXCLUDED.secret,
			algorithm = EXCLUDED.algorithm,
			digits = EXCLUDED.digits,
			period = EXCLUDED.period,
			confirmed = EXCLUDED.confirmed,
			usage_count = EXCLUDED.usage_count,
			last_used_step = EXCLUDED.last_used_step,
			last_used_at = EXCLUDED.last_used_at`,
		rec.IdentityID, rec.Secret, rec.Algorithm, rec.Digits, rec.Period,
		rec.Confirmed, rec.UsageCount, rec.LastUsedStep, lastUsedAt)
	return err
}

func (s *Store) DeleteTOTP(ctx context.Context, identityID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM totp_enrollments WHERE identity_id = $1`, identityID)
	return err
}

func (s *Store) GetBackupCodes(ctx context.Context, identityID string) ([]authkeep.BackupCodeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hash, used, COALESCE(used_at, 'epoch'::timestamptz)
		FROM backup_codes WHERE identity_id = $1`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []authkeep.BackupCodeRecord
	for rows.Next() {
		var (
			rec  authkeep.BackupCodeRecord
			hash []byte
		)
		if err := rows.Scan(&hash, &rec.Used, &rec.UsedAt); err != nil {
			return nil, err
		}
		copy(rec.Hash[:], hash)
		codes = append(codes, rec)
	}
	return codes, rows.Err()
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, identityID string, codes []authkeep.BackupCodeRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM backup_codes WHERE identity_id = $1`, identityID); err != nil {
		return err
	}
	for _, code := range codes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO backup_codes (identity_id, hash) VALUES ($1, $2)`,
			identityID, code.Hash[:]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ConsumeBackupCode(ctx context.Context, identityID string, hash [32]byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backup_codes SET used = TRUE, used_at = now()
		WHERE identity_id = $1 AND hash = $2 AND NOT used`,
		identityID, hash[:])
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const connectionColumns = `provider, provider_user_id, identity_id, access_token, refresh_token,
	COALESCE(expires_at, 'epoch'::timestamptz), scopes, raw_profile, created_at, updated_at`

func scanConnection(row pgx.Row) (*authkeep.OAuthConnection, error) {
	var (
		conn    authkeep.OAuthConnection
		profile []byte
	)
	err := row.Scan(&conn.Provider, &conn.ProviderUserID, &conn.IdentityID,
		&conn.AccessToken, &conn.RefreshToken, &conn.ExpiresAt, &conn.Scopes,
		&profile, &conn.CreatedAt, &conn.UpdatedAt)
	conn.RawProfile = profile
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authkeep.ErrConnectionNotFound
		}
		return nil, err
	}
	return &conn, nil
}

func (s *Store) GetConnection(ctx context.Context, provider, providerUserID string) (*authkeep.OAuthConnection, error) {
	return scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM oauth_connections
		 WHERE provider = $1 AND provider_user_id = $2`, provider, providerUserID))
}

func (s *Store) GetIdentityConnection(ctx context.Context, identityID, provider string) (*authkeep.OAuthConnection, error) {
	return scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM oauth_connections
		 WHERE identity_id = $1 AND provider = $2`, identityID, provider))
}

func (s *Store) UpsertConnection(ctx context.Context, conn *authkeep.OAuthConnection) error {
	var expiresAt any
	if !conn.ExpiresAt.IsZero() {
		expiresAt = conn.ExpiresAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_connections (provider, provider_user_id, identity_id,
			access_token, refresh_token, expires_at, scopes, raw_profile)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, provider_user_id) DO UPDATE SET
			identity_id = EXCLUDED.identity_id,
			access_token = CASE WHEN EXCLUDED.access_token = '' THEN oauth_connections.access_token ELSE EXCLUDED.access_token END,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN oauth_connections.refresh_token ELSE EXCLUDED.refresh_token END,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			raw_profile = COALESCE(EXCLUDED.raw_profile, oauth_connections.raw_profile),
			updated_at = now()`,
		conn.Provider, conn.ProviderUserID, conn.IdentityID,
		conn.AccessToken, conn.RefreshToken, expiresAt, conn.Scopes, []byte(conn.RawProfile))
	return err
}

// execOne runs sql and maps zero affected rows to notFound.
func execOne(ctx context.Context, q querier, sql string, notFound error, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
