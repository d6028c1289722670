// Package memory provides a map-backed IdentityStore for tests, examples,
// and local development. All data is lost on process exit.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voleyn/authkeep"
)

// Store implements authkeep.IdentityStore in process memory. Safe for
// concurrent use. ConsumeSecurityToken removes the token row atomically and
// restores it if the apply callback fails; mutations already performed by
// the callback are not rolled back, which is acceptable for a non-durable
// store.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	identities map[string]*authkeep.Identity
	byEmail    map[string]string

	// tokens is keyed by row id; the two indexes point back at it.
	tokens        map[string]*authkeep.SecurityToken
	tokenByValue  map[string]string
	tokenByOwner  map[string]string
	totp          map[string]*authkeep.TOTPRecord
	backupCodes   map[string][]authkeep.BackupCodeRecord
	connections   map[string]*authkeep.OAuthConnection
	identityConns map[string]string
}

// New returns an empty [Store].
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty [Store] using now as its time source. Tests
// pair this with the engine's injected clock so expiry checks agree.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:           now,
		identities:    make(map[string]*authkeep.Identity),
		byEmail:       make(map[string]string),
		tokens:        make(map[string]*authkeep.SecurityToken),
		tokenByValue:  make(map[string]string),
		tokenByOwner:  make(map[string]string),
		totp:          make(map[string]*authkeep.TOTPRecord),
		backupCodes:   make(map[string][]authkeep.BackupCodeRecord),
		connections:   make(map[string]*authkeep.OAuthConnection),
		identityConns: make(map[string]string),
	}
}

func valueKey(value string, typ authkeep.SecurityTokenType) string {
	return string(typ) + "\x00" + value
}

func ownerKey(identityID string, typ authkeep.SecurityTokenType) string {
	return string(typ) + "\x00" + identityID
}

func connKey(provider, providerUserID string) string {
	return provider + "\x00" + providerUserID
}

func identityConnKey(identityID, provider string) string {
	return identityID + "\x00" + provider
}

func (s *Store) GetIdentity(_ context.Context, identityID string) (*authkeep.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getIdentityLocked(identityID)
}

func (s *Store) getIdentityLocked(identityID string) (*authkeep.Identity, error) {
	identity, ok := s.identities[identityID]
	if !ok {
		return nil, authkeep.ErrIdentityNotFound
	}
	copied := *identity
	return &copied, nil
}

func (s *Store) GetIdentityByEmail(_ context.Context, email string) (*authkeep.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, authkeep.ErrIdentityNotFound
	}
	return s.getIdentityLocked(id)
}

func (s *Store) CreateIdentity(_ context.Context, input authkeep.CreateIdentityInput) (*authkeep.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(input.Email)
	if email != "" {
		if _, exists := s.byEmail[email]; exists {
			return nil, authkeep.ErrEmailAlreadyInUse
		}
	}
	now := s.now()
	identity := &authkeep.Identity{
		ID:             uuid.NewString(),
		Email:          email,
		PasswordHash:   input.PasswordHash,
		DisplayName:    input.DisplayName,
		EmailStatus:    input.EmailStatus,
		Status:         input.Status,
		SessionVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.identities[identity.ID] = identity
	if email != "" {
		s.byEmail[email] = identity.ID
	}
	copied := *identity
	return &copied, nil
}

func (s *Store) SetStatus(_ context.Context, identityID string, status authkeep.IdentityStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return authkeep.ErrIdentityNotFound
	}
	identity.Status = status
	identity.UpdatedAt = s.now()
	return nil
}

func (s *Store) TouchLastLogin(_ context.Context, identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return authkeep.ErrIdentityNotFound
	}
	identity.LastLoginAt = at
	return nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, identityID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePasswordHashLocked(identityID, hash)
}

func (s *Store) updatePasswordHashLocked(identityID, hash string) error {
	identity, ok := s.identities[identityID]
	if !ok {
		return authkeep.ErrIdentityNotFound
	}
	identity.PasswordHash = hash
	identity.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateEmail(_ context.Context, identityID, email string, status authkeep.EmailStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateEmailLocked(identityID, email, status)
}

func (s *Store) updateEmailLocked(identityID, email string, status authkeep.EmailStatus) error {
	identity, ok := s.identities[identityID]
	if !ok {
		return authkeep.ErrIdentityNotFound
	}
	email = strings.ToLower(email)
	if owner, exists := s.byEmail[email]; exists && owner != identityID {
		return authkeep.ErrEmailAlreadyInUse
	}
	delete(s.byEmail, identity.Email)
	identity.Email = email
	identity.EmailStatus = status
	identity.UpdatedAt = s.now()
	s.byEmail[email] = identityID
	return nil
}

func (s *Store) SetEmailStatus(_ context.Context, identityID string, status authkeep.EmailStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setEmailStatusLocked(identityID, status)
}

func (s *Store) setEmailStatusLocked(identityID string, status authkeep.EmailStatus) error {
	identity, ok := s.identities[identityID]
	if !ok {
		return authkeep.ErrIdentityNotFound
	}
	identity.EmailStatus = status
	identity.UpdatedAt = s.now()
	return nil
}

func (s *Store) BumpSessionVersion(_ context.Context, identityID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bumpSessionVersionLocked(identityID)
}

func (s *Store) bumpSessionVersionLocked(identityID string) (uint64, error) {
	identity, ok := s.identities[identityID]
	if !ok {
		return 0, authkeep.ErrIdentityNotFound
	}
	identity.SessionVersion++
	identity.UpdatedAt = s.now()
	return identity.SessionVersion, nil
}

func (s *Store) DeleteIdentity(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteIdentityLocked(identityID)
}

func (s *Store) deleteIdentityLocked(identityID string) error {
	identity, ok := s.identities[identityID]
	if !ok {
		return authkeep.ErrIdentityNotFound
	}
	delete(s.byEmail, identity.Email)
	delete(s.identities, identityID)
	delete(s.totp, identityID)
	delete(s.backupCodes, identityID)
	for id, tok := range s.tokens {
		if tok.IdentityID == identityID {
			s.removeTokenLocked(id)
		}
	}
	for key, conn := range s.connections {
		if conn.IdentityID == identityID {
			delete(s.connections, key)
			delete(s.identityConns, identityConnKey(identityID, conn.Provider))
		}
	}
	return nil
}

func (s *Store) UpsertSecurityToken(_ context.Context, tok authkeep.SecurityToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tokenByOwner[ownerKey(tok.IdentityID, tok.Type)]; ok {
		s.removeTokenLocked(existing)
	}
	copied := tok
	s.tokens[tok.ID] = &copied
	s.tokenByValue[valueKey(tok.Value, tok.Type)] = tok.ID
	s.tokenByOwner[ownerKey(tok.IdentityID, tok.Type)] = tok.ID
	return nil
}

func (s *Store) removeTokenLocked(id string) {
	tok, ok := s.tokens[id]
	if !ok {
		return
	}
	delete(s.tokens, id)
	delete(s.tokenByValue, valueKey(tok.Value, tok.Type))
	delete(s.tokenByOwner, ownerKey(tok.IdentityID, tok.Type))
}

func (s *Store) GetSecurityToken(_ context.Context, value string, typ authkeep.SecurityTokenType) (*authkeep.SecurityToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokenByValue[valueKey(value, typ)]
	if !ok {
		return nil, authkeep.ErrSecurityTokenInvalid
	}
	copied := *s.tokens[id]
	return &copied, nil
}

func (s *Store) TouchSecurityToken(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return authkeep.ErrSecurityTokenInvalid
	}
	tok.LastUsedAt = at
	return nil
}

func (s *Store) DeleteSecurityTokens(_ context.Context, identityID string, typ authkeep.SecurityTokenType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tokenByOwner[ownerKey(identityID, typ)]; ok {
		s.removeTokenLocked(id)
	}
	return nil
}

// ConsumeSecurityToken removes the matching token under the lock, then runs
// apply without it so the callback may call back into the store. Exactly one
// concurrent consumer of the same value succeeds.
func (s *Store) ConsumeSecurityToken(ctx context.Context, value string, typ authkeep.SecurityTokenType, apply func(ctx context.Context, tx authkeep.IdentityMutator, tok *authkeep.SecurityToken) error) error {
	s.mu.Lock()
	id, ok := s.tokenByValue[valueKey(value, typ)]
	if !ok {
		s.mu.Unlock()
		return authkeep.ErrSecurityTokenInvalid
	}
	tok := *s.tokens[id]
	if s.now().After(tok.ExpiresAt) {
		s.removeTokenLocked(id)
		s.mu.Unlock()
		return authkeep.ErrSecurityTokenInvalid
	}
	s.removeTokenLocked(id)
	s.mu.Unlock()

	if err := apply(ctx, s, &tok); err != nil {
		// Restore so the caller may retry with the same link.
		restore := tok
		s.mu.Lock()
		s.tokens[restore.ID] = &restore
		s.tokenByValue[valueKey(restore.Value, restore.Type)] = restore.ID
		s.tokenByOwner[ownerKey(restore.IdentityID, restore.Type)] = restore.ID
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) GetTOTP(_ context.Context, identityID string) (*authkeep.TOTPRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.totp[identityID]
	if !ok {
		return nil, authkeep.ErrMFANotEnrolled
	}
	copied := *rec
	return &copied, nil
}

func (s *Store) SaveTOTP(_ context.Context, rec *authkeep.TOTPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.totp[rec.IdentityID] = &copied
	return nil
}

func (s *Store) DeleteTOTP(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totp, identityID)
	return nil
}

func (s *Store) GetBackupCodes(_ context.Context, identityID string) ([]authkeep.BackupCodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]authkeep.BackupCodeRecord(nil), s.backupCodes[identityID]...), nil
}

func (s *Store) ReplaceBackupCodes(_ context.Context, identityID string, codes []authkeep.BackupCodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(codes) == 0 {
		delete(s.backupCodes, identityID)
		return nil
	}
	s.backupCodes[identityID] = append([]authkeep.BackupCodeRecord(nil), codes...)
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, identityID string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.backupCodes[identityID]
	for i := range codes {
		if !codes[i].Used && codes[i].Hash == hash {
			codes[i].Used = true
			codes[i].UsedAt = s.now()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetConnection(_ context.Context, provider, providerUserID string) (*authkeep.OAuthConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[connKey(provider, providerUserID)]
	if !ok {
		return nil, authkeep.ErrConnectionNotFound
	}
	copied := *conn
	return &copied, nil
}

func (s *Store) GetIdentityConnection(_ context.Context, identityID, provider string) (*authkeep.OAuthConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.identityConns[identityConnKey(identityID, provider)]
	if !ok {
		return nil, authkeep.ErrConnectionNotFound
	}
	copied := *s.connections[key]
	return &copied, nil
}

func (s *Store) UpsertConnection(_ context.Context, conn *authkeep.OAuthConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connKey(conn.Provider, conn.ProviderUserID)
	now := s.now()
	copied := *conn
	copied.UpdatedAt = now
	if existing, ok := s.connections[key]; ok {
		copied.CreatedAt = existing.CreatedAt
		if copied.AccessToken == "" {
			copied.AccessToken = existing.AccessToken
		}
		if copied.RefreshToken == "" {
			copied.RefreshToken = existing.RefreshToken
		}
	} else {
		copied.CreatedAt = now
	}
	s.connections[key] = &copied
	s.identityConns[identityConnKey(conn.IdentityID, conn.Provider)] = key
	return nil
}
