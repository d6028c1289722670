package authkeep

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	oauthStateKeyPrefix = "oas"
	oauthStateVersion1  = 1
	oauthStateBytes     = 32
)

var (
	errOAuthStateNotFound = errors.New("oauth state not found")
	errOAuthStateBackend  = errors.New("oauth state backend unavailable")
)

// oauthState binds a CSRF state value to the provider and redirect URI it was
// generated for, plus the identity to link when the flow was started from a
// logged-in session.
type oauthState struct {
	Provider       string
	RedirectURI    string
	LinkIdentityID string
	ExpiresAt      int64
}

type oauthStateStore struct {
	redis redis.UniversalClient
	now   func() time.Time
}

func newOAuthStateStore(client redis.UniversalClient, now func() time.Time) *oauthStateStore {
	if now == nil {
		now = time.Now
	}
	return &oauthStateStore{redis: client, now: now}
}

func (s *oauthStateStore) key(state string) string {
	return oauthStateKeyPrefix + ":" + state
}

// Create generates a random URL-safe state value and stores its binding with
// the given TTL.
func (s *oauthStateStore) Create(ctx context.Context, record *oauthState, ttl time.Duration) (string, error) {
	raw := make([]byte, oauthStateBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(raw)

	record.ExpiresAt = s.now().Add(ttl).Unix()
	encoded, err := encodeOAuthState(record)
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, s.key(state), encoded, ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", errOAuthStateBackend, err)
	}
	return state, nil
}

// Consume atomically fetches and deletes the state via GETDEL, so a second
// callback replaying the same value observes a miss. Expired-but-not-yet-
// evicted records are also rejected.
func (s *oauthStateStore) Consume(ctx context.Context, state string) (*oauthState, error) {
	data, err := s.redis.GetDel(ctx, s.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errOAuthStateNotFound
		}
		return nil, fmt.Errorf("%w: %v", errOAuthStateBackend, err)
	}
	record, err := decodeOAuthState(data)
	if err != nil {
		return nil, err
	}
	if s.now().Unix() > record.ExpiresAt {
		return nil, errOAuthStateNotFound
	}
	return record, nil
}

func encodeOAuthState(record *oauthState) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(oauthStateVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, record.Provider); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, record.RedirectURI); err != nil {
		return nil, err
	}
	if err := writeString16(&buf, record.LinkIdentityID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeOAuthState(data []byte) (*oauthState, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != oauthStateVersion1 {
		return nil, errors.New("invalid oauth state version")
	}

	record := &oauthState{}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if record.Provider, err = readString16(reader); err != nil {
		return nil, err
	}
	if record.RedirectURI, err = readString16(reader); err != nil {
		return nil, err
	}
	if record.LinkIdentityID, err = readString16(reader); err != nil {
		return nil, err
	}
	return record, nil
}
