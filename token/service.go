package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type discriminates the token classes issued by the [Service]. It is carried
// in the "typ" claim of every token.
type Type string

const (
	// TypeAccess tokens authenticate API requests (minutes).
	TypeAccess Type = "access"
	// TypeRefresh tokens mint new access tokens (weeks).
	TypeRefresh Type = "refresh"
	// TypeReauth tokens gate high-sensitivity mutations (minutes).
	TypeReauth Type = "reauth"
	// TypeMFASession tokens carry a pending MFA challenge (minutes).
	TypeMFASession Type = "mfa_session"
	// TypeUnknown is returned by IdentifyType for unparseable tokens.
	TypeUnknown Type = ""
)

// SigningMethod selects the signature algorithm.
type SigningMethod string

const (
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with an Ed25519 private key.
	MethodEd25519 SigningMethod = "ed25519"
)

var (
	// ErrInvalid is returned for tokens failing signature, claim, or type
	// checks.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired is returned for well-formed tokens past their expiry.
	ErrExpired = errors.New("token expired")
	// ErrSessionInvalidated is returned by RefreshAccess when the refresh
	// token's session-version snapshot trails the current value.
	ErrSessionInvalidated = errors.New("session invalidated")
)

// Claims is the signed claims set shared by all token types. Subject carries
// the identity id and ID the jti.
type Claims struct {
	Email          string   `json:"eml,omitempty"`
	SessionVersion uint64   `json:"sev"`
	TokenType      Type     `json:"typ"`
	Scope          string   `json:"scope,omitempty"`
	Attempts       int      `json:"attempts,omitempty"`
	Methods        []string `json:"methods,omitempty"`
	jwt.RegisteredClaims
}

// Config holds the token service tuning parameters. AccessTTL, RefreshTTL,
// ReauthTTL, and MFASessionTTL must all be positive.
type Config struct {
	SigningMethod SigningMethod
	// Secret is the HMAC key for MethodHS256.
	Secret []byte
	// PrivateKey/PublicKey are the Ed25519 key pair for MethodEd25519.
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey

	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ReauthTTL     time.Duration
	MFASessionTTL time.Duration
	Leeway        time.Duration
}

// Service issues and verifies tokens. It is immutable after construction and
// safe for concurrent use.
type Service struct {
	config Config
	now    func() time.Time
}

// NewService validates cfg and returns a [Service]. The now function defaults
// to time.Now and exists for clock injection in tests.
func NewService(cfg Config, now func() time.Time) (*Service, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.ReauthTTL <= 0 || cfg.MFASessionTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Secret) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
			return nil, errors.New("ed25519 requires a private key")
		}
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, errors.New("ed25519 requires a public key")
		}
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.SigningMethod)
	}
	if now == nil {
		now = time.Now
	}
	return &Service{config: cfg, now: now}, nil
}

// IssueAccess signs a short-lived access token carrying the identity id,
// email, and the session version at issuance time.
func (s *Service) IssueAccess(identityID, email string, sessionVersion uint64) (string, error) {
	return s.sign(Claims{
		Email:          email,
		SessionVersion: sessionVersion,
		TokenType:      TypeAccess,
	}, identityID, s.config.AccessTTL)
}

// IssueRefresh signs a long-lived refresh token carrying only the identity id
// and session version.
func (s *Service) IssueRefresh(identityID string, sessionVersion uint64) (string, error) {
	return s.sign(Claims{
		SessionVersion: sessionVersion,
		TokenType:      TypeRefresh,
	}, identityID, s.config.RefreshTTL)
}

// IssueReauth signs a very short-lived step-up token scoped to one
// high-sensitivity operation (e.g. "email:change").
func (s *Service) IssueReauth(identityID string, sessionVersion uint64, scope string) (string, error) {
	return s.sign(Claims{
		SessionVersion: sessionVersion,
		TokenType:      TypeReauth,
		Scope:          scope,
	}, identityID, s.config.ReauthTTL)
}

// IssueMFASession signs the challenge session token handed back when primary
// authentication succeeds but a second factor is pending. It returns the
// token and its jti, which keys the server-side attempt state.
func (s *Service) IssueMFASession(identityID string, sessionVersion uint64, attempts int, methods []string) (string, string, error) {
	jti := uuid.NewString()
	signed, err := s.signWithID(Claims{
		SessionVersion: sessionVersion,
		TokenType:      TypeMFASession,
		Attempts:       attempts,
		Methods:        methods,
	}, identityID, jti, s.config.MFASessionTTL)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// Verify validates signature, expiry, and the "typ" claim. It never touches
// the store; a session-version comparison is the caller's job where one is
// required.
func (s *Service) Verify(tokenString string, want Type) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, s.keyfunc,
		jwt.WithValidMethods(s.validMethods()),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithLeeway(s.config.Leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid || claims.TokenType != want || claims.Subject == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// RefreshAccess verifies refreshToken and mints a new access token bound to
// currentSessionVersion. It fails with [ErrSessionInvalidated] when the
// refresh token's embedded session version does not equal the current value
// supplied by the caller.
func (s *Service) RefreshAccess(refreshToken, email string, currentSessionVersion uint64) (string, error) {
	claims, err := s.Verify(refreshToken, TypeRefresh)
	if err != nil {
		return "", err
	}
	if claims.SessionVersion != currentSessionVersion {
		return "", ErrSessionInvalidated
	}
	return s.IssueAccess(claims.Subject, email, currentSessionVersion)
}

// IdentifyType inspects the "typ" claim without verifying the signature.
// It is a routing aid only and grants nothing.
func (s *Service) IdentifyType(tokenString string) Type {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return TypeUnknown
	}
	switch claims.TokenType {
	case TypeAccess, TypeRefresh, TypeReauth, TypeMFASession:
		return claims.TokenType
	}
	return TypeUnknown
}

func (s *Service) sign(claims Claims, identityID string, ttl time.Duration) (string, error) {
	return s.signWithID(claims, identityID, uuid.NewString(), ttl)
}

func (s *Service) signWithID(claims Claims, identityID, jti string, ttl time.Duration) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   identityID,
		ID:        jti,
		Issuer:    s.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	var (
		tok *jwt.Token
		key any
	)
	switch s.config.SigningMethod {
	case MethodEd25519:
		tok = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		key = s.config.PrivateKey
	default:
		tok = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		key = s.config.Secret
	}
	return tok.SignedString(key)
}

func (s *Service) keyfunc(t *jwt.Token) (any, error) {
	switch s.config.SigningMethod {
	case MethodEd25519:
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.config.PublicKey, nil
	default:
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.config.Secret, nil
	}
}

func (s *Service) validMethods() []string {
	if s.config.SigningMethod == MethodEd25519 {
		return []string{"EdDSA"}
	}
	return []string{"HS256"}
}

// TrimBearer strips an optional "Bearer " prefix from an Authorization
// header value.
func TrimBearer(v string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "Bearer"))
}
