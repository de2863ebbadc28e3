// Package app holds the application services and business logic.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"nutrisync/internal/domain"
)

var (
	// ErrInvalidToken indicates a malformed, expired or revoked token.
	ErrInvalidToken = errors.New("token inválido")
	// ErrTokenReuse indicates a rotated refresh token was presented again.
	ErrTokenReuse = errors.New("refresh token reutilizado")
)

const accessTokenType = "access"

// TokenPair is what a session hands to a client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthOptions configures token issuance.
type AuthOptions struct {
	JWTSecret  []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
}

// IdentityProvider verifies tokens issued by an external OpenID provider.
type IdentityProvider interface {
	// Resolve returns the subject and email behind a raw bearer token.
	Resolve(ctx context.Context, raw string) (subject, email string, err error)
}

// AuthService resolves bearer tokens to identities and rotates refresh
// tokens. Login itself belongs to an external component that either calls
// IssueSession or signs access tokens with the shared secret. A subject seen
// for the first time with token version 0 is provisioned.
type AuthService struct {
	users  domain.UserRepository
	tokens domain.RefreshTokenRepository
	idp    IdentityProvider
	audit  AuditSink
	opts   AuthOptions
	now    func() time.Time
}

type accessClaims struct {
	Version int    `json:"ver"`
	Type    string `json:"typ"`
	jwt.RegisteredClaims
}

// NewAuthService creates a new authentication service. idp may be nil.
func NewAuthService(users domain.UserRepository, tokens domain.RefreshTokenRepository, idp IdentityProvider, audit AuditSink, opts AuthOptions) *AuthService {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 30 * 24 * time.Hour
	}
	if opts.Issuer == "" {
		opts.Issuer = "nutrisync"
	}
	return &AuthService{
		users:  users,
		tokens: tokens,
		idp:    idp,
		audit:  audit,
		opts:   opts,
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Authenticate resolves a bearer token to the caller's identity.
func (s *AuthService) Authenticate(ctx context.Context, bearer string) (*domain.Identity, error) {
	raw := strings.TrimSpace(bearer)
	if raw == "" {
		return nil, domain.ErrUnauthenticated
	}
	if s.idp != nil {
		return s.authenticateExternal(ctx, raw)
	}

	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.opts.JWTSecret, nil
	}, jwt.WithIssuer(s.opts.Issuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || claims.Type != accessTokenType || claims.Subject == "" {
		return nil, domain.ErrUnauthenticated
	}

	user, err := s.users.GetUser(ctx, claims.Subject)
	if errors.Is(err, domain.ErrNotFound) {
		if claims.Version != 0 {
			return nil, domain.ErrUnauthenticated
		}
		user, err = s.users.EnsureUser(ctx, claims.Subject, "")
	}
	if err != nil {
		return nil, err
	}
	if user.TokenVersion != claims.Version {
		return nil, domain.ErrUnauthenticated
	}
	return &domain.Identity{UserID: user.ID, TokenVersion: user.TokenVersion, Email: user.Email}, nil
}

func (s *AuthService) authenticateExternal(ctx context.Context, raw string) (*domain.Identity, error) {
	sub, email, err := s.idp.Resolve(ctx, raw)
	if err != nil || sub == "" {
		return nil, domain.ErrUnauthenticated
	}
	user, err := s.users.EnsureUser(ctx, sub, email)
	if err != nil {
		return nil, err
	}
	return &domain.Identity{UserID: user.ID, TokenVersion: user.TokenVersion, Email: user.Email}, nil
}

// IssueSession mints an access token and a refresh token for userID,
// creating the user on first login.
func (s *AuthService) IssueSession(ctx context.Context, userID string) (*TokenPair, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrUnauthenticated
	}
	user, err := s.users.EnsureUser(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, user)
}

func (s *AuthService) issue(ctx context.Context, user *domain.User) (*TokenPair, error) {
	now := s.now()
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Version: user.TokenVersion,
		Type:    accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}).SignedString(s.opts.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	secret, err := generateToken()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	rt := &domain.RefreshToken{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		Hash:         string(hash),
		TokenVersion: user.TokenVersion,
		ExpiresAt:    now.Add(s.opts.RefreshTTL),
		CreatedAt:    now,
	}
	if err := s.tokens.CreateRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: rt.ID + "." + secret,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.opts.AccessTTL / time.Second),
	}, nil
}

// Refresh exchanges a refresh token for a new pair. Each refresh token is
// single use; presenting a rotated one revokes every session of the user.
func (s *AuthService) Refresh(ctx context.Context, raw string) (*TokenPair, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidToken
	}
	rt, err := s.tokens.GetRefreshToken(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rt.Hash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	now := s.now()
	if rt.RotatedAt != nil {
		return nil, s.reuseDetected(ctx, rt.UserID)
	}
	if now.After(rt.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	user, err := s.users.GetUser(ctx, rt.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if user.TokenVersion != rt.TokenVersion {
		return nil, ErrInvalidToken
	}
	rotated, err := s.tokens.MarkRotated(ctx, rt.ID, now)
	if err != nil {
		return nil, err
	}
	if !rotated {
		return nil, s.reuseDetected(ctx, rt.UserID)
	}

	pair, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(ctx, AuditEntry{
		Event:   EventAuthRefresh,
		UserID:  user.ID,
		Details: map[string]any{"refresh_token": pair.RefreshToken, "rotacionado": rt.ID},
	})
	return pair, nil
}

func (s *AuthService) reuseDetected(ctx context.Context, userID string) error {
	if _, err := s.users.BumpTokenVersion(ctx, userID); err != nil {
		return err
	}
	s.audit.Emit(ctx, AuditEntry{
		Event:   EventAuthRevoked,
		UserID:  userID,
		Details: map[string]any{"motivo": "refresh token reutilizado"},
	})
	return ErrTokenReuse
}

// Revoke invalidates every outstanding token of userID.
func (s *AuthService) Revoke(ctx context.Context, userID string) error {
	if _, err := s.users.BumpTokenVersion(ctx, userID); err != nil {
		return err
	}
	s.audit.Emit(ctx, AuditEntry{Event: EventAuthRevoked, UserID: userID, Details: map[string]any{"motivo": "revogação"}})
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// OIDCProvider verifies ID tokens with go-oidc and falls back to the
// userinfo endpoint for opaque access tokens.
type OIDCProvider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCProvider discovers issuer and builds a verifier for clientID.
func NewOIDCProvider(ctx context.Context, issuer, clientID string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &OIDCProvider{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID, SkipClientIDCheck: clientID == ""}),
	}, nil
}

// Resolve implements IdentityProvider.
func (p *OIDCProvider) Resolve(ctx context.Context, raw string) (string, string, error) {
	var claims struct {
		Email string `json:"email"`
	}
	if tok, err := p.verifier.Verify(ctx, raw); err == nil {
		_ = tok.Claims(&claims)
		return tok.Subject, claims.Email, nil
	}
	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: raw}))
	if err != nil {
		return "", "", fmt.Errorf("oidc userinfo: %w", err)
	}
	return info.Subject, info.Email, nil
}
