// Package identity verifies bearer tokens and turns them into caller identities.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// JWTConfig configures HS256 token verification.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	Logger   *slog.Logger
}

// JWTProvider implements domain.IdentityProvider over HS256 JWTs. The subject
// claim becomes the caller's stable subject id.
type JWTProvider struct {
	secret   []byte
	issuer   string
	audience string
	opts     []jwt.ParserOption
	logger   *slog.Logger
}

// NewJWTProvider validates the configuration.
func NewJWTProvider(cfg JWTConfig) (*JWTProvider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}

	return &JWTProvider{
		secret:   cfg.Secret,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Authenticate verifies a bearer token. Missing or invalid tokens yield an
// unauthenticated identity rather than an error.
func (p *JWTProvider) Authenticate(ctx context.Context, bearer string) (domain.Identity, error) {
	raw := stripBearer(bearer)
	if raw == "" {
		return domain.Anonymous, nil
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, p.opts...)
	if err != nil || !token.Valid {
		p.logger.DebugContext(ctx, "bearer token rejected", "error", err)
		return domain.Anonymous, nil
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		p.logger.DebugContext(ctx, "bearer token has no subject")
		return domain.Anonymous, nil
	}
	return domain.Identity{SubjectID: subject, IsAuthenticated: true}, nil
}

// Issue signs a token for subject that expires after ttl. It backs the CLI's
// token command and tests.
func (p *JWTProvider) Issue(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    p.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if p.audience != "" {
		claims.Audience = jwt.ClaimStrings{p.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func stripBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		header = header[7:]
	}
	return strings.TrimSpace(header)
}
