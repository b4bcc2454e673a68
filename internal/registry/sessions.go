package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"setu/internal/platform/middleware"
	"setu/internal/sentinel"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// SessionService issues and validates the HMAC session tokens participants
// present at the gateway perimeter.
type SessionService struct {
	registry   *Registry
	signingKey []byte
	tokenTTL   time.Duration
}

// NewSessionService constructs a session service over the participant registry.
func NewSessionService(registry *Registry, signingKey string, tokenTTL time.Duration) *SessionService {
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	return &SessionService{
		registry:   registry,
		signingKey: []byte(signingKey),
		tokenTTL:   tokenTTL,
	}
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Session is the issued token plus its validity window.
type Session struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// Issue authenticates client credentials and mints a session token.
func (s *SessionService) Issue(clientID domain.ParticipantID, clientSecret string) (*Session, error) {
	p, err := s.registry.Authenticate(clientID, clientSecret)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrInvalidInput) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid client credentials")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "authenticate participant")
	}

	now := time.Now()
	claims := sessionClaims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "sign session token")
	}

	return &Session{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.tokenTTL.Seconds()),
	}, nil
}

// ValidateToken implements middleware.SessionValidator.
func (s *SessionService) ValidateToken(tokenString string) (*middleware.SessionClaims, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("session token invalid")
	}
	return &middleware.SessionClaims{
		ParticipantID: claims.Subject,
		Role:          claims.Role,
	}, nil
}
