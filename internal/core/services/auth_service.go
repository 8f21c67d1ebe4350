package services

import (
	"context"
	"errors"
	"time"

	"livecast/internal/core/domain"
	apperrors "livecast/pkg/errors"
	"livecast/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims binds a token to one participant.
type Claims struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 participant tokens for the relay.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for id. An empty id gets a generated one.
func (s *TokenService) Issue(id domain.ParticipantID) (string, domain.ParticipantID, error) {
	if id == "" {
		id = domain.ParticipantID(uuid.NewString())
	}
	if err := validation.ValidateParticipantID(string(id)); err != nil {
		return "", "", apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error())
	}

	now := s.now()
	claims := &Claims{
		ParticipantID: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to sign token")
	}
	return token, id, nil
}

// Validate returns the claims of a well-signed, unexpired token. Failures
// are UNAUTHORIZED app errors wrapping ErrInvalidToken or ErrExpiredToken.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.WrapError(ErrExpiredToken, apperrors.ErrCodeUnauthorized, "token expired")
		}
		return nil, apperrors.WrapError(ErrInvalidToken, apperrors.ErrCodeUnauthorized, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ParticipantID == "" {
		return nil, apperrors.WrapError(ErrInvalidToken, apperrors.ErrCodeUnauthorized, "invalid token")
	}
	return claims, nil
}

// TokenIdentity reads the participant id out of a relay-issued token. The
// client cannot verify the signature; the relay does that on connect.
type TokenIdentity struct {
	token string
}

func NewTokenIdentity(token string) *TokenIdentity {
	return &TokenIdentity{token: token}
}

func (i *TokenIdentity) ParticipantID(ctx context.Context) (domain.ParticipantID, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(i.token, claims); err != nil {
		return "", apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "malformed token")
	}
	if claims.ParticipantID == "" {
		return "", apperrors.WrapError(ErrInvalidToken, apperrors.ErrCodeUnauthorized, "token carries no participant id")
	}
	return claims.ParticipantID, nil
}

// StaticIdentity is a fixed participant id, generated when empty.
type StaticIdentity domain.ParticipantID

func NewStaticIdentity(id string) StaticIdentity {
	if id == "" {
		id = uuid.NewString()
	}
	return StaticIdentity(id)
}

func (i StaticIdentity) ParticipantID(ctx context.Context) (domain.ParticipantID, error) {
	return domain.ParticipantID(i), nil
}
