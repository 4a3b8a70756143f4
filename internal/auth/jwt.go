package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in tokens.
const (
	RoleSubscriber = "subscriber"
	RoleAdmin      = "admin"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identifies the caller. Subscriber tokens are minted by the membership site with the
// shared secret and carry the subscriber id; admin tokens come from Login.
type Claims struct {
	SubscriberID int64  `json:"subscriber_id,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role"`
	jwt.RegisteredClaims
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	if expireHours <= 0 {
		expireHours = 24
	}
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

func (s *JWTService) sign(claims Claims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// GenerateSubscriber issues a subscriber token.
func (s *JWTService) GenerateSubscriber(subscriberID int64) (string, error) {
	return s.sign(Claims{SubscriberID: subscriberID, Role: RoleSubscriber})
}

// GenerateAdmin issues an operator token.
func (s *JWTService) GenerateAdmin(email string) (string, error) {
	return s.sign(Claims{Email: email, Role: RoleAdmin})
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role == RoleSubscriber && claims.SubscriberID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
