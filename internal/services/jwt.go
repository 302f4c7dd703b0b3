package services

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const oracleSubject = "entropy-oracle"

type OracleClaims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// JWTService issues and checks the HS256 tokens the entropy relay uses
// to post oracle callbacks.
type JWTService struct {
	secret []byte
}

func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

func (s *JWTService) GenerateOracleToken(provider string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := OracleClaims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   oracleSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *JWTService) ValidateToken(tokenString string) (*OracleClaims, error) {
	claims := &OracleClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject(oracleSubject))
	if err != nil {
		return nil, errors.Wrap(err, "invalid oracle token")
	}
	if !token.Valid {
		return nil, errors.New("invalid oracle token")
	}
	return claims, nil
}
