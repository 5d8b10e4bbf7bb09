// Package auth issues and validates the signed tokens that identify the actor
// behind a write.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gartstein/avenue/internal/lab/models"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "qclab-identity"

var ErrInvalidToken = errors.New("invalid token")

func GenerateToken(actor models.Actor, secret string, ttl time.Duration) (string, error) {
	if err := actor.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  string(actor.ID),
		"name": actor.Username,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"iss":  issuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ActorFromToken checks the token signature and expiry and returns the actor
// it was issued to.
func ActorFromToken(tokenString, secret string) (models.Actor, error) {
	claims, err := validateToken(tokenString, secret)
	if err != nil {
		return models.Actor{}, err
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return models.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	name, _ := claims["name"].(string)
	return models.Actor{ID: models.ActorID(sub), Username: name}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("%w: missing Bearer prefix", ErrInvalidToken)
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	return token, nil
}

func validateToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
}
