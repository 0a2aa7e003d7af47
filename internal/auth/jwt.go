package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"ragline.dev/ragline/internal/config"
)

const tokenTTL = 24 * time.Hour

// GenerateJWT mints an HS256 token whose subject is the tenant's username.
// The tenant record is resolved fresh on every request, so a token stops
// working as soon as the tenant is removed.
func GenerateJWT(username string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	})
	return token.SignedString([]byte(config.AppConfig.JWTSecret))
}

// ValidateJWT checks signature and expiry and returns the subject.
func ValidateJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(config.AppConfig.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}
