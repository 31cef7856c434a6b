// Package auth mints and verifies the HS256 tokens carried in the protocol
// handshake. The client mints a token from its connection options; peers
// verify it and reject the handshake with an authentication-failed condition
// on mismatch.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL bounds how long a minted handshake token stays valid. Tokens are
// minted per connection attempt, so the window only needs to cover one
// handshake.
const TokenTTL = 2 * time.Minute

// Claims are the validated handshake token claims.
type Claims struct {
	User        string // sub
	ContainerID string // iss
	VirtualHost string // aud
}

// Mint creates a signed handshake token binding the user to the container
// and virtual host of this attempt.
func Mint(secret, user, containerID, vhost string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user,
		"iss": containerID,
		"aud": vhost,
		"iat": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing handshake token: %w", err)
	}
	return signed, nil
}

// Verify validates a handshake token against the shared secret and the
// peer's virtual host. The issuer (container ID) is extracted, not enforced:
// any container may connect, but the token must be bound to this vhost.
func Verify(tokenStr, secret, vhost string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(vhost),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{VirtualHost: vhost}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.User = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.ContainerID = iss
	}
	return claims, nil
}
