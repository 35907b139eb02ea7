package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// JWTGenerator 以 HS256 簽章的 token 作為 value 憑證
type JWTGenerator struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewJWTGenerator 以 key 簽章；ttl 為 0 時 token 不過期
func NewJWTGenerator(key []byte, issuer string, ttl time.Duration) *JWTGenerator {
	return &JWTGenerator{key: key, ttl: ttl, issuer: issuer, now: time.Now}
}

// Generate subject 為 principal.Value，principal 的 claims 一併寫入 token
func (g *JWTGenerator) Generate(ctx context.Context, principal Principal) (*Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if principal.Value == "" {
		return nil, fmt.Errorf("%w: empty principal", ErrInvalidSecret)
	}

	now := g.now()
	claims := jwt.MapClaims{
		"sub": principal.Value,
		"iat": now.Unix(),
	}
	if g.issuer != "" {
		claims["iss"] = g.issuer
	}
	if g.ttl > 0 {
		claims["exp"] = now.Add(g.ttl).Unix()
	}
	for k, v := range principal.Claims {
		if _, reserved := claims[k]; !reserved {
			claims[k] = v
		}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign executor token: %w", err)
	}
	return &Secret{Type: TypeValue, Value: []byte(signed)}, nil
}

// Verify 驗證本 generator 簽發的 token，回傳 subject
func (g *JWTGenerator) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return sub, nil
}
