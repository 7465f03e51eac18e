package rest

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"trendbot/internal/exchange"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func (c *Client) token(query string) (string, error) {
	if c.accessKey == "" || c.secretKey == "" {
		return "", fmt.Errorf("%w: не заданы ключи доступа", exchange.ErrSigning)
	}

	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("%w: %v", exchange.ErrSigning, err)
	}
	return signed, nil
}
