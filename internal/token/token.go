// Package token выпускает криптографически стойкие одноразовые коды выкупа.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// codeBytes — 32 байта энтропии дают 43-символьный URL-safe код,
// неподбираемый перебором.
const codeBytes = 32

// Generator выпускает уникальные URL-safe коды выкупа.
type Generator interface {
	Generate() (string, error)
}

type secureGenerator struct{}

// NewGenerator возвращает генератор на основе crypto/rand.
func NewGenerator() Generator {
	return secureGenerator{}
}

// Generate возвращает новый код: base64url без паддинга поверх случайных байт.
func (secureGenerator) Generate() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
