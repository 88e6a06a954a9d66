package exchange

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Signer issues the short lived ES256 JWTs Coinbase expects on every request.
type Signer struct {
	keyName string
	key     *ecdsa.PrivateKey
	now     func() time.Time
}

// NewSigner parses a CDP API key secret. Secrets copied from environment
// variables often carry literal "\n" sequences, which are restored first.
func NewSigner(keyName, pemSecret string) (*Signer, error) {
	pemSecret = strings.ReplaceAll(pemSecret, `\n`, "\n")
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemSecret))
	if err != nil {
		return nil, fmt.Errorf("parse api secret: %w", err)
	}
	return &Signer{keyName: keyName, key: key, now: time.Now}, nil
}

// Token signs a JWT for one request, uri being "METHOD host/path".
func (s *Signer) Token(uri string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": s.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": uri,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyName

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	token.Header["nonce"] = hex.EncodeToString(nonce)

	return token.SignedString(s.key)
}
