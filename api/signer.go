package api

import (
	"crypto/hmac"
	"crypto/sha512"

	"github.com/gbrlsnchs/jwt/v3"
	"golang.org/x/xerrors"
)

// Signer authenticates backend requests. Hardware backed signers implement
// the same interface.
type Signer interface {
	// Sign returns the signature of message
	Sign(message []byte) ([]byte, error)
	// BuildJWT returns a signed bearer token carrying claims
	BuildJWT(claims Claims) (string, error)
}

// HMACSigner signs with a shared secret: HMAC-SHA384 request signatures and
// HS256 tokens.
type HMACSigner struct {
	secret []byte
	alg    *jwt.HMACSHA
}

// NewHMACSigner creates a signer from the shared gateway secret
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, xerrors.New("empty signing secret")
	}
	return &HMACSigner{secret: secret, alg: jwt.NewHS256(secret)}, nil
}

func (s *HMACSigner) Sign(message []byte) ([]byte, error) {
	h := hmac.New(sha512.New384, s.secret)
	h.Write(message)
	return h.Sum(nil), nil
}

func (s *HMACSigner) BuildJWT(claims Claims) (string, error) {
	token, err := jwt.Sign(&claims, s.alg)
	if err != nil {
		return "", xerrors.Errorf("signing token: %w", err)
	}
	return string(token), nil
}

// VerifyJWT checks token against the signer secret and decodes its claims
func (s *HMACSigner) VerifyJWT(token string) (Claims, error) {
	var claims Claims
	if _, err := jwt.Verify([]byte(token), s.alg, &claims); err != nil {
		return Claims{}, xerrors.Errorf("verifying token: %w", err)
	}
	return claims, nil
}
