package invoices

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

// Signer signs invoice ids so metadata echoed back by the processor can be
// trusted.
type Signer struct {
	key []byte
}

func NewSigner(key string) (*Signer, error) {
	if key == "" {
		return nil, errors.New("invoice signing key is required")
	}
	return &Signer{key: []byte(key)}, nil
}

// Sign returns the hex HMAC-SHA512 of invoiceID.
func (s *Signer) Sign(invoiceID string) string {
	mac := hmac.New(sha512.New, s.key)
	mac.Write([]byte(invoiceID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(invoiceID, signature string) bool {
	expected := s.Sign(invoiceID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
