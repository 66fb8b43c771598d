package invoices

import (
	"crypto/rand"
	"math/big"
)

const (
	invoiceIDLength = 22
	// Unambiguous alphanumerics: no 0/O, 1/I/l.
	invoiceIDAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
)

var alphabetSize = big.NewInt(int64(len(invoiceIDAlphabet)))

// NewInvoiceID returns a random opaque invoice id safe to show customers.
func NewInvoiceID() (string, error) {
	out := make([]byte, invoiceIDLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		out[i] = invoiceIDAlphabet[n.Int64()]
	}
	return string(out), nil
}
