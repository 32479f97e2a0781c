// Package token issues opaque guest session tokens.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the number of random bytes in a token (256 bits).
const Size = 32

// Issuer generates session tokens.
type Issuer interface {
	Issue() (string, error)
}

// Random draws tokens from a cryptographic source and hex-encodes them.
type Random struct {
	// Source defaults to crypto/rand.
	Source io.Reader
}

func (r Random) Issue() (string, error) {
	src := r.Source
	if src == nil {
		src = rand.Reader
	}
	b := make([]byte, Size)
	if _, err := io.ReadFull(src, b); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Valid reports whether s has the shape of an issued token.
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
