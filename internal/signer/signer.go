// File: internal/signer/signer.go

// Package signer provides the keyed HMAC primitive that links audit entries.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/medtrack/integrity-core/pkg/utils"
)

// Genesis is the predecessor signature of the first entry in a chain.
var Genesis = strings.Repeat("0", sha256.Size*2)

// Signer signs canonical field lists with a fixed secret key
type Signer struct {
	key []byte
}

// New creates a signer. An empty key is a configuration error: audit integrity is never optional.
func New(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Audit signing key is not configured")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// Sign returns the hex HMAC-SHA256 of the canonical encoding of fields followed by prev.
func (s *Signer) Sign(fields []string, prev string) string {
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write(Canonical(fields, prev))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
func (s *Signer) Verify(fields []string, prev, digest string) bool {
	expected := s.Sign(fields, prev)
	return hmac.Equal([]byte(expected), []byte(digest))
}

// Canonical encodes fields in order as "<len>:<value>" so no two distinct
// field lists (including reorderings and delimiter tricks) share an encoding.
func Canonical(fields []string, prev string) []byte {
	var b strings.Builder
	for _, f := range fields {
		writeField(&b, f)
	}
	writeField(&b, prev)
	return []byte(b.String())
}

func writeField(b *strings.Builder, v string) {
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte(':')
	b.WriteString(v)
}
