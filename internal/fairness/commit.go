// Package fairness implements the two verifiable randomness protocols:
// local commit-reveal and asynchronous oracle entropy.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const SeedBytes = 32

// NewSeed returns 256 bits of randomness, hex encoded.
func NewSeed() (string, error) {
	b := make([]byte, SeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "read random seed")
	}
	return hex.EncodeToString(b), nil
}

// Hash is the hex SHA-256 of the UTF-8 string s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Commit draws a house secret and its commitment.
func Commit() (secret, commitment string, err error) {
	secret, err = NewSeed()
	if err != nil {
		return "", "", err
	}
	return secret, Hash(secret), nil
}

// ComputeResult hashes the concatenation houseSeed||agentSeed||nonce as
// strings, nonce in decimal.
func ComputeResult(houseSeed, agentSeed string, nonce uint64) (string, []byte) {
	sum := sha256.Sum256([]byte(houseSeed + agentSeed + strconv.FormatUint(nonce, 10)))
	return hex.EncodeToString(sum[:]), sum[:]
}

func Verify(commitment, secret string) bool {
	want := strings.ToLower(strings.TrimPrefix(commitment, "0x"))
	got := Hash(secret)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// SameHash compares two hex digests ignoring case and a 0x prefix.
func SameHash(a, b string) bool {
	norm := func(s string) string { return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x")) }
	return subtle.ConstantTimeCompare([]byte(norm(a)), []byte(norm(b))) == 1
}
