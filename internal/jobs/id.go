package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/oklog/ulid/v2"
)

// Job ids are "kk_" plus a 26-char Crockford base32 ULID, so ids sort
// by creation time. Tokens are 32 random bytes hex encoded.
var (
	jobIDPattern = regexp.MustCompile(`^kk_[0-9A-HJKMNP-TV-Z]{26}$`)
	tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// NewID returns a fresh time-ordered job id.
func NewID() string {
	return "kk_" + ulid.Make().String()
}

// ValidID reports whether s is a well-formed job id.
func ValidID(s string) bool {
	return jobIDPattern.MatchString(s)
}

// NewToken returns a 64-char lowercase hex secret.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidToken reports whether s looks like a token issued by NewToken.
func ValidToken(s string) bool {
	return tokenPattern.MatchString(s)
}
