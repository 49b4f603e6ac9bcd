package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the fixed-width UTC layout used for every persisted timestamp.
// Fixed width keeps lexical and chronological order identical in TEXT columns.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// GenerateID generates a random UUIDv4 string
func GenerateID() string {
	return uuid.NewString()
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FormatTimestamp normalizes t to UTC microseconds and formats it with TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		// Accept RFC3339 input from API callers.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}
