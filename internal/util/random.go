package util

import (
	"math/rand/v2"
	"strings"
)

// caseRefChars omits characters that are easy to confuse when read aloud (0/O, 1/I).
const caseRefChars = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	return randomFrom("0123456789abcdef", length)
}

// GenerateIntakeID generates a unique intake result ID with "in_" prefix.
func GenerateIntakeID() string {
	return GenerateRandomID("in_", 32)
}

// GenerateCaseRef generates a short case reference the caller can read back over the phone,
// e.g. "IL-7KQ4M2XD".
func GenerateCaseRef() string {
	return "IL-" + randomFrom(caseRefChars, 8)
}

func randomFrom(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return builder.String()
}
