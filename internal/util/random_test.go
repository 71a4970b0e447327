package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantPrefix string
		wantLength int // expected total length: prefix + hexLength
	}{
		{
			name:       "intake ID format",
			prefix:     "in_",
			hexLength:  32,
			wantPrefix: "in_",
			wantLength: 35, // 3 + 32
		},
		{
			name:       "short ID format",
			prefix:     "r_",
			hexLength:  8,
			wantPrefix: "r_",
			wantLength: 10, // 2 + 8
		},
		{
			name:       "custom prefix",
			prefix:     "test_",
			hexLength:  16,
			wantPrefix: "test_",
			wantLength: 21, // 5 + 16
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)

			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.wantPrefix)
			}

			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}

			// Check that the hex part is valid
			hexPart := got[len(tt.wantPrefix):]
			if !isValidHex(hexPart) {
				t.Errorf("GenerateRandomID() hex part = %v is not valid hex", hexPart)
			}
		})
	}
}

func TestGenerateRandomHex(t *testing.T) {
	tests := []struct {
		name   string
		length int
		want   int
	}{
		{"zero length", 0, 0},
		{"negative length", -1, 0},
		{"small length", 8, 8},
		{"medium length", 16, 16},
		{"large length", 64, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomHex(tt.length)

			if len(got) != tt.want {
				t.Errorf("GenerateRandomHex() length = %v, want %v", len(got), tt.want)
			}

			if tt.want > 0 && !isValidHex(got) {
				t.Errorf("GenerateRandomHex() = %v is not valid hex", got)
			}
		})
	}
}

func TestGenerateIntakeID(t *testing.T) {
	got := GenerateIntakeID()

	if !strings.HasPrefix(got, "in_") {
		t.Errorf("GenerateIntakeID() = %v, want prefix in_", got)
	}

	if len(got) != 35 { // "in_" + 32 hex chars
		t.Errorf("GenerateIntakeID() length = %v, want 35", len(got))
	}

	if !isValidHex(got[3:]) {
		t.Errorf("GenerateIntakeID() hex part = %v is not valid hex", got[3:])
	}
}

func TestGenerateCaseRef(t *testing.T) {
	got := GenerateCaseRef()

	if !strings.HasPrefix(got, "IL-") {
		t.Fatalf("GenerateCaseRef() = %v, want prefix IL-", got)
	}
	if len(got) != 11 {
		t.Errorf("GenerateCaseRef() length = %v, want 11", len(got))
	}
	for _, c := range got[3:] {
		if !strings.ContainsRune(caseRefChars, c) {
			t.Errorf("GenerateCaseRef() contains ambiguous character %q", c)
		}
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)

	for i := 0; i < iterations; i++ {
		id := GenerateRandomID("test_", 16)
		if seen[id] {
			t.Errorf("GenerateRandomID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func TestRandomHexUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)

	for i := 0; i < iterations; i++ {
		hex := GenerateRandomHex(16)
		if seen[hex] {
			t.Errorf("GenerateRandomHex() generated duplicate: %v", hex)
		}
		seen[hex] = true
	}
}

// Helper function to validate hex strings
func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
