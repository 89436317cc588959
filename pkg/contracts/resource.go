package contracts

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var keyFolder = cases.Fold()

// ErrInvalidResourceKey is returned for empty keys or keys with control
// characters.
var ErrInvalidResourceKey = errors.New("invalid resource key")

// NormalizeResourceKey returns the canonical form of a resource key: NFC
// normalized, case folded and trimmed. Per-resource serialization and
// fencing are keyed on this form, so visually identical keys cannot open
// two voting slots for the same record.
func NormalizeResourceKey(key string) (string, error) {
	k := strings.TrimSpace(norm.NFC.String(key))
	if k == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidResourceKey)
	}
	if strings.IndexFunc(k, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: %q contains control characters", ErrInvalidResourceKey, key)
	}
	return keyFolder.String(k), nil
}
