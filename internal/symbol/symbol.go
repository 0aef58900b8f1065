// Package symbol handles ticker symbol validation and canonicalization.
// Symbols compare case-insensitively; the canonical stored form is
// uppercase.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSymbol is returned for symbols that fail validation.
var ErrInvalidSymbol = errors.New("symbol: invalid ticker symbol")

// symbolRegex matches a canonical symbol: 1–16 characters, uppercase
// letters, digits, dots, and dashes, starting with a letter or digit.
// Example: AAPL, BRK.B, BTC-USD
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,15}$`)

// Normalize validates raw and returns its uppercase canonical form.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 1-16 chars of A-Z 0-9 . -)", ErrInvalidSymbol, raw)
	}
	return s, nil
}
