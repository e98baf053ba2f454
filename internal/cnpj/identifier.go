// Package cnpj implements the identifier codec for Brazilian legal
// entity identifiers (CNPJ): stripping cosmetic separators, validating
// shape, splitting into base/order/check, and deriving the two-character
// partition prefix used to route rows and documents across the
// pipeline's 100 buckets.
package cnpj

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opencnpj/etl-engine/internal/errs"
)

const (
	// Length is the size of a valid identifier after Strip.
	Length = 14
	// BaseLength, OrderLength and CheckLength are the sizes of the
	// three identifier segments; they sum to Length.
	BaseLength  = 8
	OrderLength = 4
	CheckLength = 2
)

var (
	maskChars = regexp.MustCompile(`[./-]`)
	shape     = regexp.MustCompile(`^[A-Z0-9]{12}[0-9]{2}$`)
)

// ID is a parsed identifier.
type ID struct {
	Base   string
	Order  string
	Check  string
}

// String returns the 14-character concatenated identifier.
func (id ID) String() string {
	return id.Base + id.Order + id.Check
}

// Prefix returns the two-character partition key: the first two
// characters of Base.
func (id ID) Prefix() string {
	return id.Base[:2]
}

// Strip removes the cosmetic separators '.', '/' and '-' and uppercases
// the result. Empty or all-whitespace input yields "".
func Strip(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return strings.ToUpper(maskChars.ReplaceAllString(s, ""))
}

// Valid reports whether s, after Strip, is a well-formed identifier:
// exactly 14 characters, matching [A-Z0-9]{12}[0-9]{2}, and not a run
// of one repeated character (the registry's sentinel for invalid rows).
func Valid(s string) bool {
	stripped := Strip(s)
	if len(stripped) != Length {
		return false
	}
	if !shape.MatchString(stripped) {
		return false
	}
	return !isRepeated(stripped)
}

func isRepeated(s string) bool {
	if len(s) == 0 {
		return false
	}
	first := s[0]
	for i := 1; i < len(s); i++ {
		if s[i] != first {
			return false
		}
	}
	return true
}

// Parse strips and validates s, then splits it into base/order/check.
// It fails with errs.ErrMalformedIdentifier when the stripped form is
// not exactly Length characters; shape/sentinel rejection (Valid) is
// reported through the same error so callers only need one branch.
func Parse(s string) (ID, error) {
	stripped := Strip(s)
	if len(stripped) != Length {
		return ID{}, fmt.Errorf("%w: %q has %d characters after strip, want %d", errs.ErrMalformedIdentifier, s, len(stripped), Length)
	}
	if !shape.MatchString(stripped) || isRepeated(stripped) {
		return ID{}, fmt.Errorf("%w: %q is not a valid CNPJ shape", errs.ErrMalformedIdentifier, s)
	}
	return ID{
		Base:  stripped[:BaseLength],
		Order: stripped[BaseLength : BaseLength+OrderLength],
		Check: stripped[BaseLength+OrderLength:],
	}, nil
}

// Prefix returns the two-character partition key for a raw (unstripped)
// identifier string: the first two characters after Strip, which equal
// Parse(s).Prefix() for a valid identifier. It does no validation beyond
// requiring at least two characters after stripping.
func Prefix(s string) (string, error) {
	stripped := Strip(s)
	if len(stripped) < 2 {
		return "", fmt.Errorf("%w: %q too short for a prefix", errs.ErrMalformedIdentifier, s)
	}
	return stripped[:2], nil
}

// AllPrefixes returns the 100 partition keys "00".."99" in order.
func AllPrefixes() []string {
	out := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		out = append(out, fmt.Sprintf("%02d", i))
	}
	return out
}
