package services

import (
	"fmt"
	"regexp"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ReferenceCodeLength is the length of codes generated for new orders.
const ReferenceCodeLength = 8

// Current codes are 8 uppercase alphanumerics; historical orders carry the
// 12 character "ORD-XXXXXXXX" form and must keep resolving.
var referencePattern = regexp.MustCompile(`^(ORD-)?[A-Z0-9]{8}$`)

// NewReferenceCode returns a random buyer-facing order code.
func NewReferenceCode() (string, error) {
	code, err := gonanoid.Generate(referenceAlphabet, ReferenceCodeLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate reference code: %w", err)
	}
	return code, nil
}

// NormalizeReferenceCode upper-cases and trims a code typed by a buyer and
// reports whether it has one of the accepted formats.
func NormalizeReferenceCode(code string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(code))
	return c, referencePattern.MatchString(c)
}
