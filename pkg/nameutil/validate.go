// Package nameutil normalizes and validates identifiers and display text
// recorded by trail.
package nameutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jvs-project/trail/pkg/errclass"
)

var (
	nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	hashRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// MaxTitleLen bounds denormalized titles, in runes.
const MaxTitleLen = 512

// NormalizeTitle returns title in NFC with control characters removed and
// surrounding whitespace trimmed, truncated to MaxTitleLen runes. Equal
// titles typed on different platforms hash identically after this.
func NormalizeTitle(title string) string {
	title = norm.NFC.String(title)
	title = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\t' {
			return -1
		}
		return r
	}, title)
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > MaxTitleLen {
		title = string(r[:MaxTitleLen])
	}
	return title
}

// ValidateName checks tier keys, stream ids and similar identifiers.
func ValidateName(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}

	name = norm.NFC.String(name)

	if strings.Contains(name, "..") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain '..': %s", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain separators: %s", name)
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}

	if !nameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("name must match [a-zA-Z0-9._-]+: %s", name)
	}

	return nil
}

// ValidateHash checks that h is a lowercase hex SHA-256 digest. Blob keys
// become file names, so nothing else may reach the filesystem.
func ValidateHash(h string) error {
	if !hashRegex.MatchString(h) {
		return errclass.ErrNameInvalid.WithMessagef("not a sha256 hex digest: %q", h)
	}
	return nil
}

// ScopeFileName maps a chain scope to a file-system safe name.
func ScopeFileName(scope string) (string, error) {
	name := strings.ReplaceAll(scope, ":", "_")
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
