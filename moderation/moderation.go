// Package moderation classifies and redacts user supplied text.
package moderation

import (
	"regexp"
	"strings"
	"unicode"

	"arcade/apperr"
)

type Verdict int

const (
	Allowed Verdict = iota
	Banned
)

// Filter is the moderation collaborator consumed by messaging and sign-up.
type Filter interface {
	Classify(text string) Verdict
	Redact(text string) string
}

var (
	ErrUsernameLength  = apperr.New(apperr.ErrValidation, "username must be 3-20 characters")
	ErrUsernameCharset = apperr.New(apperr.ErrValidation, "username may only contain letters, digits, '-' and '_'")
	ErrUsernameBanned  = apperr.New(apperr.ErrValidation, "username contains a banned word")
)

var (
	DefaultBanned = []string{"viagra", "casino"}
	DefaultMasked = []string{"crypto", "bitcoin"}
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	urlPattern      = regexp.MustCompile(`(?i)https?://`)
)

// WordList rejects text containing a banned word and masks masked words with
// asterisks. Matching is case-insensitive substring matching.
type WordList struct {
	banned []string
	masked []*regexp.Regexp
}

func NewWordList(banned, masked []string) *WordList {
	w := &WordList{}
	for _, b := range banned {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			w.banned = append(w.banned, b)
		}
	}
	for _, m := range masked {
		if m = strings.TrimSpace(m); m != "" {
			w.masked = append(w.masked, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(m)))
		}
	}
	return w
}

func (w *WordList) Classify(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Banned
	}
	lower := strings.ToLower(text)
	for _, b := range w.banned {
		if strings.Contains(lower, b) {
			return Banned
		}
	}
	return Allowed
}

func (w *WordList) Redact(text string) string {
	for _, re := range w.masked {
		text = re.ReplaceAllStringFunc(text, func(match string) string {
			return strings.Repeat("*", len([]rune(match)))
		})
	}
	return text
}

// ValidateUsername checks length, charset and the banned list.
func ValidateUsername(f Filter, username string) error {
	if n := len(username); n < 3 || n > 20 {
		return ErrUsernameLength
	}
	if !usernamePattern.MatchString(username) {
		return ErrUsernameCharset
	}
	if f != nil && f.Classify(username) == Banned {
		return ErrUsernameBanned
	}
	return nil
}

// IsSpam flags runs of six identical characters, shouting, and links.
func IsSpam(text string) bool {
	run, prev := 0, rune(-1)
	letters, upper := 0, 0
	for _, r := range text {
		if r == prev {
			run++
			if run >= 6 {
				return true
			}
		} else {
			run, prev = 1, r
		}
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}

	runes := len([]rune(text))
	if runes > 10 && float64(upper)/float64(runes) > 0.7 {
		return true
	}
	return urlPattern.MatchString(text)
}
