package moderation

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.StrictPolicy()

// Sanitize removes any HTML and trims whitespace from user input.
func Sanitize(input string) string {
	return strings.TrimSpace(policy.Sanitize(input))
}
