package normalize

import (
	"regexp"
)

// DefaultTicketPattern matches issue keys such as PAY-123.
const DefaultTicketPattern = `[A-Z][A-Z0-9]+-\d+`

var defaultTicketRe = regexp.MustCompile(DefaultTicketPattern)

// TicketMatcher compiles a team's override pattern. An empty or invalid
// override yields the default pattern.
func TicketMatcher(override string) *regexp.Regexp {
	if override == "" {
		return defaultTicketRe
	}
	re, err := regexp.Compile(override)
	if err != nil {
		return defaultTicketRe
	}
	return re
}

// ExtractTicketRef returns the first match of re in candidates, scanned in
// order (branch name, title, body).
func ExtractTicketRef(re *regexp.Regexp, candidates ...string) *string {
	for _, c := range candidates {
		if m := re.FindString(c); m != "" {
			return &m
		}
	}
	return nil
}
