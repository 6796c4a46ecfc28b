// Package validate holds the input checks for account IDs, external IDs and
// role ARNs. All functions are pure and never panic; callers decide what to
// do with a false result.
package validate

import (
	"regexp"
	"strings"
)

var (
	accountIDRe  = regexp.MustCompile(`^\d{12}$`)
	// Go's regexp rejects repeat counts above 1000, so the 2..1224 length
	// bound is enforced separately in ExternalID.
	externalIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	roleArnRe    = regexp.MustCompile(`^arn:aws:iam::\d{12}:role/[\w+=,.@-]+$`)
	arnAccountRe = regexp.MustCompile(`^arn:aws:iam::(\d{12}):role/`)
)

// AccountID reports whether s is a valid AWS account ID (12 digits).
func AccountID(s string) bool {
	return accountIDRe.MatchString(strings.TrimSpace(s))
}

// ExternalID reports whether s is a valid external ID: alphanumeric plus
// hyphen/underscore, 2 to 1224 characters.
func ExternalID(s string) bool {
	t := strings.TrimSpace(s)
	return len(t) >= 2 && len(t) <= 1224 && externalIDRe.MatchString(t)
}

// SanitizeExternalID strips surrounding whitespace.
func SanitizeExternalID(s string) string {
	return strings.TrimSpace(s)
}

// RoleArn reports whether s is a well-formed IAM role ARN.
func RoleArn(s string) bool {
	return roleArnRe.MatchString(s)
}

// AccountIDFromArn extracts the 12-digit account ID from a role ARN.
// The second return value is false when the ARN does not carry one.
func AccountIDFromArn(s string) (string, bool) {
	m := arnAccountRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}
