package sts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Sentinel errors for the HTTP boundary. The messages carry the class name
// so the retry wrapper's substring denylist treats them as terminal.
var (
	// ErrInvalidRole means the ARN is malformed or the role does not exist;
	// the user has to fix their input.
	ErrInvalidRole = errors.New("InvalidRole")

	// ErrPermissionDenied means the trust policy or external ID does not
	// allow the assumption; the user has to fix the role configuration.
	ErrPermissionDenied = errors.New("PermissionDenied")
)

// errorRule maps a provider error signature to a sentinel. Code matches are
// exact against the smithy API error code; substring matches run against the
// full error text. Telling "role not found" apart from "external ID
// mismatch" this way is best-effort: STS deliberately reports both as access
// denied in most configurations, so the substring rules only improve the
// message when the provider happens to be specific.
type errorRule struct {
	code     string
	substr   string
	sentinel error
	detail   string
}

var errorRules = []errorRule{
	{code: "AccessDenied", sentinel: ErrPermissionDenied,
		detail: "access denied, verify the role ARN, external ID and trust policy"},
	{code: "NoSuchEntity", sentinel: ErrInvalidRole,
		detail: "role not found, verify it exists in the target account"},
	{substr: "InvalidUserID.NotFound", sentinel: ErrInvalidRole,
		detail: "role not found, verify it exists in the target account"},
	{substr: "ExternalId", sentinel: ErrPermissionDenied,
		detail: "external ID rejected, verify it matches the trust policy condition"},
	{substr: "AccessDenied", sentinel: ErrPermissionDenied,
		detail: "access denied, verify the role ARN, external ID and trust policy"},
}

// translateError maps a provider error to the typed taxonomy. Unmapped
// errors are surfaced verbatim rather than guessed at.
func translateError(roleArn string, err error) error {
	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	msg := err.Error()

	for _, rule := range errorRules {
		if rule.code != "" && rule.code == code {
			return fmt.Errorf("%w: %s (%s): %v", rule.sentinel, rule.detail, roleArn, err)
		}
		if rule.substr != "" && strings.Contains(msg, rule.substr) {
			return fmt.Errorf("%w: %s (%s): %v", rule.sentinel, rule.detail, roleArn, err)
		}
	}

	return fmt.Errorf("assuming role %s: %w", roleArn, err)
}
