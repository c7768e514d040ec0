// Package sqlguard enforces the read-only, single-statement SQL policy.
//
// Validate runs on the SQL the planner produces, on corrected queries from
// feedback submissions, and again inside catalog.Execute.
package sqlguard

import (
	"errors"
	"strings"
)

// ValidationError reports a query rejected by Validate. The query was never
// executed and nothing was mutated.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "sql rejected: " + e.Reason
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// bannedPrefixes are mutation keywords checked with a trailing-space
// boundary, so column names like "updated_at" don't trip the scan.
var bannedPrefixes = []string{
	"drop ", "delete ", "update ", "insert ", "create ",
	"alter ", "truncate ", "grant ", "revoke ",
}

// Validate trims the statement, strips at most one trailing semicolon, and
// rejects anything that is not a single SELECT or WITH query. On success it
// returns the trimmed statement. Validate is pure: it mutates nothing and
// either fully succeeds or fully fails.
func Validate(sql string) (string, error) {
	trimmed := strings.TrimSpace(sql)
	trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))

	if trimmed == "" {
		return "", &ValidationError{Reason: "empty statement"}
	}

	// Any remaining semicolon means a second statement was smuggled in.
	if strings.Contains(trimmed, ";") {
		return "", &ValidationError{Reason: "only one statement is allowed (no semicolons)"}
	}

	lowered := strings.ToLower(trimmed)
	for _, kw := range bannedPrefixes {
		if strings.Contains(lowered, kw) {
			return "", &ValidationError{Reason: "destructive statements are not allowed (" + strings.TrimSpace(kw) + ")"}
		}
	}

	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return "", &ValidationError{Reason: "statement must start with SELECT or WITH"}
	}

	return trimmed, nil
}
