// Package planner turns a natural-language question plus a table catalog
// into a candidate SQL query by calling an OpenAI-compatible chat API with
// a strict two-field output schema. Planner output is untrusted: callers
// must run it through sqlguard before executing or persisting it.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheetsage/sheetsage/internal/catalog"
	"github.com/sheetsage/sheetsage/internal/feedback"
)

// Request carries everything the planner needs for one question.
type Request struct {
	Question string
	Catalog  map[string]catalog.Table
	Examples []feedback.Example
}

// Response is the planner's structured answer.
type Response struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// Planner produces a candidate query for a question. Implementations block
// until the external call completes or ctx is done.
type Planner interface {
	Plan(ctx context.Context, req Request) (Response, error)
}

// Error wraps any planner-side failure (network, bad status, malformed or
// incomplete output) so callers can distinguish it from validation and
// execution errors.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("planner %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPlannerError reports whether err is (or wraps) a planner Error.
func IsPlannerError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
