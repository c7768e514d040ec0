// Package ask orchestrates one question end to end: pick few-shot examples
// for the catalog's fingerprint, call the planner, gate the candidate query,
// log the interaction, and execute against the session's catalog.
package ask

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sheetsage/sheetsage/internal/catalog"
	"github.com/sheetsage/sheetsage/internal/feedback"
	"github.com/sheetsage/sheetsage/internal/planner"
	"github.com/sheetsage/sheetsage/internal/sqlguard"
)

// ErrEmptyCatalog is returned when a question arrives before any
// spreadsheet has been uploaded.
var ErrEmptyCatalog = errors.New("no tables in catalog; upload a spreadsheet first")

// Answer is the outcome of one question. RecordID identifies the logged
// interaction for later feedback; it is 0 when logging failed (see Warning).
type Answer struct {
	RecordID    int64    `json:"record_id"`
	SQL         string   `json:"sql"`
	Explanation string   `json:"explanation"`
	Columns     []string `json:"columns"`
	Rows        [][]any  `json:"rows"`
	Warning     string   `json:"warning,omitempty"`
}

// Service wires the planner, the interaction log, and the example selector.
type Service struct {
	planner  planner.Planner
	store    *feedback.Store
	selector *feedback.Selector
	rowLimit int
	logger   *slog.Logger
}

// New creates a Service. Non-positive rowLimit uses the catalog default.
func New(p planner.Planner, store *feedback.Store, selector *feedback.Selector, rowLimit int, logger *slog.Logger) *Service {
	if rowLimit <= 0 {
		rowLimit = catalog.DefaultRowLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		planner:  p,
		store:    store,
		selector: selector,
		rowLimit: rowLimit,
		logger:   logger,
	}
}

// Ask answers one question against cat.
//
// Degradation rules: a selector failure downgrades to zero examples, and a
// log-write failure sets Answer.Warning instead of dropping the result. An
// execution failure still returns the Answer (carrying RecordID, SQL and
// Explanation so feedback can be filed) alongside the error; check
// catalog.IsExecError to distinguish it from the planner and validation
// failures, which return a nil Answer.
func (s *Service) Ask(ctx context.Context, cat *catalog.Catalog, question string) (*Answer, error) {
	tables := cat.Tables()
	if len(tables) == 0 {
		return nil, ErrEmptyCatalog
	}
	sig := cat.Fingerprint()

	examples, err := s.selector.Select(sig)
	if err != nil {
		s.logger.Warn("example selection failed; continuing without examples", "error", err)
		examples = nil
	}

	plan, err := s.planner.Plan(ctx, planner.Request{
		Question: question,
		Catalog:  tables,
		Examples: examples,
	})
	if err != nil {
		return nil, err
	}

	validated, err := sqlguard.Validate(plan.SQL)
	if err != nil {
		return nil, err
	}

	answer := &Answer{
		SQL:         validated,
		Explanation: plan.Explanation,
	}

	recordID, err := s.store.Record(question, sig, validated)
	if err != nil {
		s.logger.Warn("recording interaction failed", "error", err)
		answer.Warning = "interaction was not logged; feedback is unavailable for this answer"
	} else {
		answer.RecordID = recordID
	}

	result, err := cat.Execute(ctx, validated, s.rowLimit)
	if err != nil {
		return answer, err
	}
	answer.Columns = result.Columns
	answer.Rows = result.Rows
	return answer, nil
}
