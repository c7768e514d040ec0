package feedback

import "strings"

// DefaultFewShot is the few-shot cap applied when a Selector is built with
// a non-positive max.
const DefaultFewShot = 5

// fetchDepth is how many ranked records to pull from the store before
// projecting; wider than the few-shot cap so blank exemplars can be skipped.
const fetchDepth = 20

// Example is one (question, query) pair ready for planner consumption. SQL
// prefers the human-corrected query over the generated one.
type Example struct {
	Question string `json:"q"`
	SQL      string `json:"sql"`
}

// Selector ranks and retrieves prior interactions for a fingerprint and
// projects them into planner few-shot examples.
type Selector struct {
	store *Store
	max   int
}

// NewSelector creates a Selector capped at max examples per Select call.
func NewSelector(store *Store, max int) *Selector {
	if max <= 0 {
		max = DefaultFewShot
	}
	return &Selector{store: store, max: max}
}

// Select returns up to the configured cap of examples for the fingerprint,
// best-ranked first.
func (s *Selector) Select(catalogSig string) ([]Example, error) {
	records, err := s.store.BestExamples(catalogSig, fetchDepth)
	if err != nil {
		return nil, err
	}
	return Project(records, s.max), nil
}

// Project converts ranked records into at most max examples, preferring the
// corrected query and dropping records with an empty question or query.
func Project(records []Record, max int) []Example {
	var out []Example
	for _, rec := range records {
		if len(out) >= max {
			break
		}
		q := strings.TrimSpace(rec.Question)
		query := strings.TrimSpace(rec.CorrectedSQL)
		if query == "" {
			query = strings.TrimSpace(rec.GeneratedSQL)
		}
		if q == "" || query == "" {
			continue
		}
		out = append(out, Example{Question: q, SQL: query})
	}
	return out
}
