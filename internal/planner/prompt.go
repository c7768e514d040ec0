package planner

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sheetsage/sheetsage/internal/catalog"
	"github.com/sheetsage/sheetsage/internal/feedback"
)

// Prompt size caps. Kept as named constants so the budget is adjustable in
// one place.
const (
	// MaxTables is the most tables described to the planner per request.
	MaxTables = 80
	// MaxSampleRows is the per-table sample row count sent to the planner,
	// smaller than what the catalog stores.
	MaxSampleRows = 3
	// MaxCatalogBytes caps the serialized catalog section of the prompt.
	MaxCatalogBytes = 120000
	// MaxFewShot is the most few-shot examples sent per request.
	MaxFewShot = 5
)

const systemPrompt = `You are a spreadsheet analytics assistant.
You will be given:
- TRAINING_EXAMPLES from prior user feedback (optional)
- A catalog of SQL tables (DuckDB) derived from uploaded spreadsheet files.

Your job: produce ONE DuckDB-compatible SQL query that answers the question.

Rules:
- Only use tables/columns from the catalog.
- Follow TRAINING_EXAMPLES conventions (joins, filters, definitions) unless they conflict with the current schema.
- Prefer joins on clearly matching keys (e.g., CustomerID, Date, Region) when asked to compare across tables.
- If the question is ambiguous, make a reasonable assumption and state it in the explanation.
- Never write destructive SQL (no DROP/UPDATE/DELETE/INSERT/CREATE/ALTER).
- Return JSON matching the schema.
- Do NOT include a trailing semicolon in SQL.
- Return only ONE statement: a SELECT or a WITH ... SELECT query.`

// message is one chat turn in the OpenAI wire format.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// compactTable is the per-table catalog view sent to the planner: full
// metadata but a trimmed sample.
type compactTable struct {
	File   string     `json:"file"`
	Sheet  string     `json:"sheet"`
	Rows   int        `json:"rows"`
	Cols   []string   `json:"cols"`
	Types  []string   `json:"dtypes"`
	Sample [][]string `json:"sample"`
}

// compactCatalog trims the catalog to at most MaxTables tables (sorted by
// identifier for determinism) with at most MaxSampleRows sample rows each.
func compactCatalog(tables map[string]catalog.Table) map[string]compactTable {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > MaxTables {
		names = names[:MaxTables]
	}

	out := make(map[string]compactTable, len(names))
	for _, name := range names {
		t := tables[name]
		sample := t.Sample
		if len(sample) > MaxSampleRows {
			sample = sample[:MaxSampleRows]
		}
		out[name] = compactTable{
			File:   t.File,
			Sheet:  t.Sheet,
			Rows:   t.Rows,
			Cols:   t.Columns,
			Types:  t.Types,
			Sample: sample,
		}
	}
	return out
}

// buildMessages assembles the chat turns for one planning request.
func buildMessages(req Request) ([]message, error) {
	examples := req.Examples
	if len(examples) > MaxFewShot {
		examples = examples[:MaxFewShot]
	}
	if examples == nil {
		examples = []feedback.Example{}
	}
	examplesJSON, err := json.Marshal(examples)
	if err != nil {
		return nil, fmt.Errorf("marshaling examples: %w", err)
	}

	catalogJSON, err := json.Marshal(compactCatalog(req.Catalog))
	if err != nil {
		return nil, fmt.Errorf("marshaling catalog: %w", err)
	}
	if len(catalogJSON) > MaxCatalogBytes {
		catalogJSON = catalogJSON[:MaxCatalogBytes]
	}

	return []message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "TRAINING_EXAMPLES:\n" + string(examplesJSON)},
		{Role: "user", Content: "CATALOG:\n" + string(catalogJSON)},
		{Role: "user", Content: "QUESTION:\n" + req.Question},
	}, nil
}
