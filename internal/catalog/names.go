package catalog

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// maxNameLen caps normalized identifiers so giant sheet/column labels can't
// blow up the engine's DDL.
const maxNameLen = 80

var (
	nonIdentChars  = regexp.MustCompile(`[^a-zA-Z0-9_]+`)
	underscoreRuns = regexp.MustCompile(`_{2,}`)
)

// safeName normalizes s into a restricted alphanumeric+underscore
// identifier: non-conforming characters collapse to a single underscore,
// runs of underscores collapse, leading/trailing underscores are trimmed,
// and the result is capped at maxNameLen. If nothing survives, fallback is
// returned instead.
func safeName(s, fallback string) string {
	s = nonIdentChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = underscoreRuns.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	if s == "" {
		return fallback
	}
	return s
}

// fileBase strips the extension from a file name for use as a table name
// prefix.
func fileBase(name string) string {
	base := filepath.Base(name)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// normalizeColumns maps raw header cells through safeName and disambiguates
// duplicates with a numeric suffix, so the resulting list is valid as a DDL
// column list.
func normalizeColumns(header []string) []string {
	cols := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		name := safeName(h, defaultColumnName)
		if seen[name] {
			base := name
			for n := 2; ; n++ {
				name = base + "_" + strconv.Itoa(n)
				if !seen[name] {
					break
				}
			}
		}
		seen[name] = true
		cols[i] = name
	}
	return cols
}
