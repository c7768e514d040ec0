package catalog

import (
	"strconv"
	"strings"
)

// Column type tags. These double as the DuckDB column types in the
// generated DDL.
const (
	TypeBigint  = "BIGINT"
	TypeDouble  = "DOUBLE"
	TypeBoolean = "BOOLEAN"
	TypeVarchar = "VARCHAR"
)

// inferTypes scans the data rows column by column and picks the narrowest
// type every non-empty cell fits. Columns with no data stay VARCHAR.
func inferTypes(colCount int, rows [][]string) []string {
	types := make([]string, colCount)
	for col := 0; col < colCount; col++ {
		types[col] = inferColumn(col, rows)
	}
	return types
}

func inferColumn(col int, rows [][]string) string {
	allInt, allFloat, allBool := true, true, true
	sawValue := false

	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[col])
		if v == "" {
			continue
		}
		sawValue = true

		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				allFloat = false
			}
		}
		if allBool && !isBoolLiteral(v) {
			allBool = false
		}

		if !allInt && !allFloat && !allBool {
			return TypeVarchar
		}
	}

	switch {
	case !sawValue:
		return TypeVarchar
	case allBool:
		return TypeBoolean
	case allInt:
		return TypeBigint
	case allFloat:
		return TypeDouble
	default:
		return TypeVarchar
	}
}

func isBoolLiteral(v string) bool {
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "false")
}

// convertCell turns a raw cell string into a driver value matching the
// column's declared type. Empty cells become NULL. A cell that no longer
// parses (should not happen after inference) falls back to its raw text for
// VARCHAR and NULL otherwise.
func convertCell(raw, typ string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch typ {
	case TypeBigint:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		return nil
	case TypeDouble:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return nil
	case TypeBoolean:
		return strings.EqualFold(v, "true")
	default:
		return raw
	}
}
