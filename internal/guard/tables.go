package guard

import (
	"fmt"
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"
)

// QualifyTables attaches schema to every unqualified table reference. CTE
// names and DUAL are local to the statement and stay unqualified.
func QualifyTables(sqlText, schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return sqlText, nil
	}
	stmt, hint, err := prepare(sqlText)
	if err != nil {
		return "", err
	}
	ctes := cteNames(stmt)
	changed := rewriteTables(stmt, func(name sqlparser.TableName) (sqlparser.TableName, bool) {
		if !name.Qualifier.IsEmpty() {
			return name, false
		}
		if _, local := ctes[strings.ToLower(name.Name.String())]; local || isDual(name) {
			return name, false
		}
		name.Qualifier = sqlparser.NewIdentifierCS(schema)
		return name, true
	})
	if !changed {
		return sqlText, nil
	}
	return render(stmt, hint), nil
}

// StripTableSchema removes table qualifiers. With a non-empty schema only
// qualifiers equal to it (case-insensitively) are removed.
func StripTableSchema(sqlText, schema string) (string, error) {
	target := strings.TrimSpace(schema)
	stmt, hint, err := prepare(sqlText)
	if err != nil {
		return "", err
	}
	changed := rewriteTables(stmt, func(name sqlparser.TableName) (sqlparser.TableName, bool) {
		if name.Qualifier.IsEmpty() {
			return name, false
		}
		if target != "" && !strings.EqualFold(name.Qualifier.String(), target) {
			return name, false
		}
		name.Qualifier = sqlparser.IdentifierCS{}
		return name, true
	})
	if !changed {
		return sqlText, nil
	}
	return render(stmt, hint), nil
}

// RemapTableNames renames tables through a case-insensitive mapping. A renamed
// table loses its qualifier; entries that only differ by case are ignored.
func RemapTableNames(sqlText string, mapping map[string]string) (string, error) {
	if len(mapping) == 0 {
		return sqlText, nil
	}
	normalized := make(map[string]string, len(mapping))
	for requested, replacement := range mapping {
		replacement = strings.TrimSpace(replacement)
		if replacement == "" || strings.EqualFold(requested, replacement) {
			continue
		}
		normalized[strings.ToLower(requested)] = replacement
	}
	if len(normalized) == 0 {
		return sqlText, nil
	}

	stmt, hint, err := prepare(sqlText)
	if err != nil {
		return "", err
	}
	changed := rewriteTables(stmt, func(name sqlparser.TableName) (sqlparser.TableName, bool) {
		current := name.Name.String()
		replacement, ok := normalized[strings.ToLower(current)]
		if !ok || strings.EqualFold(replacement, current) {
			return name, false
		}
		return sqlparser.TableName{Name: sqlparser.NewIdentifierCS(replacement)}, true
	})
	if !changed {
		return sqlText, nil
	}
	return render(stmt, hint), nil
}

// ReferencedTables lists physical table names in first-seen order, without
// case-insensitive duplicates. Unparsable SQL yields nil.
func ReferencedTables(sqlText string) []string {
	stmt, _, err := prepare(sqlText)
	if err != nil {
		return nil
	}
	ctes := cteNames(stmt)
	seen := map[string]struct{}{}
	names := make([]string, 0)
	rewriteTables(stmt, func(name sqlparser.TableName) (sqlparser.TableName, bool) {
		raw := name.Name.String()
		key := strings.ToLower(raw)
		if raw == "" || isDual(name) {
			return name, false
		}
		if _, local := ctes[key]; local {
			return name, false
		}
		if _, dup := seen[key]; dup {
			return name, false
		}
		seen[key] = struct{}{}
		names = append(names, raw)
		return name, false
	})
	return names
}

// SelectColumns returns the output column names of a top-level SELECT:
// alias or column name, "value" for a star, col_N otherwise.
func SelectColumns(sqlText string) []string {
	stmt, _, err := prepare(sqlText)
	if err != nil {
		return nil
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return nil
	}

	columns := make([]string, 0, len(sel.SelectExprs))
	for index, expr := range sel.SelectExprs {
		switch typed := expr.(type) {
		case *sqlparser.StarExpr:
			columns = append(columns, "value")
		case *sqlparser.AliasedExpr:
			switch {
			case !typed.As.IsEmpty():
				columns = append(columns, typed.As.String())
			default:
				if col, ok := typed.Expr.(*sqlparser.ColName); ok {
					columns = append(columns, col.Name.String())
				} else {
					columns = append(columns, fmt.Sprintf("col_%d", index+1))
				}
			}
		default:
			columns = append(columns, fmt.Sprintf("col_%d", index+1))
		}
	}

	seen := map[string]struct{}{}
	unique := make([]string, 0, len(columns))
	for _, column := range columns {
		if _, dup := seen[column]; dup {
			continue
		}
		seen[column] = struct{}{}
		unique = append(unique, column)
	}
	return unique
}

// rewriteTables visits table references in FROM/JOIN positions only; column
// qualifiers share the TableName type and must not be touched.
func rewriteTables(stmt sqlparser.SQLNode, fn func(sqlparser.TableName) (sqlparser.TableName, bool)) bool {
	changed := false
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		aliased, ok := node.(*sqlparser.AliasedTableExpr)
		if !ok {
			return true, nil
		}
		name, ok := aliased.Expr.(sqlparser.TableName)
		if !ok {
			return true, nil
		}
		if updated, did := fn(name); did {
			aliased.Expr = updated
			changed = true
		}
		return true, nil
	}, stmt)
	return changed
}

func isDual(name sqlparser.TableName) bool {
	return name.Qualifier.IsEmpty() && strings.EqualFold(name.Name.String(), "dual")
}

func cteNames(stmt sqlparser.SQLNode) map[string]struct{} {
	names := map[string]struct{}{}
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if cte, ok := node.(*sqlparser.CommonTableExpr); ok {
			names[strings.ToLower(cte.ID.String())] = struct{}{}
		}
		return true, nil
	}, stmt)
	return names
}
