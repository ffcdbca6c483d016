package guard

import (
	"fmt"
	"strconv"

	"vitess.io/vitess/go/vt/sqlparser"
)

// EnforceLimit caps result cardinality. A missing LIMIT is injected, a larger
// one is clamped, and one within bounds is kept and reported as-is.
func EnforceLimit(sqlText string, maxRows int) (string, int, error) {
	if maxRows <= 0 {
		return "", 0, fmt.Errorf("max rows must be > 0")
	}
	stmt, hint, err := prepare(sqlText)
	if err != nil {
		return "", 0, err
	}

	var limitRef **sqlparser.Limit
	switch typed := stmt.(type) {
	case *sqlparser.Select:
		limitRef = &typed.Limit
	case *sqlparser.Union:
		limitRef = &typed.Limit
	default:
		return "", 0, reject("LIMIT can only be enforced on SELECT statements")
	}

	current := *limitRef
	if current == nil || current.Rowcount == nil {
		var offset sqlparser.Expr
		if current != nil {
			offset = current.Offset
		}
		*limitRef = &sqlparser.Limit{Offset: offset, Rowcount: intLiteral(maxRows)}
		return render(stmt, hint), maxRows, nil
	}

	existing, ok := literalInt(current.Rowcount)
	if !ok || existing > maxRows {
		current.Rowcount = intLiteral(maxRows)
		return render(stmt, hint), maxRows, nil
	}
	return render(stmt, hint), existing, nil
}

func intLiteral(value int) sqlparser.Expr {
	return sqlparser.NewIntLiteral(strconv.Itoa(value))
}

func literalInt(expr sqlparser.Expr) (int, bool) {
	literal, ok := expr.(*sqlparser.Literal)
	if !ok || literal.Type != sqlparser.IntVal {
		return 0, false
	}
	value, err := strconv.Atoi(literal.Val)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
