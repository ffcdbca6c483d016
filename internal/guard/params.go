package guard

import (
	"fmt"

	"vitess.io/vitess/go/vt/sqlparser"
)

// BindParams turns :name placeholders into positional ? arguments for the
// MySQL driver. Placeholders are read from the parsed statement, so colons
// inside string literals are left alone.
func BindParams(sqlText string, params map[string]any) (string, []any, error) {
	if len(params) == 0 {
		return sqlText, nil, nil
	}
	stmt, hint, err := prepare(sqlText)
	if err != nil {
		return "", nil, err
	}

	var (
		args    []any
		bindErr error
	)
	buf := sqlparser.NewTrackedBuffer(func(buf *sqlparser.TrackedBuffer, node sqlparser.SQLNode) {
		switch typed := node.(type) {
		case *sqlparser.Argument:
			value, ok := params[typed.Name]
			if !ok && bindErr == nil {
				bindErr = fmt.Errorf("missing value for :%s", typed.Name)
			}
			args = append(args, value)
			buf.WriteString("?")
		case sqlparser.ListArg:
			if bindErr == nil {
				bindErr = fmt.Errorf("list parameter ::%s is not supported", string(typed))
			}
			buf.WriteString("?")
		default:
			node.Format(buf)
		}
	})
	buf.Myprintf("%v", stmt)
	if bindErr != nil {
		return "", nil, &ValidationError{Reason: "bind query params", Err: bindErr}
	}
	if len(args) == 0 {
		return sqlText, nil, nil
	}
	return ReapplyHint(buf.String(), hint), args, nil
}
