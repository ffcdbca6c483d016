// Package guard proves that LLM-generated SQL is a single, read-only, bounded
// SELECT before it reaches a warehouse connection, and rewrites table
// references when the executor needs a narrower retry.
//
// Every function is pure: inputs are strings (plus caller-supplied mappings),
// outputs are strings or a *ValidationError.
package guard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vitess.io/vitess/go/vt/sqlparser"
)

var ErrValidation = errors.New("sql validation failed")

type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrValidation.Error(), e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func reject(reason string) error {
	return &ValidationError{Reason: reason}
}

// Policy is the per-step execution policy applied by Validate.
type Policy struct {
	MaxRows int
	Schema  string
	Timeout time.Duration
}

type Prepared struct {
	SQL   string
	Limit int
}

var mysqlParser = mustParser()

func mustParser() *sqlparser.Parser {
	parser, err := sqlparser.New(sqlparser.Options{MySQLServerVersion: "8.0.30"})
	if err != nil {
		panic(fmt.Sprintf("guard: init mysql parser: %v", err))
	}
	return parser
}

// Validate runs the full pipeline used before execution: select-only check,
// row cap, schema qualification and the execution-time hint.
func Validate(sqlText string, policy Policy) (Prepared, error) {
	if policy.MaxRows <= 0 {
		return Prepared{}, fmt.Errorf("max rows must be > 0")
	}
	if err := EnsureSelectOnly(sqlText); err != nil {
		return Prepared{}, err
	}
	limited, effective, err := EnforceLimit(sqlText, policy.MaxRows)
	if err != nil {
		return Prepared{}, err
	}
	qualified, err := QualifyTables(limited, policy.Schema)
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{
		SQL:   ApplyExecutionTimeHint(qualified, policy.Timeout),
		Limit: effective,
	}, nil
}

// StripTrailingSemicolon tolerates exactly one trailing terminator. Any other
// semicolon is treated as statement stacking.
func StripTrailingSemicolon(sqlText string) (string, error) {
	stripped := strings.TrimRight(sqlText, " \t\r\n")
	if !strings.Contains(stripped, ";") {
		return stripped, nil
	}
	if !strings.HasSuffix(stripped, ";") {
		return "", reject("multiple statements are not allowed")
	}
	body := stripped[:len(stripped)-1]
	if strings.Contains(body, ";") {
		return "", reject("multiple statements are not allowed")
	}
	return strings.TrimRight(body, " \t\r\n"), nil
}

func RejectUnsafeTokens(sqlText string) error {
	for _, token := range []string{"--", "/*", "*/"} {
		if strings.Contains(sqlText, token) {
			return reject(fmt.Sprintf("comment token %q is not allowed", token))
		}
	}
	return nil
}

// EnsureSelectOnly is the authoritative read-only gate. The string checks run
// first; the parsed root statement decides.
func EnsureSelectOnly(sqlText string) error {
	cleaned, _ := ExtractHint(sqlText)
	cleaned, err := StripTrailingSemicolon(cleaned)
	if err != nil {
		return err
	}
	if err := RejectUnsafeTokens(cleaned); err != nil {
		return err
	}
	stmt, err := parse(cleaned)
	if err != nil {
		return err
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return reject("only SELECT statements are allowed")
	}
	if sel.Into != nil {
		return reject("SELECT ... INTO is not allowed")
	}
	if sel.Lock != sqlparser.NoLock {
		return reject("locking reads are not allowed")
	}
	return nil
}

func parse(sqlText string) (sqlparser.Statement, error) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, reject("sql is required")
	}
	stmt, err := mysqlParser.Parse(sqlText)
	if err != nil {
		return nil, &ValidationError{Reason: "parse sql", Err: err}
	}
	return stmt, nil
}

// prepare pulls the hint out and drops the trailing terminator before parsing,
// so rewrites can render the statement and put the hint back.
func prepare(sqlText string) (sqlparser.Statement, Hint, error) {
	cleaned, hint := ExtractHint(sqlText)
	cleaned, err := StripTrailingSemicolon(cleaned)
	if err != nil {
		return nil, "", err
	}
	stmt, err := parse(cleaned)
	if err != nil {
		return nil, "", err
	}
	return stmt, hint, nil
}

func render(stmt sqlparser.Statement, hint Hint) string {
	return ReapplyHint(sqlparser.String(stmt), hint)
}
