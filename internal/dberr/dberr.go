// Package dberr classifies MySQL failures by walking the error chain for a
// server error code, falling back to message text only when no typed error is
// found.
package dberr

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

type Kind string

const (
	KindUnknownDatabase Kind = "unknown_database"
	KindTableNotFound   Kind = "table_not_found"
	KindTransient       Kind = "transient"
	KindOther           Kind = "other"
)

const (
	CodeTooManyConnections = 1040
	CodeUnknownCommand     = 1047
	CodeBadDatabase        = 1049
	CodeNoSuchTable        = 1146
	CodeServerGone         = 2006
	CodeServerLost         = 2013
	CodeCommandsOutOfSync  = 2014
)

var transientCodes = map[int]struct{}{
	CodeTooManyConnections: {},
	CodeUnknownCommand:     {},
	CodeServerGone:         {},
	CodeServerLost:         {},
	CodeCommandsOutOfSync:  {},
}

const maxChainDepth = 32

var (
	tupleCodePattern = regexp.MustCompile(`\((\d{4})\s*,`)
	errorCodePattern = regexp.MustCompile(`Error (\d{4})`)
)

// Code returns the innermost MySQL error code found in err's chain. The text
// fallback takes the last four-digit code that matches.
func Code(err error) (int, bool) {
	var found int
	ok := false
	walk(err, func(current error) bool {
		if mysqlErr, is := current.(*mysql.MySQLError); is && mysqlErr != nil {
			found = int(mysqlErr.Number)
			ok = true
		}
		return true
	})
	if ok {
		return found, true
	}
	if err == nil {
		return 0, false
	}
	return codeFromText(err.Error())
}

func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	code, hasCode := Code(err)
	message := strings.ToLower(err.Error())

	if hasCode && code == CodeBadDatabase || strings.Contains(message, "unknown database") {
		return KindUnknownDatabase
	}
	if hasCode && code == CodeNoSuchTable || (strings.Contains(message, "doesn't exist") && strings.Contains(message, "table")) {
		return KindTableNotFound
	}
	if hasCode {
		if _, transient := transientCodes[code]; transient {
			return KindTransient
		}
	}
	if isConnectionFailure(err) {
		return KindTransient
	}
	return KindOther
}

func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// walk visits err and everything it wraps, depth-first, at most once each.
func walk(err error, visit func(error) bool) {
	if err == nil {
		return
	}
	visited := map[error]struct{}{}
	stack := []error{err}
	steps := 0
	for len(stack) > 0 && steps < maxChainDepth {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == nil {
			continue
		}
		if reflect.TypeOf(current).Comparable() {
			if _, seen := visited[current]; seen {
				continue
			}
			visited[current] = struct{}{}
		}
		steps++
		if !visit(current) {
			return
		}
		switch wrapped := current.(type) {
		case interface{ Unwrap() []error }:
			children := wrapped.Unwrap()
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		case interface{ Unwrap() error }:
			stack = append(stack, wrapped.Unwrap())
		}
	}
}

func codeFromText(message string) (int, bool) {
	for _, pattern := range []*regexp.Regexp{tupleCodePattern, errorCodePattern} {
		matches := pattern.FindAllStringSubmatch(message, -1)
		if len(matches) == 0 {
			continue
		}
		code, err := strconv.Atoi(matches[len(matches)-1][1])
		if err == nil {
			return code, true
		}
	}
	return 0, false
}
