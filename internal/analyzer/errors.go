package analyzer

import (
	"errors"
	"fmt"
)

var ErrUnsupportedLanguage = errors.New("unsupported source language")

// ParseError reports source that could not be parsed. Callers must treat it as a validation
// failure.
type ParseError struct {
	Language string
	Line     int
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s source: line %d: %s", e.Language, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse %s source: %s", e.Language, e.Reason)
}
