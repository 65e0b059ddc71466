package analyzer

import (
	"context"
	"path/filepath"
	"strings"
)

// Frontend lowers one language's source into the generic tree.
type Frontend interface {
	Language() string
	Extensions() []string
	Parse(ctx context.Context, src []byte) (*Node, error)
}

// DefaultFrontends returns the Python and Go frontends.
func DefaultFrontends() []Frontend {
	return []Frontend{PythonFrontend{}, GoFrontend{}}
}

func extensionOf(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
