package policy

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// resolvePath makes p absolute and clean, then resolves symlinks along its longest existing
// prefix so that a link inside an allowed root cannot point writes elsewhere. Resolution fails
// when a prefix exists but cannot be resolved.
func resolvePath(base, p string) (string, error) {
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}

	cur := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, reversed(rest)...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return abs, err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

// rootPath resolves an allow-list root. An unresolvable root keeps its lexical form.
func rootPath(base, root string) string {
	resolved, _ := resolvePath(base, root)
	return resolved
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[len(in)-1-i] = s
	}
	return out
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Contains reports whether path, with symlinks resolved, lies inside root. A path that cannot be
// resolved is never contained.
func Contains(root, path string) bool {
	target, err := resolvePath("", path)
	if err != nil {
		return false
	}
	return within(rootPath("", root), target)
}
