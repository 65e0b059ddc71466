package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/pkg/types"
	"go.uber.org/zap"
)

type Options struct {
	ForbiddenImports []string
	ForbiddenCalls   []string
	NetworkModules   []string
	SecretMarkers    []string
	Logger           *zap.Logger
}

// Result is the outcome of one analysis pass. NetworkImports lists imported modules that
// reach the network; they are not violations on their own and are routed through the
// external_request rule by callers.
type Result struct {
	Violations     []types.Violation
	NetworkImports []string
}

func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}

// Analyzer is stateless after construction and safe for concurrent use.
type Analyzer struct {
	forbiddenImports map[string]struct{}
	forbiddenCalls   map[string]struct{}
	networkModules   map[string]struct{}
	secretMarkers    []string
	byLanguage       map[string]Frontend
	byExtension      map[string]Frontend
	logger           *zap.Logger
}

func New(opts Options, frontends ...Frontend) *Analyzer {
	if len(frontends) == 0 {
		frontends = DefaultFrontends()
	}
	a := &Analyzer{
		forbiddenImports: toSet(opts.ForbiddenImports),
		forbiddenCalls:   toSet(opts.ForbiddenCalls),
		networkModules:   toSet(opts.NetworkModules),
		byLanguage:       make(map[string]Frontend),
		byExtension:      make(map[string]Frontend),
		logger:           logging.OrNop(opts.Logger),
	}
	for _, m := range opts.SecretMarkers {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			a.secretMarkers = append(a.secretMarkers, m)
		}
	}
	for _, f := range frontends {
		a.byLanguage[f.Language()] = f
		for _, ext := range f.Extensions() {
			a.byExtension[ext] = f
		}
	}
	return a
}

// Supports reports whether a frontend is registered for path's extension.
func (a *Analyzer) Supports(path string) bool {
	_, ok := a.byExtension[extensionOf(path)]
	return ok
}

// Analyze parses src with the named language frontend and walks it once, collecting every
// violation in source order.
func (a *Analyzer) Analyze(ctx context.Context, language string, src []byte) (Result, error) {
	f, ok := a.byLanguage[language]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return a.analyze(ctx, f, "", src)
}

// AnalyzeFile picks the frontend from the file extension.
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string, src []byte) (Result, error) {
	f, ok := a.byExtension[extensionOf(path)]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, path)
	}
	return a.analyze(ctx, f, path, src)
}

func (a *Analyzer) analyze(ctx context.Context, f Frontend, file string, src []byte) (Result, error) {
	tree, err := f.Parse(ctx, src)
	if err != nil {
		a.logger.Warn("source did not parse", zap.String("file", file), zap.String("language", f.Language()), zap.Error(err))
		return Result{}, err
	}

	c := &collector{a: a, file: file}
	Walk(tree, c)
	return c.result, nil
}

type collector struct {
	a      *Analyzer
	file   string
	result Result
	seen   map[string]struct{}
}

func (c *collector) Visit(n *Node) {
	switch n.Kind {
	case KindImport:
		c.visitImport(n)
	case KindCall:
		if _, ok := c.a.forbiddenCalls[n.Name]; ok {
			c.record(types.ViolationForbiddenCall, n.Name, n.Line, "Forbidden call detected: "+n.Name)
		}
	case KindBinding:
		if n.ModuleScope && c.a.looksSecret(n.Name) {
			c.record(types.ViolationSuspiciousGlobal, n.Name, n.Line, "Suspicious global secret variable: "+n.Name)
		}
	case KindLiteral:
		if hasTraversal(n.Name) {
			c.record(types.ViolationPathTraversal, n.Name, n.Line, "Path traversal literal: "+n.Name)
		}
	}
}

func (c *collector) visitImport(n *Node) {
	_, rootDenied := c.a.forbiddenImports[n.Root]
	_, fullDenied := c.a.forbiddenImports[n.Name]
	if rootDenied || fullDenied {
		name := n.Root
		if fullDenied {
			name = n.Name
		}
		msg := "Forbidden import: " + name
		if n.From {
			msg = "Forbidden import from: " + name
		}
		c.record(types.ViolationForbiddenImport, name, n.Line, msg)
	}

	_, rootNet := c.a.networkModules[n.Root]
	_, fullNet := c.a.networkModules[n.Name]
	if rootNet || fullNet {
		if c.seen == nil {
			c.seen = make(map[string]struct{})
		}
		if _, dup := c.seen[n.Name]; !dup {
			c.seen[n.Name] = struct{}{}
			c.result.NetworkImports = append(c.result.NetworkImports, n.Name)
		}
	}
}

func (c *collector) record(kind types.ViolationKind, name string, line int, msg string) {
	c.a.logger.Warn("validation issue", zap.String("file", c.file), zap.Int("line", line), zap.String("issue", msg))
	c.result.Violations = append(c.result.Violations, types.Violation{
		Kind:    kind,
		Name:    name,
		File:    c.file,
		Line:    line,
		Message: msg,
	})
}

func (a *Analyzer) looksSecret(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range a.secretMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

var traversalPattern = regexp.MustCompile(`(^|[/\\])\.\.([/\\]|$)`)

func hasTraversal(s string) bool {
	return traversalPattern.MatchString(s)
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
