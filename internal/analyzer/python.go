package analyzer

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PythonFrontend parses Python with tree-sitter.
type PythonFrontend struct{}

func (PythonFrontend) Language() string { return "python" }

func (PythonFrontend) Extensions() []string { return []string{".py", ".pyw"} }

// Parse builds a fresh parser per call; tree-sitter parsers are not safe for concurrent use.
func (PythonFrontend) Parse(ctx context.Context, src []byte) (*Node, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, &ParseError{Language: "python", Reason: err.Error()}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, &ParseError{Language: "python", Line: firstErrorLine(root), Reason: "syntax error"}
	}

	module := &Node{Kind: KindModule, Line: 1, ModuleScope: true}
	l := pyLowerer{src: src}
	module.Children = l.lowerChildren(root, true)
	return module, nil
}

func firstErrorLine(n *sitter.Node) int {
	if n.Type() == "ERROR" || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child != nil && (child.HasError() || child.IsMissing()) {
			return firstErrorLine(child)
		}
	}
	return int(n.StartPoint().Row) + 1
}

type pyLowerer struct {
	src []byte
}

func (l pyLowerer) text(n *sitter.Node) string {
	return n.Content(l.src)
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func (l pyLowerer) lowerChildren(n *sitter.Node, moduleScope bool) []*Node {
	var out []*Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, l.lower(n.NamedChild(i), moduleScope)...)
	}
	return out
}

func (l pyLowerer) lower(n *sitter.Node, moduleScope bool) []*Node {
	switch n.Type() {
	case "import_statement":
		return l.lowerImport(n)
	case "import_from_statement":
		return l.lowerImportFrom(n)
	case "function_definition", "class_definition", "lambda":
		block := &Node{Kind: KindBlock, Line: line(n)}
		if name := n.ChildByFieldName("name"); name != nil {
			block.Name = l.text(name)
		}
		block.Children = l.lowerChildren(n, false)
		return []*Node{block}
	case "global_statement":
		var out []*Node
		for i := 0; i < int(n.NamedChildCount()); i++ {
			id := n.NamedChild(i)
			if id.Type() == "identifier" {
				out = append(out, &Node{Kind: KindBinding, Name: l.text(id), Line: line(id), ModuleScope: true})
			}
		}
		return out
	case "assignment", "augmented_assignment":
		var out []*Node
		if left := n.ChildByFieldName("left"); left != nil {
			for _, id := range l.targets(left) {
				out = append(out, &Node{Kind: KindBinding, Name: l.text(id), Line: line(id), ModuleScope: moduleScope})
			}
		}
		if right := n.ChildByFieldName("right"); right != nil {
			out = append(out, l.lower(right, moduleScope)...)
		}
		return out
	case "call":
		call := &Node{Kind: KindCall, Line: line(n)}
		if fn := n.ChildByFieldName("function"); fn != nil {
			call.Name = qualifiedName(l.text(fn))
		}
		call.Children = l.lowerChildren(n, moduleScope)
		return []*Node{call}
	case "string":
		return []*Node{{Kind: KindLiteral, Name: pyStringValue(l.text(n)), Line: line(n), ModuleScope: moduleScope}}
	default:
		return l.lowerChildren(n, moduleScope)
	}
}

func (l pyLowerer) lowerImport(n *sitter.Node) []*Node {
	var out []*Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		name := child
		if child.Type() == "aliased_import" {
			name = child.ChildByFieldName("name")
		}
		if name == nil || name.Type() != "dotted_name" {
			continue
		}
		module := l.text(name)
		out = append(out, &Node{Kind: KindImport, Name: module, Root: pyRoot(module), Line: line(n), ModuleScope: true})
	}
	return out
}

func (l pyLowerer) lowerImportFrom(n *sitter.Node) []*Node {
	mod := n.ChildByFieldName("module_name")
	if mod == nil {
		return nil
	}
	module := strings.TrimLeft(l.text(mod), ".")
	if module == "" {
		return nil
	}
	return []*Node{{Kind: KindImport, Name: module, Root: pyRoot(module), From: true, Line: line(n), ModuleScope: true}}
}

func (l pyLowerer) targets(n *sitter.Node) []*sitter.Node {
	switch n.Type() {
	case "identifier":
		return []*sitter.Node{n}
	case "pattern_list", "tuple_pattern", "list_pattern", "expression_list":
		var out []*sitter.Node
		for i := 0; i < int(n.NamedChildCount()); i++ {
			out = append(out, l.targets(n.NamedChild(i))...)
		}
		return out
	default:
		return nil
	}
}

func pyRoot(module string) string {
	root, _, _ := strings.Cut(module, ".")
	return root
}

func qualifiedName(expr string) string {
	return strings.Join(strings.Fields(expr), "")
}

func pyStringValue(raw string) string {
	s := strings.TrimLeft(raw, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}
