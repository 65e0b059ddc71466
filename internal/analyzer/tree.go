// Package analyzer scans candidate source for forbidden imports, forbidden calls, secret-looking
// globals and path-traversal literals.
//
// Language frontends lower their syntax trees into the small generic tree defined here; the
// checks themselves only ever see Node values, so they apply unchanged to every frontend.
package analyzer

// Kind classifies a generic syntax node.
type Kind int

const (
	KindModule Kind = iota
	KindBlock
	KindImport
	KindCall
	KindBinding
	KindLiteral
)

func (k Kind) String() string {
	switch k {
	case KindModule:
		return "module"
	case KindBlock:
		return "block"
	case KindImport:
		return "import"
	case KindCall:
		return "call"
	case KindBinding:
		return "binding"
	case KindLiteral:
		return "literal"
	default:
		return "unknown"
	}
}

// Node is a language-neutral syntax node.
//
// Name carries the module path for imports, the qualified callee for calls, the identifier for
// bindings and the decoded value for literals. Root is the import root used for deny-list
// matching. From marks "from x import y" style imports.
type Node struct {
	Kind        Kind
	Name        string
	Root        string
	From        bool
	Line        int
	ModuleScope bool
	Children    []*Node
}

// Visitor receives every node of a tree in source order.
type Visitor interface {
	Visit(n *Node)
}

type VisitorFunc func(n *Node)

func (f VisitorFunc) Visit(n *Node) { f(n) }

// Walk visits n and its descendants depth-first, parents before children.
func Walk(n *Node, v Visitor) {
	if n == nil {
		return
	}
	v.Visit(n)
	for _, child := range n.Children {
		Walk(child, v)
	}
}
