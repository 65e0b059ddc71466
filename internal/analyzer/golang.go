package analyzer

import (
	"context"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strconv"
)

// GoFrontend parses Go source with go/parser.
type GoFrontend struct{}

func (GoFrontend) Language() string { return "go" }

func (GoFrontend) Extensions() []string { return []string{".go"} }

func (GoFrontend) Parse(_ context.Context, src []byte) (*Node, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.SkipObjectResolution)
	if err != nil {
		perr := &ParseError{Language: "go", Reason: err.Error()}
		if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
			perr.Line = list[0].Pos.Line
			perr.Reason = list[0].Msg
		}
		return nil, perr
	}

	g := goLowerer{fset: fset}
	module := &Node{Kind: KindModule, Line: 1, ModuleScope: true}
	for _, imp := range file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		module.Children = append(module.Children, &Node{Kind: KindImport, Name: path, Root: path, Line: g.line(imp.Pos()), ModuleScope: true})
	}
	for _, decl := range file.Decls {
		if gen, ok := decl.(*ast.GenDecl); ok && gen.Tok == token.IMPORT {
			continue
		}
		module.Children = append(module.Children, g.lowerDecl(decl)...)
	}
	return module, nil
}

type goLowerer struct {
	fset *token.FileSet
}

func (g goLowerer) line(pos token.Pos) int {
	return g.fset.Position(pos).Line
}

func (g goLowerer) lowerDecl(decl ast.Decl) []*Node {
	switch d := decl.(type) {
	case *ast.GenDecl:
		var out []*Node
		for _, spec := range d.Specs {
			vs, ok := spec.(*ast.ValueSpec)
			if !ok {
				continue
			}
			for _, name := range vs.Names {
				out = append(out, &Node{Kind: KindBinding, Name: name.Name, Line: g.line(name.Pos()), ModuleScope: true})
			}
			for _, v := range vs.Values {
				out = append(out, g.lowerExpr(v, true)...)
			}
		}
		return out
	case *ast.FuncDecl:
		block := &Node{Kind: KindBlock, Name: d.Name.Name, Line: g.line(d.Pos())}
		if d.Body != nil {
			block.Children = g.lowerExpr(d.Body, false)
		}
		return []*Node{block}
	default:
		return nil
	}
}

// lowerExpr collects calls and string literals beneath n in source order.
func (g goLowerer) lowerExpr(n ast.Node, moduleScope bool) []*Node {
	var out []*Node
	ast.Inspect(n, func(child ast.Node) bool {
		switch c := child.(type) {
		case *ast.CallExpr:
			call := &Node{Kind: KindCall, Name: exprName(c.Fun), Line: g.line(c.Pos())}
			for _, arg := range c.Args {
				call.Children = append(call.Children, g.lowerExpr(arg, moduleScope)...)
			}
			if sel, ok := c.Fun.(*ast.SelectorExpr); ok {
				call.Children = append(g.lowerExpr(sel.X, moduleScope), call.Children...)
			}
			out = append(out, call)
			return false
		case *ast.BasicLit:
			if c.Kind == token.STRING {
				value, err := strconv.Unquote(c.Value)
				if err != nil {
					value = c.Value
				}
				out = append(out, &Node{Kind: KindLiteral, Name: value, Line: g.line(c.Pos()), ModuleScope: moduleScope})
			}
		case *ast.FuncLit:
			block := &Node{Kind: KindBlock, Line: g.line(c.Pos())}
			block.Children = g.lowerExpr(c.Body, false)
			out = append(out, block)
			return false
		}
		return true
	})
	return out
}

func exprName(e ast.Expr) string {
	switch v := e.(type) {
	case *ast.Ident:
		return v.Name
	case *ast.SelectorExpr:
		if x := exprName(v.X); x != "" {
			return x + "." + v.Sel.Name
		}
		return v.Sel.Name
	case *ast.IndexExpr:
		return exprName(v.X)
	case *ast.ParenExpr:
		return exprName(v.X)
	case *ast.StarExpr:
		return exprName(v.X)
	default:
		return ""
	}
}
