package chunker

import (
	"go/ast"
	"go/parser"
	"go/token"
	"sort"

	"github.com/dshills/gocontext-indexd/pkg/types"
)

// chunkGo emits one chunk per top-level declaration. Doc comments are
// attached to the declaration they document; imports are skipped. A file
// without declarations becomes a single package chunk.
func chunkGo(filePath string, content []byte, lines []string) ([]types.ChunkSpec, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filePath, content, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	var specs []types.ChunkSpec
	add := func(doc *ast.CommentGroup, node ast.Node, typ types.ChunkType, symbol string) {
		start := fset.Position(node.Pos()).Line
		if doc != nil {
			start = fset.Position(doc.Pos()).Line
		}
		end := fset.Position(node.End()).Line
		specs = append(specs, types.ChunkSpec{
			Type:       typ,
			SymbolName: symbol,
			StartLine:  start,
			EndLine:    end,
			Content:    joinLines(lines, start, end),
		})
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv != nil && len(d.Recv.List) > 0 {
				name := d.Name.Name
				if recv := receiverType(d.Recv.List[0].Type); recv != "" {
					name = recv + "." + name
				}
				add(d.Doc, d, types.ChunkMethod, name)
			} else {
				add(d.Doc, d, types.ChunkFunction, d.Name.Name)
			}
		case *ast.GenDecl:
			switch d.Tok {
			case token.TYPE:
				add(d.Doc, d, types.ChunkTypeDecl, firstSpecName(d))
			case token.CONST:
				add(d.Doc, d, types.ChunkConstGroup, firstSpecName(d))
			case token.VAR:
				add(d.Doc, d, types.ChunkVarGroup, firstSpecName(d))
			}
		}
	}

	if len(specs) == 0 {
		return []types.ChunkSpec{{
			Type:       types.ChunkPackage,
			SymbolName: file.Name.Name,
			StartLine:  1,
			EndLine:    len(lines),
			Content:    joinLines(lines, 1, len(lines)),
		}}, nil
	}

	sort.SliceStable(specs, func(i, j int) bool { return specs[i].StartLine < specs[j].StartLine })
	return specs, nil
}

// receiverType extracts the receiver type name, stripping pointers and type parameters.
func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	}
	return ""
}

func firstSpecName(d *ast.GenDecl) string {
	if len(d.Specs) == 0 {
		return ""
	}
	switch s := d.Specs[0].(type) {
	case *ast.TypeSpec:
		return s.Name.Name
	case *ast.ValueSpec:
		if len(s.Names) > 0 {
			return s.Names[0].Name
		}
	}
	return ""
}
