package chunk

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

// Parser extracts the declaration entities of one source file. The code
// chunker consumes its output; files that parse to zero entities fall
// back to a single module chunk.
type Parser interface {
	Parse(path, content string) (ParsedFile, error)
}

// LanguageForPath maps a file extension onto a grammar name. Unknown
// extensions return "".
func LanguageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return "typescript"
	case ".tsx":
		return "tsx"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".go":
		return "go"
	}
	return ""
}

var grammars = map[string]*sitter.Language{
	"typescript": typescript.GetLanguage(),
	"tsx":        tsx.GetLanguage(),
	"python":     python.GetLanguage(),
	"rust":       rust.GetLanguage(),
	"go":         golang.GetLanguage(),
}

// ASTParser extracts entities from real syntax trees, so string literals
// and nesting never produce phantom declarations. Top-level declarations
// become entities; class and impl members become method entities with
// `Parent.name` qualified names.
type ASTParser struct{}

var _ Parser = ASTParser{}

func (ASTParser) Parse(path, content string) (ParsedFile, error) {
	lang := LanguageForPath(path)
	file := ParsedFile{Path: path, Language: lang}
	grammar, ok := grammars[lang]
	if !ok {
		return file, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	src := []byte(content)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return file, mimirerrors.Wrapf(mimirerrors.ErrCodeParse, err, "parse %s", path)
	}
	defer tree.Close()

	ex := extractor{src: src, lang: lang}
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		file.Entities = append(file.Entities, ex.declaration(root.NamedChild(i))...)
	}
	return file, nil
}

type extractor struct {
	src  []byte
	lang string
}

func (e *extractor) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(e.src[n.StartByte():n.EndByte()])
}

func (e *extractor) fieldText(n *sitter.Node, field string) string {
	return e.text(n.ChildByFieldName(field))
}

// declaration converts one top-level node into entities: the declaration
// itself plus, for container types, one entity per member method.
func (e *extractor) declaration(n *sitter.Node) []Entity {
	decl, span := unwrap(n)
	switch e.lang {
	case "go":
		return e.goDecl(decl, span)
	case "python":
		return e.pythonDecl(decl, span)
	case "rust":
		return e.rustDecl(decl, span)
	case "typescript", "tsx":
		return e.tsDecl(decl, span)
	}
	return nil
}

// unwrap peels wrapper nodes whose span still belongs to the declaration:
// export statements and decorated definitions.
func unwrap(n *sitter.Node) (decl, span *sitter.Node) {
	switch n.Type() {
	case "export_statement":
		if d := n.ChildByFieldName("declaration"); d != nil {
			return d, n
		}
		if v := n.ChildByFieldName("value"); v != nil {
			return v, n
		}
	case "decorated_definition":
		if d := n.ChildByFieldName("definition"); d != nil {
			return d, n
		}
	}
	return n, n
}

func (e *extractor) goDecl(decl, span *sitter.Node) []Entity {
	switch decl.Type() {
	case "function_declaration":
		name := e.fieldText(decl, "name")
		return []Entity{e.entity(span, decl, name, name, "function", "")}
	case "method_declaration":
		name := e.fieldText(decl, "name")
		qualified := name
		if recv := findDescendant(decl.ChildByFieldName("receiver"), "type_identifier"); recv != nil {
			qualified = e.text(recv) + "." + name
		}
		return []Entity{e.entity(span, decl, name, qualified, "method", "")}
	case "type_declaration":
		var specs []*sitter.Node
		for i := 0; i < int(decl.NamedChildCount()); i++ {
			if c := decl.NamedChild(i); c.Type() == "type_spec" {
				specs = append(specs, c)
			}
		}
		var entities []Entity
		for _, spec := range specs {
			name := e.fieldText(spec, "name")
			kind := "type"
			switch value := spec.ChildByFieldName("type"); {
			case value == nil:
			case value.Type() == "struct_type":
				kind = "struct"
			case value.Type() == "interface_type":
				kind = "interface"
			}
			// A grouped block spans per spec; a single declaration keeps
			// the `type` keyword in its span.
			specSpan := spec
			if len(specs) == 1 {
				specSpan = span
			}
			entities = append(entities, e.entity(specSpan, spec, name, name, kind, ""))
		}
		return entities
	}
	return nil
}

func (e *extractor) pythonDecl(decl, span *sitter.Node) []Entity {
	switch decl.Type() {
	case "function_definition":
		name := e.fieldText(decl, "name")
		return []Entity{e.entity(span, decl, name, name, "function", "")}
	case "class_definition":
		name := e.fieldText(decl, "name")
		entities := []Entity{e.entity(span, decl, name, name, "class", "")}
		parent := firstLine(e.text(decl))
		if body := decl.ChildByFieldName("body"); body != nil {
			for i := 0; i < int(body.NamedChildCount()); i++ {
				member, memberSpan := unwrap(body.NamedChild(i))
				if member.Type() != "function_definition" {
					continue
				}
				mname := e.fieldText(member, "name")
				entities = append(entities,
					e.entity(memberSpan, member, mname, name+"."+mname, "method", parent))
			}
		}
		return entities
	}
	return nil
}

func (e *extractor) rustDecl(decl, span *sitter.Node) []Entity {
	simple := map[string]string{
		"function_item": "function",
		"struct_item":   "struct",
		"enum_item":     "enum",
		"mod_item":      "module",
	}
	if kind, ok := simple[decl.Type()]; ok {
		name := e.fieldText(decl, "name")
		return []Entity{e.entity(span, decl, name, name, kind, "")}
	}

	switch decl.Type() {
	case "trait_item":
		name := e.fieldText(decl, "name")
		entities := []Entity{e.entity(span, decl, name, name, "trait", "")}
		return append(entities, e.rustMethods(decl, name)...)
	case "impl_item":
		name := baseTypeName(e.fieldText(decl, "type"))
		entities := []Entity{e.entity(span, decl, name, name, "impl", "")}
		return append(entities, e.rustMethods(decl, name)...)
	}
	return nil
}

func (e *extractor) rustMethods(container *sitter.Node, owner string) []Entity {
	body := container.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	parent := firstLine(e.text(container))
	var entities []Entity
	for i := 0; i < int(body.NamedChildCount()); i++ {
		member := body.NamedChild(i)
		if member.Type() != "function_item" {
			continue
		}
		name := e.fieldText(member, "name")
		entities = append(entities,
			e.entity(member, member, name, owner+"."+name, "method", parent))
	}
	return entities
}

func (e *extractor) tsDecl(decl, span *sitter.Node) []Entity {
	switch decl.Type() {
	case "function_declaration", "generator_function_declaration":
		name := e.fieldText(decl, "name")
		return []Entity{e.entity(span, decl, name, name, "function", "")}
	case "class_declaration", "abstract_class_declaration":
		name := e.fieldText(decl, "name")
		entities := []Entity{e.entity(span, decl, name, name, "class", "")}
		parent := firstLine(e.text(decl))
		if body := decl.ChildByFieldName("body"); body != nil {
			for i := 0; i < int(body.NamedChildCount()); i++ {
				member := body.NamedChild(i)
				if member.Type() != "method_definition" {
					continue
				}
				mname := e.fieldText(member, "name")
				entities = append(entities,
					e.entity(member, member, mname, name+"."+mname, "method", parent))
			}
		}
		return entities
	case "interface_declaration":
		name := e.fieldText(decl, "name")
		return []Entity{e.entity(span, decl, name, name, "interface", "")}
	case "type_alias_declaration":
		name := e.fieldText(decl, "name")
		return []Entity{e.entity(span, decl, name, name, "type", "")}
	case "enum_declaration":
		name := e.fieldText(decl, "name")
		return []Entity{e.entity(span, decl, name, name, "enum", "")}
	case "lexical_declaration", "variable_declaration":
		return e.tsVariableFunction(decl, span)
	}
	return nil
}

// tsVariableFunction recognizes `const f = () => ...` and
// `const f = function () {}` as function entities.
func (e *extractor) tsVariableFunction(decl, span *sitter.Node) []Entity {
	for i := 0; i < int(decl.NamedChildCount()); i++ {
		declarator := decl.NamedChild(i)
		if declarator.Type() != "variable_declarator" {
			continue
		}
		value := declarator.ChildByFieldName("value")
		if value == nil {
			continue
		}
		switch value.Type() {
		case "arrow_function", "function", "function_expression":
			name := e.fieldText(declarator, "name")
			ent := e.entity(span, value, name, name, "function", "")
			return []Entity{ent}
		}
	}
	return nil
}

// entity builds one Entity from a declaration node. The span node fixes
// the line range, extended backward over attached comments, decorators
// and attributes; the decl node carries name, parameters and return type.
func (e *extractor) entity(span, decl *sitter.Node, name, qualified, entityType, parent string) Entity {
	startRow, doc := e.attachedPrefix(span)
	ent := Entity{
		Name:          name,
		QualifiedName: qualified,
		EntityType:    entityType,
		StartLine:     startRow + 1,
		EndLine:       int(span.EndPoint().Row) + 1,
		Docstring:     doc,
		ParentContext: parent,
	}
	if p := decl.ChildByFieldName("parameters"); p != nil {
		ent.Parameters = splitParams(e.text(p))
	}
	if r := decl.ChildByFieldName("result"); r != nil {
		ent.ReturnType = strings.TrimSpace(e.text(r))
	} else if r := decl.ChildByFieldName("return_type"); r != nil {
		ent.ReturnType = strings.TrimSpace(strings.TrimPrefix(e.text(r), ":"))
	}
	if e.lang == "python" {
		if ds := e.pyDocstring(decl); ds != "" {
			ent.Docstring = ds
		}
	}
	return ent
}

// attachedPrefix walks preceding siblings that sit directly above the
// node: comments, decorators and attributes travel with the declaration.
// Comment text doubles as the docstring for languages that document
// declarations from above.
func (e *extractor) attachedPrefix(n *sitter.Node) (startRow int, doc string) {
	startRow = int(n.StartPoint().Row)
	var comments []string
	for prev := n.PrevNamedSibling(); prev != nil; prev = prev.PrevNamedSibling() {
		if int(prev.EndPoint().Row) < startRow-1 {
			break
		}
		if !attachedType(prev.Type()) {
			break
		}
		startRow = int(prev.StartPoint().Row)
		if prev.Type() != "decorator" && prev.Type() != "attribute_item" {
			comments = append([]string{commentText(e.text(prev))}, comments...)
		}
	}
	return startRow, strings.TrimSpace(strings.Join(comments, "\n"))
}

func attachedType(nodeType string) bool {
	switch nodeType {
	case "comment", "line_comment", "block_comment", "attribute_item", "decorator":
		return true
	}
	return false
}

// pyDocstring returns the leading string literal of a function or class
// body.
func (e *extractor) pyDocstring(decl *sitter.Node) string {
	body := decl.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	return trimPyQuotes(e.text(str))
}

func trimPyQuotes(s string) string {
	s = strings.TrimLeft(s, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}
	return strings.TrimSpace(s)
}

func findDescendant(n *sitter.Node, nodeType string) *sitter.Node {
	if n == nil {
		return nil
	}
	if n.Type() == nodeType {
		return n
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if found := findDescendant(n.NamedChild(i), nodeType); found != nil {
			return found
		}
	}
	return nil
}

// splitParams splits a raw parameter list on top-level commas.
func splitParams(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "(")
	raw = strings.TrimSuffix(raw, ")")
	var params []string
	depth, start := 0, 0
	for i, r := range raw {
		switch r {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			depth--
		case ',':
			if depth == 0 {
				if p := strings.TrimSpace(raw[start:i]); p != "" {
					params = append(params, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(raw[start:]); p != "" {
		params = append(params, p)
	}
	return params
}

func commentText(raw string) string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		s := strings.TrimSpace(line)
		s = strings.TrimSuffix(s, "*/")
		for _, prefix := range []string{"/**", "/*", "//!", "///", "//", "#", "*"} {
			if strings.HasPrefix(s, prefix) {
				s = s[len(prefix):]
				break
			}
		}
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func baseTypeName(s string) string {
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
