package webmodules

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// Tree-sitter node types used by the scanners.
const (
	nodeExportStatement    = "export_statement"
	nodeImportStatement    = "import_statement"
	nodeExportClause       = "export_clause"
	nodeExportSpecifier    = "export_specifier"
	nodeNamespaceExport    = "namespace_export"
	nodeAssignment         = "assignment_expression"
	nodeCallExpression     = "call_expression"
	nodeMemberExpression   = "member_expression"
	nodeSubscriptExpr      = "subscript_expression"
	nodeIdentifier         = "identifier"
	nodeString             = "string"
	nodeStringFragment     = "string_fragment"
	nodeObject             = "object"
	nodePair               = "pair"
	nodeShorthandProperty  = "shorthand_property_identifier"
	nodeMethodDefinition   = "method_definition"
	nodeVariableDeclarator = "variable_declarator"
)

// esmInfo is the export surface of one ES module file.
type esmInfo struct {
	names      []string // own named exports, default excluded
	hasDefault bool
	stars      []string // export * from "..."
}

// cjsInfo is what can be learned statically about a CommonJS file.
type cjsInfo struct {
	names     []string
	reexports []string // module.exports = require("...")
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// jsReservedWords cannot be used as bindings in generated export declarations.
var jsReservedWords = map[string]bool{
	"default": true, "break": true, "case": true, "catch": true, "class": true,
	"const": true, "continue": true, "debugger": true, "delete": true, "do": true,
	"else": true, "enum": true, "export": true, "extends": true, "finally": true,
	"for": true, "function": true, "if": true, "import": true, "in": true,
	"instanceof": true, "let": true, "new": true, "return": true, "super": true,
	"switch": true, "this": true, "throw": true, "try": true, "typeof": true,
	"var": true, "void": true, "while": true, "with": true, "yield": true,
	"await": true, "implements": true, "interface": true, "package": true,
	"private": true, "protected": true, "public": true, "static": true,
	"null": true, "true": true, "false": true,
}

// parseJS parses content and calls fn with the root node. The tree is
// released when fn returns. Parsers are not safe for concurrent use, so each
// call gets its own.
func parseJS(ctx context.Context, content []byte, fn func(root *sitter.Node)) error {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()
	fn(tree.RootNode())
	return nil
}

func parseFile(ctx context.Context, path string, fn func(root *sitter.Node, content []byte)) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return parseJS(ctx, content, func(root *sitter.Node) { fn(root, content) })
}

func nodeText(n *sitter.Node, content []byte) string {
	return string(content[n.StartByte():n.EndByte()])
}

// stringValue returns the unquoted text of a string literal node.
func stringValue(n *sitter.Node, content []byte) string {
	if n == nil || n.Type() != nodeString {
		return ""
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child.Type() == nodeStringFragment {
			return nodeText(child, content)
		}
	}
	text := nodeText(n, content)
	if len(text) >= 2 {
		return text[1 : len(text)-1]
	}
	return ""
}

// walk visits every node depth-first.
func walk(n *sitter.Node, visit func(n *sitter.Node)) {
	if n == nil {
		return
	}
	visit(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

// hasModuleSyntax reports whether the top level holds import or export statements.
func hasModuleSyntax(root *sitter.Node) bool {
	for i := 0; i < int(root.ChildCount()); i++ {
		switch root.Child(i).Type() {
		case nodeImportStatement, nodeExportStatement:
			return true
		}
	}
	return false
}

// scanESM collects the export surface of an ES module.
func scanESM(root *sitter.Node, content []byte) *esmInfo {
	info := &esmInfo{}
	seen := make(map[string]bool)
	addName := func(name string) {
		if name == "default" {
			info.hasDefault = true
			return
		}
		if name != "" && !seen[name] {
			seen[name] = true
			info.names = append(info.names, name)
		}
	}

	for i := 0; i < int(root.ChildCount()); i++ {
		if stmt := root.Child(i); stmt.Type() == nodeExportStatement {
			scanExportStatement(stmt, content, info, addName)
		}
	}
	return info
}

func scanExportStatement(stmt *sitter.Node, content []byte, info *esmInfo, addName func(string)) {
	source := stringValue(stmt.ChildByFieldName("source"), content)

	star, namespaced, isDefault := false, false, false
	for i := 0; i < int(stmt.ChildCount()); i++ {
		child := stmt.Child(i)
		switch child.Type() {
		case "default":
			isDefault = true
			info.hasDefault = true
		case "*":
			star = true
		case nodeNamespaceExport:
			namespaced = true
			for j := 0; j < int(child.ChildCount()); j++ {
				if gc := child.Child(j); gc.Type() == nodeIdentifier || gc.Type() == nodeString {
					addName(exportName(gc, content))
				}
			}
		case nodeExportClause:
			for j := 0; j < int(child.ChildCount()); j++ {
				spec := child.Child(j)
				if spec.Type() != nodeExportSpecifier {
					continue
				}
				name := spec.ChildByFieldName("alias")
				if name == nil {
					name = spec.ChildByFieldName("name")
				}
				if name != nil {
					addName(exportName(name, content))
				}
			}
		}
	}
	if star && !namespaced && source != "" {
		info.stars = append(info.stars, source)
	}
	if isDefault {
		return
	}

	decl := stmt.ChildByFieldName("declaration")
	if decl == nil {
		return
	}
	if name := decl.ChildByFieldName("name"); name != nil {
		addName(nodeText(name, content))
		return
	}
	// const/let/var declarations, destructuring patterns included.
	for j := 0; j < int(decl.ChildCount()); j++ {
		declarator := decl.Child(j)
		if declarator.Type() != nodeVariableDeclarator {
			continue
		}
		walk(declarator.ChildByFieldName("name"), func(n *sitter.Node) {
			switch n.Type() {
			case nodeIdentifier, "shorthand_property_identifier_pattern":
				addName(nodeText(n, content))
			}
		})
	}
}

func exportName(n *sitter.Node, content []byte) string {
	if n.Type() == nodeString {
		return stringValue(n, content)
	}
	return nodeText(n, content)
}

// scanCJS statically recovers the names a CommonJS file assigns on its exports.
// Recognized forms:
//
//	exports.x = ... / module.exports.x = ... / exports["x"] = ...
//	module.exports = { x, y: ... }
//	module.exports = Ident; Ident.x = ...
//	Object.defineProperty(exports, "x", ...)
//	module.exports = require("./other")
func scanCJS(root *sitter.Node, content []byte) *cjsInfo {
	info := &cjsInfo{}
	seen := map[string]bool{"__esModule": true}
	addName := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			info.names = append(info.names, name)
		}
	}

	var aliases []string
	props := make(map[string][]string)

	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case nodeAssignment:
			left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right")
			if left == nil || right == nil {
				return
			}
			if isModuleExports(left, content) {
				switch right.Type() {
				case nodeCallExpression:
					if spec, ok := requireCall(right, content); ok {
						info.reexports = append(info.reexports, spec)
					}
				case nodeObject:
					for _, key := range objectKeys(right, content) {
						addName(key)
					}
				case nodeIdentifier:
					aliases = append(aliases, nodeText(right, content))
				}
				return
			}
			obj, prop := memberTarget(left, content)
			if obj == nil {
				return
			}
			switch {
			case obj.Type() == nodeIdentifier && nodeText(obj, content) == "exports":
				addName(prop)
			case isModuleExports(obj, content):
				addName(prop)
			case obj.Type() == nodeIdentifier:
				ident := nodeText(obj, content)
				props[ident] = append(props[ident], prop)
			}
		case nodeCallExpression:
			if _, ok := requireCall(n, content); ok {
				return
			}
			if name, ok := definePropertyOnExports(n, content); ok {
				addName(name)
			}
		}
	})

	for _, alias := range aliases {
		for _, prop := range props[alias] {
			if prop != "prototype" {
				addName(prop)
			}
		}
	}
	return info
}

func isModuleExports(n *sitter.Node, content []byte) bool {
	if n.Type() != nodeMemberExpression {
		return false
	}
	obj, prop := n.ChildByFieldName("object"), n.ChildByFieldName("property")
	return obj != nil && prop != nil &&
		obj.Type() == nodeIdentifier && nodeText(obj, content) == "module" &&
		nodeText(prop, content) == "exports"
}

// memberTarget splits obj.prop and obj["prop"] assignment targets.
func memberTarget(n *sitter.Node, content []byte) (*sitter.Node, string) {
	switch n.Type() {
	case nodeMemberExpression:
		prop := n.ChildByFieldName("property")
		if prop == nil {
			return nil, ""
		}
		return n.ChildByFieldName("object"), nodeText(prop, content)
	case nodeSubscriptExpr:
		index := n.ChildByFieldName("index")
		if name := stringValue(index, content); name != "" {
			return n.ChildByFieldName("object"), name
		}
	}
	return nil, ""
}

// requireCall matches require("x") with a single string literal argument.
func requireCall(n *sitter.Node, content []byte) (string, bool) {
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != nodeIdentifier || nodeText(fn, content) != "require" {
		return "", false
	}
	return singleStringArgument(n, content)
}

func singleStringArgument(call *sitter.Node, content []byte) (string, bool) {
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() != 1 {
		return "", false
	}
	arg := args.NamedChild(0)
	if arg.Type() != nodeString {
		return "", false
	}
	return stringValue(arg, content), true
}

// definePropertyOnExports matches Object.defineProperty(exports, "x", ...).
func definePropertyOnExports(n *sitter.Node, content []byte) (string, bool) {
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != nodeMemberExpression || nodeText(fn, content) != "Object.defineProperty" {
		return "", false
	}
	args := n.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() < 2 {
		return "", false
	}
	target := args.NamedChild(0)
	if !(target.Type() == nodeIdentifier && nodeText(target, content) == "exports") && !isModuleExports(target, content) {
		return "", false
	}
	name := stringValue(args.NamedChild(1), content)
	return name, name != ""
}

func objectKeys(obj *sitter.Node, content []byte) []string {
	var keys []string
	for i := 0; i < int(obj.NamedChildCount()); i++ {
		child := obj.NamedChild(i)
		switch child.Type() {
		case nodeShorthandProperty:
			keys = append(keys, nodeText(child, content))
		case nodePair, nodeMethodDefinition:
			field := "key"
			if child.Type() == nodeMethodDefinition {
				field = "name"
			}
			key := child.ChildByFieldName(field)
			if key == nil {
				continue
			}
			if key.Type() == nodeString {
				keys = append(keys, stringValue(key, content))
			} else if key.Type() == "property_identifier" {
				keys = append(keys, nodeText(key, content))
			}
		}
	}
	return keys
}

// bindableNames keeps names usable as `export const <name>` and sorts them.
func bindableNames(names []string) []string {
	var out []string
	for _, name := range names {
		if jsReservedWords[name] || !identifierRe.MatchString(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
