package webmodules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// requireHelper replaces the require functions left in esbuild output.
const requireHelper = "__webmod_require"

type requireSite struct {
	start, end uint32 // byte range of the callee identifier
	spec       string
}

// rewriteRequires turns require("x") and __require("x") calls left in a
// bundle into static imports. Browsers have no require, so each distinct
// specifier becomes a namespace import and the calls are routed through a
// lookup function switching on the specifier. A CommonJS caller gets the
// default export when there is one, the namespace otherwise.
//
// Calls whose argument is not a single string literal are left alone.
func rewriteRequires(ctx context.Context, code []byte) ([]byte, error) {
	var sites []requireSite
	err := parseJS(ctx, code, func(root *sitter.Node) {
		walk(root, func(n *sitter.Node) {
			if n.Type() != nodeCallExpression {
				return
			}
			fn := n.ChildByFieldName("function")
			if fn == nil || fn.Type() != nodeIdentifier {
				return
			}
			if name := nodeText(fn, code); name != "require" && name != "__require" {
				return
			}
			spec, ok := singleStringArgument(n, code)
			if !ok {
				return
			}
			sites = append(sites, requireSite{start: fn.StartByte(), end: fn.EndByte(), spec: spec})
		})
	})
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return code, nil
	}

	bindings := make(map[string]string)
	var specs []string
	for _, site := range sites {
		if _, ok := bindings[site.spec]; !ok {
			bindings[site.spec] = ""
			specs = append(specs, site.spec)
		}
	}
	sort.Strings(specs)

	var sb strings.Builder
	for i, spec := range specs {
		bindings[spec] = fmt.Sprintf("__webmod_req_%d", i)
		fmt.Fprintf(&sb, "import * as %s from %q;\n", bindings[spec], spec)
	}
	fmt.Fprintf(&sb, "var %s = (id) => {\n  switch (id) {\n", requireHelper)
	for _, spec := range specs {
		b := bindings[spec]
		fmt.Fprintf(&sb, "    case %q: return \"default\" in %s ? %s.default : %s;\n", spec, b, b, b)
	}
	sb.WriteString("  }\n  throw Error('Dynamic require of \"' + id + '\" is not supported');\n};\n")

	// Sites come out of the walk in source order; splice back to front.
	body := append([]byte(nil), code...)
	for i := len(sites) - 1; i >= 0; i-- {
		site := sites[i]
		tail := append([]byte(requireHelper), body[site.end:]...)
		body = append(body[:site.start], tail...)
	}
	return append([]byte(sb.String()), body...), nil
}
